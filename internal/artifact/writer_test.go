package artifact_test

import (
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geosignal-correlator/internal/align"
	"github.com/couchcryptid/geosignal-correlator/internal/artifact"
	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/linker"
	"github.com/couchcryptid/geosignal-correlator/internal/score"
)

func newTestWriter(t *testing.T) (*artifact.Writer, string) {
	t.Helper()
	root := t.TempDir()
	w, err := artifact.NewWriter(root, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return w, root
}

func testDataset() *linker.Dataset {
	mag := 6.2
	return &linker.Dataset{
		Event: domain.Event{
			EventID:    "evt-42",
			OriginTime: time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC),
			Lat:        38.0,
			Lon:        142.0,
			Mag:        &mag,
		},
		Grid: align.GridSpec{StartMS: 0, EndMS: 120_000, StepMS: 60_000},
		Stations: []linker.StationEntry{
			{StationID: "st01", DistanceKM: 42.5, Lat: 38.3, Lon: 142.3, Match: "exact"},
		},
		Columns: []linker.Column{
			{
				StationID: "st01",
				Source:    domain.SourceGeomag,
				Channel:   "h",
				Points: []align.Point{
					{TSMS: 0, Value: 20500.5},
					{TSMS: 60_000, Value: math.NaN(), Missing: true},
					{TSMS: 120_000, Value: 20501.0, Interpolated: true},
				},
			},
		},
		Summary: linker.Summary{
			EventID:      "evt-42",
			Stations:     1,
			Columns:      1,
			GridPoints:   3,
			Rows:         2,
			JoinCoverage: 0,
			MissingRate:  1.0 / 3.0,
			ParamsHash:   "cafebabe",
			Params:       map[string]any{"radius_km": 100.0},
		},
	}
}

func testScores() []score.AnomalyScore {
	zv := 2.5
	return []score.AnomalyScore{
		{
			EventID:        "evt-42",
			StationID:      "st01",
			Source:         domain.SourceGeomag,
			Feature:        "mean",
			Z:              &zv,
			Score:          0.92,
			IsAnomaly:      true,
			BaselineMethod: score.MethodPrimary,
			ParamsHash:     "cafebabe",
		},
		{
			EventID:        "evt-42",
			StationID:      "st01",
			Source:         domain.SourceGeomag,
			Feature:        "std",
			Score:          0.5,
			Degraded:       true,
			Reason:         "no baseline samples",
			BaselineMethod: score.MethodGlobalQuantile,
			ParamsHash:     "cafebabe",
		},
	}
}

func TestWriteEvent_Roundtrip(t *testing.T) {
	w, _ := newTestWriter(t)
	ds := testDataset()
	features := []artifact.FeatureRow{
		{StationID: "st01", Source: "geomag", Channel: "h", Values: map[string]float64{"mean": 20500.75}, MissingRate: 1.0 / 3.0},
	}

	require.NoError(t, w.WriteEvent(ds, features, testScores()))

	set, err := artifact.ReadEvent(w.EventDir("evt-42"))
	require.NoError(t, err)

	assert.Equal(t, "evt-42", set.Event.EventID)
	require.NotNil(t, set.Event.Mag)
	assert.Equal(t, 6.2, *set.Event.Mag)

	require.Len(t, set.Stations, 1)
	assert.Equal(t, 42.5, set.Stations[0].DistanceKM)

	require.Len(t, set.Features, 1)
	assert.Equal(t, 20500.75, set.Features[0].Values["mean"])

	require.Len(t, set.Scores, 2)
	require.NotNil(t, set.Scores[0].Z)
	assert.Equal(t, 2.5, *set.Scores[0].Z)
	assert.Nil(t, set.Scores[1].Z)
	assert.Equal(t, "no baseline samples", set.Scores[1].Reason)

	assert.Equal(t, "cafebabe", set.Summary.ParamsHash)
	assert.Equal(t, 100.0, set.Summary.Params["radius_km"])
}

func TestWriteEvent_NaNPointsSurviveAsNull(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.WriteEvent(testDataset(), nil, nil))

	data, err := os.ReadFile(filepath.Join(w.EventDir("evt-42"), artifact.FileAligned))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"value": null`)
	assert.NotContains(t, string(data), "NaN")

	var aligned struct {
		Columns []linker.Column `json:"columns"`
	}
	require.NoError(t, json.Unmarshal(data, &aligned))
	require.Len(t, aligned.Columns, 1)
	pts := aligned.Columns[0].Points
	require.Len(t, pts, 3)
	assert.True(t, math.IsNaN(pts[1].Value))
	assert.True(t, pts[1].Missing)
	assert.True(t, pts[2].Interpolated)
}

func TestWriteEvent_EmptySlicesNotNull(t *testing.T) {
	w, _ := newTestWriter(t)
	ds := testDataset()
	ds.Stations = nil
	ds.Columns = nil
	require.NoError(t, w.WriteEvent(ds, nil, nil))

	for _, name := range []string{artifact.FileStations, artifact.FileFeatures, artifact.FileAnomalies} {
		data, err := os.ReadFile(filepath.Join(w.EventDir("evt-42"), name))
		require.NoError(t, err)
		assert.Equal(t, "[]\n", string(data), "%s must hold an empty array, not null", name)
	}
}

func TestWriteEvent_ByteForByteIdempotent(t *testing.T) {
	w, _ := newTestWriter(t)
	ds := testDataset()
	scores := testScores()

	require.NoError(t, w.WriteEvent(ds, nil, scores))
	first := readAll(t, w.EventDir("evt-42"))

	require.NoError(t, w.WriteEvent(ds, nil, scores))
	second := readAll(t, w.EventDir("evt-42"))

	assert.Equal(t, first, second, "re-running an event rewrites identical bytes")
}

func TestWriteEvent_NoPartialFilesLeftBehind(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.WriteEvent(testDataset(), nil, nil))

	entries, err := os.ReadDir(w.EventDir("evt-42"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{
		artifact.FileEvent, artifact.FileStations, artifact.FileAligned,
		artifact.FileFeatures, artifact.FileAnomalies, artifact.FileSummary,
	}, names)
}

func TestListEventDirs_SkipsIncompleteDirectories(t *testing.T) {
	w, root := newTestWriter(t)
	require.NoError(t, w.WriteEvent(testDataset(), nil, nil))

	// A directory without a summary is not a finished event.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "evt-partial"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.json"), []byte("{}\n"), 0o644))

	dirs, err := artifact.ListEventDirs(root)
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, "evt-42", filepath.Base(dirs[0]))
}

func TestWriteSnapshot(t *testing.T) {
	w, root := newTestWriter(t)
	require.NoError(t, w.WriteSnapshot("config_snapshot.json", map[string]any{"workers": 4}))

	data, err := os.ReadFile(filepath.Join(root, "config_snapshot.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"workers": 4`)
}

func readAll(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(data)
	}
	return out
}
