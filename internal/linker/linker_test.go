package linker_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/feature"
	"github.com/couchcryptid/geosignal-correlator/internal/linker"
	"github.com/couchcryptid/geosignal-correlator/internal/spatial"
)

// originMS is divisible by the one-minute grid step, so window-scalar
// timestamps land exactly on grid points.
const originMS = int64(1_600_000_080_000)

// fakeReader serves canned series, filtered to the queried range.
type fakeReader struct {
	series map[domain.SeriesKey][]domain.CanonicalRecord
}

func (f *fakeReader) Query(_ context.Context, src domain.Source, stationID string, startMS, endMS int64) ([]domain.CanonicalRecord, error) {
	var out []domain.CanonicalRecord
	for key, recs := range f.series {
		if key.Source != src || key.StationID != stationID {
			continue
		}
		for _, r := range recs {
			if r.TSMS >= startMS && r.TSMS <= endMS {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (f *fakeReader) add(src domain.Source, stationID, channel string, startMS, stepMS int64, values ...float64) {
	key := domain.SeriesKey{Source: src, StationID: stationID, Channel: channel}
	for i, v := range values {
		f.series[key] = append(f.series[key], domain.CanonicalRecord{
			TSMS:      startMS + int64(i)*stepMS,
			Source:    src,
			StationID: stationID,
			Channel:   channel,
			Value:     v,
		})
	}
}

func newFakeReader() *fakeReader {
	return &fakeReader{series: map[domain.SeriesKey][]domain.CanonicalRecord{}}
}

func testEvent() domain.Event {
	return domain.Event{
		EventID:    "evt-001",
		OriginTime: time.UnixMilli(originMS).UTC(),
		Lat:        38.0,
		Lon:        142.0,
	}
}

func testRegistry() *domain.Registry {
	return domain.NewRegistry([]domain.Station{
		{StationID: "near", Lat: 38.3, Lon: 142.3}, // ~42 km
		{StationID: "far", Lat: 39.2, Lon: 143.2},  // ~170 km
	})
}

func newLinker(t *testing.T, cfg linker.Config, registry *domain.Registry, reader linker.SeriesReader) *linker.Linker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := linker.New(cfg, spatial.Build(registry), registry, reader, feature.DefaultWaveform(), "testhash", logger)
	require.NoError(t, err)
	return l
}

// shortConfig keeps grids small: a 1h/1h window on a one-minute grid.
func shortConfig() linker.Config {
	cfg := linker.DefaultConfig()
	cfg.NHours = 1
	cfg.MHours = 1
	return cfg
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestLink_FiltersStationsByRadius(t *testing.T) {
	reader := newFakeReader()
	reader.add(domain.SourceGeomag, "near", "h", originMS-3_600_000, 60_000, fill(121, 20500)...)
	reader.add(domain.SourceGeomag, "far", "h", originMS-3_600_000, 60_000, fill(121, 20500)...)

	l := newLinker(t, shortConfig(), testRegistry(), reader)
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	require.Len(t, ds.Stations, 1)
	assert.Equal(t, "near", ds.Stations[0].StationID)
	assert.InDelta(t, 42, ds.Stations[0].DistanceKM, 5)
	assert.Equal(t, string(domain.MatchExact), ds.Stations[0].Match)
	require.Len(t, ds.Columns, 1)
	assert.Equal(t, "near", ds.Columns[0].StationID)
}

func TestLink_StationMatchComesFromRecordFlags(t *testing.T) {
	reader := newFakeReader()
	reader.add(domain.SourceGeomag, "near", "h", originMS-3_600_000, 60_000, fill(5, 20500)...)
	key := domain.SeriesKey{Source: domain.SourceGeomag, StationID: "near", Channel: "h"}
	for i := range reader.series[key] {
		reader.series[key][i].Flags.StationMatch = domain.MatchDowngrade
	}

	l := newLinker(t, shortConfig(), testRegistry(), reader)
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	require.Len(t, ds.Stations, 1)
	assert.Equal(t, string(domain.MatchDowngrade), ds.Stations[0].Match)
}

func TestLink_WindowBounds(t *testing.T) {
	l := newLinker(t, shortConfig(), testRegistry(), newFakeReader())
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, originMS-3_600_000, ds.Grid.StartMS)
	assert.Equal(t, originMS+3_600_000, ds.Grid.EndMS)
	assert.Equal(t, 121, ds.Summary.GridPoints)
	assert.Equal(t, ds.Grid.StartMS, ds.Summary.WindowStartMS)
	assert.Equal(t, ds.Grid.EndMS, ds.Summary.WindowEndMS)
	assert.Equal(t, "testhash", ds.Summary.ParamsHash)
}

func TestLink_NoSpatialCandidates(t *testing.T) {
	registry := domain.NewRegistry([]domain.Station{{StationID: "antipode", Lat: -38, Lon: -38}})
	l := newLinker(t, shortConfig(), registry, newFakeReader())

	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err, "zero candidates is a valid outcome, not an error")

	assert.Empty(t, ds.Stations)
	assert.Empty(t, ds.Columns)
	assert.Contains(t, ds.Summary.Note, "no stations within")
}

func TestLink_StationsWithoutDataGetNote(t *testing.T) {
	l := newLinker(t, shortConfig(), testRegistry(), newFakeReader())
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	require.Len(t, ds.Stations, 1)
	assert.Empty(t, ds.Columns)
	assert.Equal(t, "no series overlap the event window", ds.Summary.Note)
	assert.Zero(t, ds.Summary.JoinCoverage)
}

func TestLink_JoinCoverageCountsMultiSourceTimestamps(t *testing.T) {
	reader := newFakeReader()
	// Geomag covers the whole 121-point grid; AEF only the first 61 points.
	reader.add(domain.SourceGeomag, "near", "h", originMS-3_600_000, 60_000, fill(121, 20500)...)
	reader.add(domain.SourceAEF, "near", "ez", originMS-3_600_000, 60_000, fill(61, 130)...)

	l := newLinker(t, shortConfig(), testRegistry(), reader)
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	require.Len(t, ds.Columns, 2)
	assert.InDelta(t, 61.0/121.0, ds.Summary.JoinCoverage, 1e-9)
	assert.Equal(t, 121+61, ds.Summary.Rows)
	assert.InDelta(t, 60.0/242.0, ds.Summary.MissingRate, 1e-9)
}

func TestLink_ColumnsSortedAndVLFNeverForwardFilled(t *testing.T) {
	cfg := shortConfig()
	cfg.Align.ForwardFill = true

	reader := newFakeReader()
	// Sparse series with holes the fill policy could close.
	reader.add(domain.SourceVLF, "near", "amp", originMS-3_600_000, 120_000, fill(10, 42)...)
	reader.add(domain.SourceGeomag, "near", "h", originMS-3_600_000, 120_000, fill(10, 20500)...)

	l := newLinker(t, cfg, testRegistry(), reader)
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)
	require.Len(t, ds.Columns, 2)

	assert.Equal(t, domain.SourceGeomag, ds.Columns[0].Source, "columns sorted by station, source, channel")
	assert.Equal(t, domain.SourceVLF, ds.Columns[1].Source)

	geomagFilled, vlfFilled := 0, 0
	for _, p := range ds.Columns[0].Points {
		if p.Interpolated {
			geomagFilled++
		}
	}
	for _, p := range ds.Columns[1].Points {
		if p.Interpolated {
			vlfFilled++
		}
		if p.Missing {
			continue
		}
		assert.Equal(t, 42.0, p.Value)
	}
	assert.Positive(t, geomagFilled, "geomag honors the forward-fill policy")
	assert.Zero(t, vlfFilled, "spectral sources are never forward-filled")
}

func TestLink_SeismicNeverForwardFilled(t *testing.T) {
	cfg := shortConfig()
	cfg.Align.ForwardFill = true

	reader := newFakeReader()
	// Grid-rate seismic covering only the first half of the window, plus a
	// raw waveform in the first two grid minutes. Both feed spectral
	// features, so neither may inherit the fill policy.
	reader.add(domain.SourceSeismic, "near", "bhz", originMS-3_600_000, 60_000, fill(61, 1.5)...)
	burst := make([]float64, 2400)
	for i := range burst {
		if i%2 == 0 {
			burst[i] = 3
		} else {
			burst[i] = -3
		}
	}
	reader.add(domain.SourceSeismic, "near", "ehz", originMS-3_600_000, 50, burst...)

	l := newLinker(t, cfg, testRegistry(), reader)
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)
	require.NotEmpty(t, ds.Columns)

	for _, c := range ds.Columns {
		for i, p := range c.Points {
			assert.False(t, p.Interpolated,
				"column %s point %d must not be forward-filled", c.Channel, i)
		}
		if c.Channel == "bhz" {
			assert.True(t, c.Points[len(c.Points)-1].Missing,
				"the uncovered half of the window stays missing")
		}
	}
}

func TestLink_WaveformOnsetPicked(t *testing.T) {
	reader := newFakeReader()
	start := originMS - 3_600_000
	// Quiet alternating waveform that jumps tenfold at sample 800. The
	// short/long average ratio crosses the trigger a few samples later.
	values := make([]float64, 1200)
	for i := range values {
		v := 0.1
		if i >= 800 {
			v = 1.0
		}
		if i%2 == 1 {
			v = -v
		}
		values[i] = v
	}
	reader.add(domain.SourceSeismic, "near", "bhz", start, 50, values...)

	l := newLinker(t, shortConfig(), testRegistry(), reader)
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	require.Len(t, ds.Onsets, 1)
	pick := ds.Onsets[0]
	assert.Equal(t, "near", pick.StationID)
	assert.Equal(t, "bhz", pick.Channel)
	assert.GreaterOrEqual(t, pick.TSMS, start+800*50)
	assert.Less(t, pick.TSMS, start+840*50)
}

func TestLink_RawSeismicReducedToDerivedColumns(t *testing.T) {
	reader := newFakeReader()
	// 50ms waveform across the first two grid minutes: raw samples must never
	// be aligned directly.
	burst := make([]float64, 2400)
	for i := range burst {
		if i%2 == 0 {
			burst[i] = 3
		} else {
			burst[i] = -3
		}
	}
	reader.add(domain.SourceSeismic, "near", "bhz", originMS-3_600_000, 50, burst...)

	l := newLinker(t, shortConfig(), testRegistry(), reader)
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	var channels []string
	for _, c := range ds.Columns {
		channels = append(channels, c.Channel)
		assert.Equal(t, domain.SourceSeismic, c.Source)
	}
	assert.Contains(t, channels, "bhz:rms")
	assert.Contains(t, channels, "bhz:energy")
	assert.Contains(t, channels, "bhz:peak_abs")
	assert.NotContains(t, channels, "bhz")
	assert.Empty(t, ds.Onsets, "constant amplitude never triggers an onset")

	for _, c := range ds.Columns {
		if c.Channel != "bhz:rms" {
			continue
		}
		assert.False(t, c.Points[0].Missing)
		assert.InDelta(t, 3.0, c.Points[0].Value, 1e-9)
		assert.True(t, c.Points[5].Missing, "minutes without waveform stay missing")
	}
}

func TestLink_SlowSeismicAlignsDirectly(t *testing.T) {
	reader := newFakeReader()
	// One-minute seismic aggregates are already grid-resolution.
	reader.add(domain.SourceSeismic, "near", "bhz", originMS-3_600_000, 60_000, fill(121, 1.5)...)

	l := newLinker(t, shortConfig(), testRegistry(), reader)
	ds, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	require.Len(t, ds.Columns, 1)
	assert.Equal(t, "bhz", ds.Columns[0].Channel)
}

func TestLink_Idempotent(t *testing.T) {
	reader := newFakeReader()
	reader.add(domain.SourceGeomag, "near", "h", originMS-3_600_000, 60_000, fill(121, 20500)...)
	reader.add(domain.SourceAEF, "near", "ez", originMS-3_600_000, 60_000, fill(61, 130)...)

	l := newLinker(t, shortConfig(), testRegistry(), reader)
	first, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)
	second, err := l.Link(context.Background(), testEvent())
	require.NoError(t, err)

	// Missing grid points hold NaN, which compares unequal to itself.
	if diff := cmp.Diff(first, second, cmpopts.EquateNaNs()); diff != "" {
		t.Fatalf("repeated link differs (-first +second):\n%s", diff)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := linker.DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.RadiusKM = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.NHours = -1
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.GridStepMS = 0
	assert.Error(t, bad.Validate())
}
