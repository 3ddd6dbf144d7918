// Package artifact persists per-event analysis outputs as a fixed set of
// JSON files under one directory per event. Writes are atomic (temp file
// plus rename) and deterministic: the same dataset always serializes to the
// same bytes, so re-running an event is byte-for-byte idempotent.
package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/couchcryptid/geosignal-correlator/internal/linker"
	"github.com/couchcryptid/geosignal-correlator/internal/score"
)

// File names inside an event directory.
const (
	FileEvent     = "event.json"
	FileStations  = "stations.json"
	FileAligned   = "aligned.json"
	FileFeatures  = "features.json"
	FileAnomalies = "anomalies.json"
	FileSummary   = "summary.json"
)

// FeatureRow is one extracted feature vector for a (station, source,
// channel) column of the aligned table.
type FeatureRow struct {
	StationID   string             `json:"station_id"`
	Source      string             `json:"source"`
	Channel     string             `json:"channel"`
	Values      map[string]float64 `json:"values"`
	MissingRate float64            `json:"missing_rate"`
}

// Writer writes event artifact sets under a root directory.
type Writer struct {
	root   string
	logger *slog.Logger
}

// NewWriter creates the root directory if needed.
func NewWriter(root string, logger *slog.Logger) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root %s: %w", root, err)
	}
	return &Writer{root: root, logger: logger}, nil
}

// EventDir returns the directory holding one event's artifacts.
func (w *Writer) EventDir(eventID string) string {
	return filepath.Join(w.root, eventID)
}

// WriteEvent persists the full artifact set for one linked event. Scores may
// be empty (an event with no usable features still gets its dataset files).
func (w *Writer) WriteEvent(ds *linker.Dataset, features []FeatureRow, scores []score.AnomalyScore) error {
	dir := w.EventDir(ds.Event.EventID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create event dir %s: %w", dir, err)
	}

	// Slices marshal as [] rather than null so consumers see stable shapes.
	if features == nil {
		features = []FeatureRow{}
	}
	if scores == nil {
		scores = []score.AnomalyScore{}
	}
	stations := ds.Stations
	if stations == nil {
		stations = []linker.StationEntry{}
	}
	columns := ds.Columns
	if columns == nil {
		columns = []linker.Column{}
	}

	files := []struct {
		name string
		v    any
	}{
		{FileEvent, ds.Event},
		{FileStations, stations},
		{FileAligned, struct {
			Grid    any `json:"grid"`
			Columns any `json:"columns"`
		}{ds.Grid, columns}},
		{FileFeatures, features},
		{FileAnomalies, scores},
		{FileSummary, ds.Summary},
	}
	for _, f := range files {
		if err := writeJSON(filepath.Join(dir, f.name), f.v); err != nil {
			return fmt.Errorf("event %s: %w", ds.Event.EventID, err)
		}
	}

	w.logger.Info("event artifacts written",
		"event_id", ds.Event.EventID,
		"dir", dir,
		"features", len(features),
		"anomalies", len(scores),
	)
	return nil
}

// WriteSnapshot persists an arbitrary named JSON document at the root, used
// for the run's resolved configuration snapshot and quality reports.
func (w *Writer) WriteSnapshot(name string, v any) error {
	return writeJSON(filepath.Join(w.root, name), v)
}

// writeJSON marshals v with sorted map keys and indentation, then renames a
// temp file into place so readers never observe a partial artifact.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
