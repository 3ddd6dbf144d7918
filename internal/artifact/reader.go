package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/linker"
	"github.com/couchcryptid/geosignal-correlator/internal/score"
)

// EventSet is one event's artifact set read back from disk.
type EventSet struct {
	Dir      string
	Event    domain.Event
	Stations []linker.StationEntry
	Features []FeatureRow
	Scores   []score.AnomalyScore
	Summary  linker.Summary
}

// ReadEvent loads every file of an event artifact directory.
func ReadEvent(dir string) (*EventSet, error) {
	set := &EventSet{Dir: dir}
	for _, f := range []struct {
		name string
		v    any
	}{
		{FileEvent, &set.Event},
		{FileStations, &set.Stations},
		{FileFeatures, &set.Features},
		{FileAnomalies, &set.Scores},
		{FileSummary, &set.Summary},
	} {
		if err := readJSON(filepath.Join(dir, f.name), f.v); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// ListEventDirs returns every event directory under root, in lexical order.
func ListEventDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read artifact root %s: %w", root, err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, FileSummary)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
