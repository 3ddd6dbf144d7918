package domain

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// Station is a fixed observation site from the read-only registry.
type Station struct {
	StationID string   `json:"station_id"`
	Source    Source   `json:"source,omitempty"`
	Lat       float64  `json:"lat"`
	Lon       float64  `json:"lon"`
	ElevM     *float64 `json:"elev_m,omitempty"`
}

// Registry is a flat, read-only station table. The spatial index and the
// event linker reference stations by integer index into the registry rather
// than holding their own copies.
type Registry struct {
	stations []Station
	byID     map[string]int
}

// NewRegistry builds a registry from a station list. Duplicate station IDs
// keep the first occurrence.
func NewRegistry(stations []Station) *Registry {
	r := &Registry{
		stations: make([]Station, 0, len(stations)),
		byID:     make(map[string]int, len(stations)),
	}
	for _, s := range stations {
		if _, dup := r.byID[s.StationID]; dup {
			continue
		}
		r.byID[s.StationID] = len(r.stations)
		r.stations = append(r.stations, s)
	}
	return r
}

// LoadRegistry reads a station registry from a JSON file containing an array
// of Station objects.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read station registry: %w", err)
	}
	var stations []Station
	if err := json.Unmarshal(data, &stations); err != nil {
		return nil, fmt.Errorf("parse station registry: %w", err)
	}
	return NewRegistry(stations), nil
}

// Len returns the number of registered stations.
func (r *Registry) Len() int { return len(r.stations) }

// At returns the station at index i.
func (r *Registry) At(i int) Station { return r.stations[i] }

// Lookup returns the index of a station by ID.
func (r *Registry) Lookup(stationID string) (int, bool) {
	i, ok := r.byID[stationID]
	return i, ok
}

// All returns the underlying station slice. Callers must not modify it.
func (r *Registry) All() []Station { return r.stations }

// Event is one catalog earthquake.
type Event struct {
	EventID    string    `json:"event_id"`
	OriginTime time.Time `json:"origin_time_utc"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	DepthKM    *float64  `json:"depth_km,omitempty"`
	Mag        *float64  `json:"mag,omitempty"`
}

// LoadCatalog reads an event catalog from a JSON file containing an array of
// Event objects, ordered by the producer.
func LoadCatalog(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, e := range events {
		if e.EventID == "" {
			return nil, fmt.Errorf("catalog entry %d has no event_id", i)
		}
	}
	return events, nil
}
