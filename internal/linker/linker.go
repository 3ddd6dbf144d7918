// Package linker assembles per-event datasets: it resolves nearby stations,
// cuts the event time window, aligns every standardized series onto the
// event grid, and summarizes coverage. Linking the same event twice under
// the same configuration and data produces identical output.
package linker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/couchcryptid/geosignal-correlator/internal/align"
	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/feature"
	"github.com/couchcryptid/geosignal-correlator/internal/spatial"
)

// Config holds the event-window and alignment parameters.
type Config struct {
	NHours     int     `koanf:"n_hours"`      // window reach before origin time
	MHours     int     `koanf:"m_hours"`      // window reach after origin time
	RadiusKM   float64 `koanf:"radius_km"`    // spatial candidate radius
	GridStepMS int64   `koanf:"grid_step_ms"` // aligned grid step

	Align align.Policy `koanf:"align"`
}

// DefaultConfig returns the standard 72h/24h window, 100 km radius, and a
// one-minute grid.
func DefaultConfig() Config {
	return Config{NHours: 72, MHours: 24, RadiusKM: 100, GridStepMS: 60_000}
}

// Validate reports fatal configuration errors.
func (c Config) Validate() error {
	if c.RadiusKM <= 0 {
		return fmt.Errorf("link radius must be positive, got %v km", c.RadiusKM)
	}
	if c.NHours < 0 || c.MHours < 0 {
		return fmt.Errorf("link window hours must be non-negative: n=%d m=%d", c.NHours, c.MHours)
	}
	if c.GridStepMS <= 0 {
		return fmt.Errorf("grid step must be positive, got %dms", c.GridStepMS)
	}
	return nil
}

// Params returns the hash-relevant parameter snapshot.
func (c Config) Params() map[string]any {
	return map[string]any{
		"n_hours":      c.NHours,
		"m_hours":      c.MHours,
		"radius_km":    c.RadiusKM,
		"grid_step_ms": c.GridStepMS,
		"forward_fill": c.Align.ForwardFill,
	}
}

// SeriesReader is the standardized-store surface the linker needs. Query
// returns every channel of one (source, station) inside the range, ordered
// by channel then timestamp.
type SeriesReader interface {
	Query(ctx context.Context, src domain.Source, stationID string, startMS, endMS int64) ([]domain.CanonicalRecord, error)
}

// StationEntry is one linked station with its distance and registry match.
type StationEntry struct {
	StationID  string  `json:"station_id"`
	DistanceKM float64 `json:"distance_km"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Match      string  `json:"match_info"`
}

// OnsetPick is one STA/LTA trigger crossing found in a raw waveform.
type OnsetPick struct {
	StationID string `json:"station_id"`
	Channel   string `json:"channel"`
	TSMS      int64  `json:"ts_ms"`
}

// Column is one aligned series in the event table.
type Column struct {
	StationID string        `json:"station_id"`
	Source    domain.Source `json:"source"`
	Channel   string        `json:"channel"`
	Points    []align.Point `json:"points"`
}

// Summary describes one linked dataset.
type Summary struct {
	EventID       string         `json:"event_id"`
	Stations      int            `json:"stations"`
	Columns       int            `json:"columns"`
	GridPoints    int            `json:"grid_points"`
	Rows          int            `json:"rows"`
	JoinCoverage  float64        `json:"join_coverage"`
	MissingRate   float64        `json:"missing_rate"`
	Note          string         `json:"note,omitempty"`
	ParamsHash    string         `json:"params_hash"`
	Params        map[string]any `json:"params"`
	WindowStartMS int64          `json:"window_start_ms"`
	WindowEndMS   int64          `json:"window_end_ms"`
}

// Dataset is the linked, aligned, summarized output for one event.
type Dataset struct {
	Event    domain.Event   `json:"event"`
	Grid     align.GridSpec `json:"grid"`
	Stations []StationEntry `json:"stations"`
	Columns  []Column       `json:"columns"`
	Onsets   []OnsetPick    `json:"onsets,omitempty"`
	Summary  Summary        `json:"summary"`
}

// linkState tracks the per-event progression. Transitions are pure functions
// of their inputs, so there is nothing to retry.
type linkState int

const (
	statePending linkState = iota
	stateSpatialResolved
	stateTimeWindowed
	stateAligned
	stateSummarized
	stateDone
)

func (s linkState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateSpatialResolved:
		return "spatial_resolved"
	case stateTimeWindowed:
		return "time_windowed"
	case stateAligned:
		return "aligned"
	case stateSummarized:
		return "summarized"
	case stateDone:
		return "done"
	}
	return "unknown"
}

// Linker links catalog events against the standardized store.
type Linker struct {
	cfg        Config
	index      *spatial.Index
	registry   *domain.Registry
	reader     SeriesReader
	waveform   feature.WaveformConfig
	paramsHash string
	logger     *slog.Logger
}

// New creates a Linker. The spatial index must already be built.
func New(cfg Config, index *spatial.Index, registry *domain.Registry, reader SeriesReader, waveform feature.WaveformConfig, paramsHash string, logger *slog.Logger) (*Linker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("linker config: %w", err)
	}
	return &Linker{
		cfg:        cfg,
		index:      index,
		registry:   registry,
		reader:     reader,
		waveform:   waveform,
		paramsHash: paramsHash,
		logger:     logger,
	}, nil
}

// Link produces the dataset for one event. Zero spatial candidates or zero
// window overlap yield an empty dataset with a diagnostic note, never an
// error; only index/store failures propagate.
func (l *Linker) Link(ctx context.Context, event domain.Event) (*Dataset, error) {
	state := statePending
	advance := func(next linkState) {
		state = next
		l.logger.Debug("link state", "event_id", event.EventID, "state", state.String())
	}

	originMS := event.OriginTime.UTC().UnixMilli()
	grid := align.GridSpec{
		StartMS: originMS - int64(l.cfg.NHours)*3600_000,
		EndMS:   originMS + int64(l.cfg.MHours)*3600_000,
		StepMS:  l.cfg.GridStepMS,
	}
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("event %s window: %w", event.EventID, err)
	}

	ds := &Dataset{
		Event: event,
		Grid:  grid,
		Summary: Summary{
			EventID:       event.EventID,
			GridPoints:    grid.Len(),
			ParamsHash:    l.paramsHash,
			Params:        l.cfg.Params(),
			WindowStartMS: grid.StartMS,
			WindowEndMS:   grid.EndMS,
		},
	}

	hits, err := l.index.QueryRadius(event.Lat, event.Lon, l.cfg.RadiusKM)
	if err != nil {
		return nil, fmt.Errorf("event %s spatial query: %w", event.EventID, err)
	}
	advance(stateSpatialResolved)
	if len(hits) == 0 {
		ds.Summary.Note = fmt.Sprintf("no stations within %.0f km", l.cfg.RadiusKM)
		l.logger.Warn("event has no spatial candidates",
			"event_id", event.EventID, "radius_km", l.cfg.RadiusKM)
		return ds, nil
	}

	for _, h := range hits {
		s := l.registry.At(h.Index)
		ds.Stations = append(ds.Stations, StationEntry{
			StationID:  h.StationID,
			DistanceKM: h.DistanceKM,
			Lat:        s.Lat,
			Lon:        s.Lon,
			Match:      string(domain.MatchExact),
		})
	}
	advance(stateTimeWindowed)

	if err := l.alignStations(ctx, ds); err != nil {
		return nil, err
	}
	advance(stateAligned)

	l.summarize(ds)
	advance(stateSummarized)

	advance(stateDone)
	l.logger.Info("event linked",
		"event_id", event.EventID,
		"stations", len(ds.Stations),
		"columns", len(ds.Columns),
		"join_coverage", ds.Summary.JoinCoverage,
	)
	return ds, nil
}

// alignStations fetches every (source, station, channel) series inside the
// window and aligns it onto the event grid. Raw seismic waveform is reduced
// to window scalars and an STA/LTA onset pick first; it is never aligned
// directly.
func (l *Linker) alignStations(ctx context.Context, ds *Dataset) error {
	grid := ds.Grid
	for i, st := range ds.Stations {
		matchSet := false
		for _, src := range domain.Sources {
			records, err := l.reader.Query(ctx, src, st.StationID, grid.StartMS, grid.EndMS)
			if err != nil {
				return fmt.Errorf("event %s query %s/%s: %w", ds.Event.EventID, src, st.StationID, err)
			}
			if len(records) == 0 {
				continue
			}
			if !matchSet {
				for _, r := range records {
					if m := r.Flags.StationMatch; m != "" {
						ds.Stations[i].Match = string(m)
						matchSet = true
						break
					}
				}
			}

			// Forward fill is only safe for sources whose features never
			// enter a spectral transform.
			policy := l.cfg.Align
			if src != domain.SourceGeomag {
				policy.ForwardFill = false
			}

			for _, series := range splitByChannel(records) {
				ch := series[0].Channel

				if src == domain.SourceSeismic && isRawWaveform(series, grid.StepMS) {
					if onsetMS, ok := feature.StaLtaOnset(series, l.waveform); ok {
						ds.Onsets = append(ds.Onsets, OnsetPick{
							StationID: st.StationID,
							Channel:   ch,
							TSMS:      onsetMS,
						})
					}
					scalars := feature.WindowScalars(series, feature.WaveformConfig{WindowMS: grid.StepMS})
					for _, derived := range splitByChannel(scalars) {
						points, err := align.Align(derived, grid, policy)
						if err != nil {
							return fmt.Errorf("event %s align derived %s: %w", ds.Event.EventID, derived[0].Key(), err)
						}
						ds.Columns = append(ds.Columns, Column{
							StationID: st.StationID,
							Source:    src,
							Channel:   ch + ":" + derived[0].Channel,
							Points:    points,
						})
					}
					continue
				}

				points, err := align.Align(series, grid, policy)
				if err != nil {
					return fmt.Errorf("event %s align %s: %w", ds.Event.EventID, series[0].Key(), err)
				}
				ds.Columns = append(ds.Columns, Column{
					StationID: st.StationID,
					Source:    src,
					Channel:   ch,
					Points:    points,
				})
			}
		}
	}

	sort.Slice(ds.Columns, func(a, b int) bool {
		ca, cb := ds.Columns[a], ds.Columns[b]
		if ca.StationID != cb.StationID {
			return ca.StationID < cb.StationID
		}
		if ca.Source != cb.Source {
			return ca.Source < cb.Source
		}
		return ca.Channel < cb.Channel
	})
	return nil
}

// isRawWaveform detects sub-grid-resolution seismic data by its native step.
func isRawWaveform(records []domain.CanonicalRecord, gridStepMS int64) bool {
	if len(records) < 2 {
		return false
	}
	var deltas []int64
	for i := 1; i < len(records) && len(deltas) < 32; i++ {
		if d := records[i].TSMS - records[i-1].TSMS; d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return false
	}
	sort.Slice(deltas, func(a, b int) bool { return deltas[a] < deltas[b] })
	return deltas[len(deltas)/2] < gridStepMS/10
}

func splitByChannel(records []domain.CanonicalRecord) [][]domain.CanonicalRecord {
	grouped := domain.GroupBySeries(records)
	keys := make([]domain.SeriesKey, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].Channel < keys[b].Channel })
	out := make([][]domain.CanonicalRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, grouped[k])
	}
	return out
}

// summarize computes row counts, join coverage, and the overall missing
// rate.
func (l *Linker) summarize(ds *Dataset) {
	ds.Summary.Stations = len(ds.Stations)
	ds.Summary.Columns = len(ds.Columns)

	if len(ds.Columns) == 0 {
		if ds.Summary.Note == "" {
			ds.Summary.Note = "no series overlap the event window"
		}
		return
	}

	gridLen := ds.Grid.Len()
	sourcesAt := make([]map[domain.Source]bool, gridLen)
	rows := 0
	missing := 0
	total := 0
	for _, col := range ds.Columns {
		for i, p := range col.Points {
			total++
			if p.Missing {
				missing++
				continue
			}
			rows++
			if sourcesAt[i] == nil {
				sourcesAt[i] = make(map[domain.Source]bool, 2)
			}
			sourcesAt[i][col.Source] = true
		}
	}

	multi := 0
	for _, srcs := range sourcesAt {
		if len(srcs) >= 2 {
			multi++
		}
	}
	ds.Summary.Rows = rows
	ds.Summary.JoinCoverage = float64(multi) / float64(gridLen)
	if total > 0 {
		ds.Summary.MissingRate = float64(missing) / float64(total)
	}
}
