package domain

import (
	"fmt"
	"math"
	"time"
)

// Source identifies the instrument family a record came from.
type Source string

const (
	SourceGeomag  Source = "geomag"
	SourceAEF     Source = "aef"
	SourceSeismic Source = "seismic"
	SourceVLF     Source = "vlf"
)

// Sources lists all valid sources in stable order.
var Sources = []Source{SourceGeomag, SourceAEF, SourceSeismic, SourceVLF}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceGeomag, SourceAEF, SourceSeismic, SourceVLF:
		return true
	}
	return false
}

// MissingReason explains why a record's value is NaN.
type MissingReason string

const (
	MissingSentinel   MissingReason = "sentinel"
	MissingGap        MissingReason = "gap"
	MissingParseError MissingReason = "parse_error"
	MissingUnknown    MissingReason = "unknown"
)

// StationMatch records how a record's coordinates were resolved against the
// station registry.
type StationMatch string

const (
	MatchExact     StationMatch = "exact"
	MatchDowngrade StationMatch = "downgrade"
	MatchUnmatched StationMatch = "unmatched"
)

// QualityFlags carries per-record data-quality state through the pipeline.
// Stages only ever add flags; they never erase what an earlier stage recorded.
type QualityFlags struct {
	IsMissing     bool          `json:"is_missing,omitempty"`
	MissingReason MissingReason `json:"missing_reason,omitempty"`

	IsOutlier     bool    `json:"is_outlier,omitempty"`
	OutlierMethod string  `json:"outlier_method,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`

	IsInterpolated bool   `json:"is_interpolated,omitempty"`
	InterpMethod   string `json:"interp_method,omitempty"`
	GapMS          int64  `json:"gap_ms,omitempty"`

	IsFiltered   bool               `json:"is_filtered,omitempty"`
	FilterType   string             `json:"filter_type,omitempty"`
	FilterParams map[string]float64 `json:"filter_params,omitempty"`

	StationMatch StationMatch `json:"station_match,omitempty"`
}

// CanonicalRecord is one parsed sample. Records are immutable once emitted;
// pipeline stages derive new records with updated flags rather than mutating
// inputs in place.
type CanonicalRecord struct {
	TSMS      int64        `json:"ts_ms"`
	Source    Source       `json:"source"`
	StationID string       `json:"station_id"`
	Channel   string       `json:"channel"`
	Value     float64      `json:"value"` // NaN when missing
	Units     string       `json:"units,omitempty"`
	Lat       *float64     `json:"lat,omitempty"`
	Lon       *float64     `json:"lon,omitempty"`
	Elev      *float64     `json:"elev,omitempty"`
	Flags     QualityFlags `json:"quality_flags"`
}

// Key returns the record's series identity.
func (r CanonicalRecord) Key() SeriesKey {
	return SeriesKey{Source: r.Source, StationID: r.StationID, Channel: r.Channel}
}

// Time returns the record timestamp as UTC time.
func (r CanonicalRecord) Time() time.Time {
	return time.UnixMilli(r.TSMS).UTC()
}

// MarkMissing returns a copy of r with the value cleared to NaN and the
// missing flags set. The invariant is_missing => NaN holds by construction.
func (r CanonicalRecord) MarkMissing(reason MissingReason) CanonicalRecord {
	r.Value = math.NaN()
	r.Flags.IsMissing = true
	r.Flags.MissingReason = reason
	return r
}

// SeriesKey is the unit of independent processing.
type SeriesKey struct {
	Source    Source `json:"source"`
	StationID string `json:"station_id"`
	Channel   string `json:"channel"`
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Source, k.StationID, k.Channel)
}

// GroupBySeries splits records into per-series slices, preserving input order
// within each series.
func GroupBySeries(records []CanonicalRecord) map[SeriesKey][]CanonicalRecord {
	out := make(map[SeriesKey][]CanonicalRecord)
	for _, r := range records {
		k := r.Key()
		out[k] = append(out[k], r)
	}
	return out
}
