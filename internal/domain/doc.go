// Package domain models the canonical geophysical time-series records shared
// by every stage of the correlation engine.
//
// # Record stream
//
// Upstream format parsers (IAGA2002, MiniSEED, StationXML, CDF) emit
// CanonicalRecord values, one sample per row, onto the source stream. The
// engine never sees raw files; it consumes already-parsed records and is
// authoritative for sentinel removal, outlier flagging, and imputation.
//
// # Series identity and ordering
//
// A series is identified by its SeriesKey (source, station_id, channel).
// Within a series, records are processed in ascending ts_ms order; after
// deduplication timestamps are strictly increasing. Across series no ordering
// is required, which is what makes per-series work safe to fan out.
//
// # Sentinel values
//
// IAGA2002-style data uses large reserved magnitudes as "no data" markers:
// 99999 means missing, 88888 means not observed. Any |value| >= 88888 is
// treated as a sentinel, plus whatever exact values the configuration adds.
// Sentinels become NaN with missing_reason=sentinel; a true zero reading is
// never a sentinel.
//
// # Quality flags
//
// QualityFlags travel with every record and are the only mechanism by which
// a stage may change data: is_missing=true implies the value is NaN, and
// is_interpolated=true implies the original value was NaN and the gap was
// within the configured maximum. A grid value without a real sample and
// without an interpolation flag is fabricated signal and is a bug.
//
// # Identity hashing
//
// Processing parameters are hashed (ParamsHash) over a canonical JSON
// encoding so that re-runs with identical configuration are recognized as
// idempotent and checkpointed units can be skipped safely.
package domain
