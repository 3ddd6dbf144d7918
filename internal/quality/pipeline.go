// Package quality turns raw canonical record series into cleaned,
// standardized series: sentinel removal and deduplication, per-source
// denoising, robust outlier flagging, short-gap imputation, and unit/
// coordinate standardization, in that fixed order.
package quality

import (
	"fmt"
	"math"
	"sort"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// ProcVersion stamps standardized output for reproducibility tracking.
const ProcVersion = "0.3.0"

// Config holds all quality-stage parameters for a run.
type Config struct {
	// Exact sentinel values on top of the magnitude rule.
	Sentinels []float64 `koanf:"sentinels"`
	// Values with |v| >= this magnitude are sentinels (IAGA2002 convention).
	SentinelMagnitude float64 `koanf:"sentinel_magnitude"`

	Denoise map[domain.Source]DenoiseConfig `koanf:"denoise"`
	Outlier OutlierConfig                   `koanf:"outlier"`
	Impute  ImputeConfig                    `koanf:"impute"`
}

// DefaultConfig returns the standard quality configuration.
func DefaultConfig() Config {
	return Config{
		Sentinels:         []float64{99999, 88888},
		SentinelMagnitude: 88888,
		Denoise:           DefaultDenoise(),
		Outlier:           DefaultOutlier(),
		Impute:            DefaultImpute(),
	}
}

// Validate reports configuration errors. These are fatal: a run must not
// start with an invalid quality configuration.
func (c Config) Validate() error {
	if err := c.Outlier.validate(); err != nil {
		return err
	}
	if err := c.Impute.validate(); err != nil {
		return err
	}
	for src, d := range c.Denoise {
		if !src.Valid() {
			return fmt.Errorf("denoise config for unknown source %q", src)
		}
		if _, err := lookupDenoise(d.Method); err != nil {
			return err
		}
	}
	return nil
}

// Params returns the hash-relevant parameter snapshot of the configuration.
func (c Config) Params() map[string]any {
	p := map[string]any{
		"proc_version":       ProcVersion,
		"sentinels":          c.Sentinels,
		"sentinel_magnitude": c.SentinelMagnitude,
		"outlier_method":     c.Outlier.Method,
		"outlier_threshold":  c.Outlier.Threshold,
		"outlier_action":     c.Outlier.Action,
		"impute_method":      c.Impute.Method,
		"impute_max_gap_ms":  c.Impute.MaxGapMS,
	}
	for src, d := range c.Denoise {
		p["denoise_"+string(src)] = fmt.Sprintf("%s/%v/%v/%v/%v", d.Method, d.KalmanQScale, d.Window, d.LowHz, d.HighHz)
	}
	return p
}

// Report summarizes what the pipeline did to one series. Per-record failures
// surface here, never as errors.
type Report struct {
	Key            domain.SeriesKey `json:"key"`
	RowsIn         int              `json:"rows_in"`
	RowsOut        int              `json:"rows_out"`
	Dropped        int              `json:"dropped"`
	Deduped        int              `json:"deduped"`
	Sentinels      int              `json:"sentinels"`
	Outliers       int              `json:"outliers"`
	Imputed        int              `json:"imputed"`
	MissingRate    float64          `json:"missing_rate"`
	LongestGapMS   int64            `json:"longest_gap_ms"`
	FilterType     string           `json:"filter_type,omitempty"`
	RawStd         float64          `json:"raw_std,omitempty"`
	FilteredStd    float64          `json:"filtered_std,omitempty"`
	StdRatio       float64          `json:"std_ratio,omitempty"`
	SampleRateHz   float64          `json:"sample_rate_hz,omitempty"`
	StationMatched bool             `json:"station_matched"`
}

// Pipeline applies the quality stages to one series at a time. It is
// stateless apart from configuration, so one instance is safe for concurrent
// use across series.
type Pipeline struct {
	cfg      Config
	registry *domain.Registry // optional, for coordinate standardization
}

// New creates a Pipeline. Pass a nil registry to skip coordinate matching.
func New(cfg Config, registry *domain.Registry) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("quality config: %w", err)
	}
	return &Pipeline{cfg: cfg, registry: registry}, nil
}

// Process cleans and standardizes one series. The input records must all
// share one SeriesKey; out-of-order and duplicate timestamps are tolerated.
// An empty result is a valid zero-row output, not an error.
func (p *Pipeline) Process(series []domain.CanonicalRecord) ([]domain.CanonicalRecord, Report, error) {
	report := Report{RowsIn: len(series)}
	if len(series) == 0 {
		return nil, report, nil
	}
	report.Key = series[0].Key()

	// Stage 1: drop malformed points, mark sentinels, sort, dedupe.
	records := p.sanitize(series, &report)
	if len(records) == 0 {
		return nil, report, nil
	}

	// Stage 2: per-source denoise.
	if err := p.denoise(records, &report); err != nil {
		return nil, report, err
	}

	// Stage 3: robust outlier flagging.
	report.Outliers = flagOutliers(records, p.cfg.Outlier)

	// Stage 4: short-gap imputation.
	report.Imputed = imputeGaps(records, p.cfg.Impute)

	// Stage 5: unit and coordinate standardization.
	p.standardize(records, &report)

	missing := 0
	for _, r := range records {
		if r.Flags.IsMissing {
			missing++
		}
		if r.Flags.GapMS > report.LongestGapMS {
			report.LongestGapMS = r.Flags.GapMS
		}
	}
	report.RowsOut = len(records)
	report.MissingRate = float64(missing) / float64(len(records))
	return records, report, nil
}

// sanitize drops malformed points, converts sentinels to NaN, sorts by
// timestamp, and collapses duplicate timestamps last-write-wins.
func (p *Pipeline) sanitize(series []domain.CanonicalRecord, report *Report) []domain.CanonicalRecord {
	records := make([]domain.CanonicalRecord, 0, len(series))
	for _, r := range series {
		if r.TSMS <= 0 || r.StationID == "" || !r.Source.Valid() {
			report.Dropped++
			continue
		}
		if math.IsInf(r.Value, 0) {
			r = r.MarkMissing(domain.MissingParseError)
			report.Dropped++
		}
		if p.isSentinel(r.Value) {
			r = r.MarkMissing(domain.MissingSentinel)
			report.Sentinels++
		} else if math.IsNaN(r.Value) && !r.Flags.IsMissing {
			r = r.MarkMissing(domain.MissingUnknown)
		}
		records = append(records, r)
	}
	if len(records) == 0 {
		return nil
	}

	sort.SliceStable(records, func(a, b int) bool { return records[a].TSMS < records[b].TSMS })

	// Last-write-wins dedupe on equal timestamps.
	out := records[:0]
	for _, r := range records {
		if n := len(out); n > 0 && out[n-1].TSMS == r.TSMS {
			out[n-1] = r
			report.Deduped++
			continue
		}
		out = append(out, r)
	}
	return out
}

func (p *Pipeline) isSentinel(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	if p.cfg.SentinelMagnitude > 0 && math.Abs(v) >= p.cfg.SentinelMagnitude {
		return true
	}
	for _, s := range p.cfg.Sentinels {
		if v == s {
			return true
		}
	}
	return false
}

// denoise dispatches to the source strategy and writes filtered values back,
// stamping filter flags on every record the strategy touched.
func (p *Pipeline) denoise(records []domain.CanonicalRecord, report *Report) error {
	src := records[0].Source
	cfg, ok := p.cfg.Denoise[src]
	if !ok || cfg.Method == "" || cfg.Method == "none" {
		return nil
	}
	fn, err := lookupDenoise(cfg.Method)
	if err != nil {
		return err
	}

	values := make([]float64, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	report.RawStd = math.Sqrt(variance(finiteValues(values)))
	report.SampleRateHz = estimateSampleRateHz(records)

	filtered, params, err := fn(values, report.SampleRateHz, cfg)
	if err != nil {
		return fmt.Errorf("denoise %s (%s): %w", records[0].Key(), cfg.Method, err)
	}

	for i := range records {
		if records[i].Flags.IsMissing {
			continue // missing points stay NaN through every filter
		}
		records[i].Value = filtered[i]
		records[i].Flags.IsFiltered = true
		records[i].Flags.FilterType = cfg.Method
		records[i].Flags.FilterParams = params
	}

	report.FilterType = cfg.Method
	report.FilteredStd = math.Sqrt(variance(finiteValues(filtered)))
	if report.RawStd > 0 {
		report.StdRatio = report.FilteredStd / report.RawStd
	}
	return nil
}

// estimateSampleRateHz derives the native rate from the median timestamp
// delta.
func estimateSampleRateHz(records []domain.CanonicalRecord) float64 {
	if len(records) < 2 {
		return 0
	}
	deltas := make([]float64, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		d := records[i].TSMS - records[i-1].TSMS
		if d > 0 {
			deltas = append(deltas, float64(d))
		}
	}
	if len(deltas) == 0 {
		return 0
	}
	return 1000 / median(deltas)
}

// defaultUnits maps a source to its standardized unit label. Seismic stays
// in raw counts because response removal is out of scope, and the label
// must say so.
var defaultUnits = map[domain.Source]string{
	domain.SourceGeomag:  "nT",
	domain.SourceAEF:     "V/m",
	domain.SourceSeismic: "counts",
	domain.SourceVLF:     "unknown",
}

// standardize normalizes unit labels and resolves coordinates against the
// registry: exact when the record and registry agree, downgrade when the
// record lacked coordinates and the registry supplied them, unmatched when
// the station is not registered.
func (p *Pipeline) standardize(records []domain.CanonicalRecord, report *Report) {
	var regStation *domain.Station
	if p.registry != nil {
		if i, ok := p.registry.Lookup(records[0].StationID); ok {
			s := p.registry.At(i)
			regStation = &s
			report.StationMatched = true
		}
	}

	for i := range records {
		if records[i].Units == "" {
			records[i].Units = defaultUnits[records[i].Source]
		}
		switch {
		case regStation == nil:
			if records[i].Flags.StationMatch == "" {
				records[i].Flags.StationMatch = domain.MatchUnmatched
			}
		case records[i].Lat != nil && records[i].Lon != nil:
			records[i].Flags.StationMatch = domain.MatchExact
		default:
			lat, lon := regStation.Lat, regStation.Lon
			records[i].Lat = &lat
			records[i].Lon = &lon
			if regStation.ElevM != nil {
				elev := *regStation.ElevM
				records[i].Elev = &elev
			}
			records[i].Flags.StationMatch = domain.MatchDowngrade
		}
	}
}
