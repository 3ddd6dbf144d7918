// Package score converts feature values into bounded anomaly scores against
// per-station baselines, degrading gracefully when history is thin: primary
// pre-event window, then same-hour-of-day history, then all-time quantiles.
// Every degradation records which method was used and why.
package score

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// Baseline selection methods, in degradation order.
const (
	MethodPrimary        = "primary"
	MethodSameHour       = "same-hour-history"
	MethodGlobalQuantile = "global-quantile"
)

// HistoryAccessor supplies historical feature samples for baseline
// estimation. Implementations read from the standardized store.
type HistoryAccessor interface {
	// Range returns samples within [startMS, endMS].
	Range(ctx context.Context, stationID string, src domain.Source, feature string, startMS, endMS int64) ([]float64, error)
	// SameHour returns all samples whose UTC hour-of-day matches.
	SameHour(ctx context.Context, stationID string, src domain.Source, feature string, hour int) ([]float64, error)
	// All returns every available sample.
	All(ctx context.Context, stationID string, src domain.Source, feature string) ([]float64, error)
}

// Baseline characterizes "normal" for one (station, source, feature).
type Baseline struct {
	Method   string  `json:"method"`
	Samples  int     `json:"samples"`
	Median   float64 `json:"median"`
	MAD      float64 `json:"mad"`
	Mean     float64 `json:"mean"`
	Degraded bool    `json:"degraded"`
	Reason   string  `json:"reason,omitempty"`
}

// Select picks the baseline window for an event-relative feature following
// the degradation chain. eventOriginMS is the catalog origin time; nHours is
// the pre-event half of the analysis window, which the primary baseline must
// stay clear of.
func Select(ctx context.Context, hist HistoryAccessor, stationID string, src domain.Source, feature string, eventOriginMS int64, nHours int, cfg Config) (Baseline, error) {
	startMS := eventOriginMS - int64(nHours+cfg.ExtraHours)*3600_000
	endMS := eventOriginMS - int64(cfg.GapHours)*3600_000

	primary, err := hist.Range(ctx, stationID, src, feature, startMS, endMS)
	if err != nil {
		return Baseline{}, fmt.Errorf("baseline primary window: %w", err)
	}
	primary = finiteOnly(primary)
	if len(primary) >= cfg.MinSamples {
		return describe(primary, MethodPrimary, false, ""), nil
	}
	reason := fmt.Sprintf("primary window has %d samples (< min %d)", len(primary), cfg.MinSamples)

	hour := (eventOriginMS / 3600_000) % 24
	sameHour, err := hist.SameHour(ctx, stationID, src, feature, int(hour))
	if err != nil {
		return Baseline{}, fmt.Errorf("baseline same-hour history: %w", err)
	}
	sameHour = finiteOnly(sameHour)
	if len(sameHour) >= cfg.MinSamples {
		return describe(sameHour, MethodSameHour, true, reason), nil
	}
	reason = fmt.Sprintf("%s; same-hour history has %d samples", reason, len(sameHour))

	all, err := hist.All(ctx, stationID, src, feature)
	if err != nil {
		return Baseline{}, fmt.Errorf("baseline global history: %w", err)
	}
	all = finiteOnly(all)
	if len(all) == 0 {
		// Nothing at all to score against: still never silent. The caller
		// gets an explicitly empty, fully degraded baseline.
		return Baseline{Method: MethodGlobalQuantile, Degraded: true, Reason: reason + "; no history available"}, nil
	}
	return describe(all, MethodGlobalQuantile, true, reason), nil
}

// describe computes robust center/scale over the chosen samples.
func describe(samples []float64, method string, degraded bool, reason string) Baseline {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	dev := make([]float64, len(sorted))
	for i, v := range sorted {
		dev[i] = math.Abs(v - med)
	}
	sort.Float64s(dev)
	mad := stat.Quantile(0.5, stat.Empirical, dev, nil)

	return Baseline{
		Method:   method,
		Samples:  len(samples),
		Median:   med,
		MAD:      mad,
		Mean:     stat.Mean(sorted, nil),
		Degraded: degraded,
		Reason:   reason,
	}
}

func finiteOnly(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}
