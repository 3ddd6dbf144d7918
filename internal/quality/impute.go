package quality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/interp"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// ImputeConfig controls short-gap interpolation.
type ImputeConfig struct {
	Method       string `koanf:"method"`          // linear or spline
	MaxGapMS     int64  `koanf:"max_gap_ms"`      // gaps longer than this stay NaN
	MinNeighbors int    `koanf:"min_neighbors"`   // finite points required for spline fitting
}

// DefaultImpute returns linear interpolation with a 5-minute gap ceiling.
func DefaultImpute() ImputeConfig {
	return ImputeConfig{Method: "linear", MaxGapMS: 5 * 60 * 1000, MinNeighbors: 4}
}

func (c ImputeConfig) validate() error {
	switch c.Method {
	case "", "linear", "spline":
	default:
		return fmt.Errorf("unknown impute method %q", c.Method)
	}
	if c.MaxGapMS < 0 {
		return fmt.Errorf("impute max_gap_ms must be non-negative, got %d", c.MaxGapMS)
	}
	return nil
}

// imputeGaps fills NaN runs whose duration is within the configured maximum.
// Duration is measured between the surrounding real samples, so it reflects
// wall-clock gap length rather than point count. Runs that are too long, or
// that touch either end of the series, keep their NaNs and record gap_ms.
// Returns the number of points filled.
func imputeGaps(records []domain.CanonicalRecord, cfg ImputeConfig) int {
	if len(records) == 0 || cfg.MaxGapMS == 0 {
		return 0
	}
	method := cfg.Method
	if method == "" {
		method = "linear"
	}

	var predict func(tsMS int64) (float64, bool)
	switch method {
	case "spline":
		predict = splinePredictor(records, cfg.MinNeighbors)
	default:
		predict = nil // linear handled per-gap from its bracketing samples
	}

	filled := 0
	i := 0
	for i < len(records) {
		if !records[i].Flags.IsMissing {
			i++
			continue
		}
		// [i, j) is a NaN run.
		j := i
		for j < len(records) && records[j].Flags.IsMissing {
			j++
		}

		prev := i - 1
		next := j
		if prev < 0 || next >= len(records) {
			// Edge gaps have no bracketing samples and are never filled.
			markGap(records[i:j], edgeGapMS(records, i, j))
			i = j
			continue
		}

		gapMS := records[next].TSMS - records[prev].TSMS
		if gapMS > cfg.MaxGapMS {
			markGap(records[i:j], gapMS)
			i = j
			continue
		}

		for k := i; k < j; k++ {
			var v float64
			ok := true
			if predict != nil {
				v, ok = predict(records[k].TSMS)
			}
			if predict == nil || !ok {
				v = lerp(records[prev], records[next], records[k].TSMS)
			}
			records[k].Value = v
			records[k].Flags.IsMissing = false
			records[k].Flags.IsInterpolated = true
			records[k].Flags.InterpMethod = method
			filled++
		}
		i = j
	}
	return filled
}

// markGap stamps an unfilled NaN run with its duration.
func markGap(run []domain.CanonicalRecord, gapMS int64) {
	for k := range run {
		run[k].Flags.GapMS = gapMS
		if run[k].Flags.MissingReason == "" {
			run[k].Flags.MissingReason = domain.MissingGap
		}
	}
}

// edgeGapMS estimates the duration of a run that touches a series boundary.
func edgeGapMS(records []domain.CanonicalRecord, i, j int) int64 {
	if j-1 > i {
		return records[j-1].TSMS - records[i].TSMS
	}
	return 0
}

func lerp(a, b domain.CanonicalRecord, tsMS int64) float64 {
	if b.TSMS == a.TSMS {
		return a.Value
	}
	frac := float64(tsMS-a.TSMS) / float64(b.TSMS-a.TSMS)
	return a.Value + frac*(b.Value-a.Value)
}

// splinePredictor fits a natural cubic spline over the finite samples and
// returns an evaluator valid inside the fitted range. With too few finite
// points it reports not-ok so the caller falls back to linear.
func splinePredictor(records []domain.CanonicalRecord, minNeighbors int) func(int64) (float64, bool) {
	if minNeighbors < 4 {
		minNeighbors = 4
	}
	xs := make([]float64, 0, len(records))
	ys := make([]float64, 0, len(records))
	for _, r := range records {
		if !math.IsNaN(r.Value) {
			xs = append(xs, float64(r.TSMS))
			ys = append(ys, r.Value)
		}
	}
	if len(xs) < minNeighbors {
		return func(int64) (float64, bool) { return 0, false }
	}
	var spline interp.NaturalCubic
	if err := spline.Fit(xs, ys); err != nil {
		return func(int64) (float64, bool) { return 0, false }
	}
	lo, hi := xs[0], xs[len(xs)-1]
	return func(tsMS int64) (float64, bool) {
		x := float64(tsMS)
		if x < lo || x > hi {
			return 0, false
		}
		return spline.Predict(x), true
	}
}
