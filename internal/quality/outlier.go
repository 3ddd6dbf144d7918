package quality

import (
	"fmt"
	"math"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// Outlier actions. Exactly one applies per run.
const (
	ActionSetNaN = "set_nan"
	ActionClip   = "clip"
	ActionKeep   = "keep"
)

// OutlierConfig controls robust outlier flagging.
type OutlierConfig struct {
	Method    string  `koanf:"method"`    // only robust_z is implemented
	Threshold float64 `koanf:"threshold"` // robust z-score cutoff
	Action    string  `koanf:"action"`    // set_nan, clip, keep
}

// DefaultOutlier returns the standard robust z configuration.
func DefaultOutlier() OutlierConfig {
	return OutlierConfig{Method: "robust_z", Threshold: 6, Action: ActionSetNaN}
}

func (c OutlierConfig) validate() error {
	if c.Method != "" && c.Method != "robust_z" {
		return fmt.Errorf("unknown outlier method %q", c.Method)
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("outlier threshold must be positive, got %v", c.Threshold)
	}
	switch c.Action {
	case ActionSetNaN, ActionClip, ActionKeep:
		return nil
	}
	return fmt.Errorf("unknown outlier action %q", c.Action)
}

// flagOutliers computes a median/MAD robust z-score per point and applies the
// configured action. Records are updated in place; the number of flagged
// points is returned.
func flagOutliers(records []domain.CanonicalRecord, cfg OutlierConfig) int {
	values := make([]float64, len(records))
	for i, r := range records {
		values[i] = r.Value
	}
	finite := finiteValues(values)
	if len(finite) < 3 {
		return 0
	}
	med := median(finite)
	mad := medianAbsDev(finite, med)
	if mad == 0 || math.IsNaN(mad) {
		return 0
	}
	scale := madScale * mad

	flagged := 0
	for i := range records {
		v := records[i].Value
		if math.IsNaN(v) {
			continue
		}
		z := (v - med) / scale
		if math.Abs(z) <= cfg.Threshold {
			continue
		}
		flagged++
		records[i].Flags.IsOutlier = true
		records[i].Flags.OutlierMethod = "robust_z"
		records[i].Flags.Threshold = cfg.Threshold

		switch cfg.Action {
		case ActionSetNaN:
			records[i].Value = math.NaN()
			records[i].Flags.IsMissing = true
			if records[i].Flags.MissingReason == "" {
				records[i].Flags.MissingReason = domain.MissingUnknown
			}
		case ActionClip:
			// Clamp to the threshold boundary on the violated side.
			bound := med + math.Copysign(cfg.Threshold*scale, z)
			records[i].Value = bound
		case ActionKeep:
			// Flag only.
		}
	}
	return flagged
}
