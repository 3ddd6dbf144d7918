package score

import (
	"fmt"
	"math"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// Aggregation policies for combining per-feature scores.
const (
	AggregateMax      = "max"
	AggregateWeighted = "weighted"
)

// Config holds baseline-selection and scoring parameters.
type Config struct {
	ExtraHours int `koanf:"extra_hours"` // primary window reach beyond the event window
	GapHours   int `koanf:"gap_hours"`   // exclusion gap before the event
	MinSamples int `koanf:"min_samples"` // baseline_min_samples

	Steepness        float64            `koanf:"steepness"`         // logistic squashing constant
	AnomalyThreshold float64            `koanf:"anomaly_threshold"` // on the combined score
	Aggregation      string             `koanf:"aggregation"`       // max or weighted
	Weights          map[string]float64 `koanf:"weights"`           // per-feature, for weighted
}

// DefaultConfig returns the standard scoring configuration. The numeric
// defaults are tunable operating points, not calibrated contracts.
func DefaultConfig() Config {
	return Config{
		ExtraHours:       168,
		GapHours:         6,
		MinSamples:       500,
		Steepness:        2,
		AnomalyThreshold: 0.9,
		Aggregation:      AggregateMax,
	}
}

// Validate reports fatal configuration errors.
func (c Config) Validate() error {
	if c.MinSamples <= 0 {
		return fmt.Errorf("baseline min_samples must be positive, got %d", c.MinSamples)
	}
	if c.GapHours < 0 || c.ExtraHours <= 0 {
		return fmt.Errorf("baseline hours invalid: extra=%d gap=%d", c.ExtraHours, c.GapHours)
	}
	if c.Steepness <= 0 {
		return fmt.Errorf("scoring steepness must be positive, got %v", c.Steepness)
	}
	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold >= 1 {
		return fmt.Errorf("anomaly threshold must be in (0,1), got %v", c.AnomalyThreshold)
	}
	switch c.Aggregation {
	case AggregateMax:
	case AggregateWeighted:
		var sum float64
		for _, w := range c.Weights {
			if w < 0 {
				return fmt.Errorf("negative feature weight %v", w)
			}
			sum += w
		}
		if sum <= 0 {
			return fmt.Errorf("weighted aggregation requires weights summing above zero")
		}
	default:
		return fmt.Errorf("unknown aggregation policy %q", c.Aggregation)
	}
	return nil
}

// Params returns the hash-relevant parameter snapshot.
func (c Config) Params() map[string]any {
	return map[string]any{
		"baseline_extra_hours": c.ExtraHours,
		"baseline_gap_hours":   c.GapHours,
		"baseline_min_samples": c.MinSamples,
		"score_steepness":      c.Steepness,
		"anomaly_threshold":    c.AnomalyThreshold,
		"aggregation":          c.Aggregation,
		"weights":              c.Weights,
	}
}

// AnomalyScore is one scored feature value. Z is nil when no baseline was
// available or the deviation is unbounded (constant baseline); Score is
// always a finite value in [0,1].
type AnomalyScore struct {
	EventID        string        `json:"event_id"`
	StationID      string        `json:"station_id"`
	Source         domain.Source `json:"source"`
	Feature        string        `json:"feature_name"`
	TSMS           int64         `json:"ts_ms"`
	Z              *float64      `json:"z,omitempty"`
	Score          float64       `json:"score"`
	IsAnomaly      bool          `json:"is_anomaly"`
	BaselineMethod string        `json:"baseline_method"`
	Degraded       bool          `json:"degraded,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	ParamsHash     string        `json:"params_hash"`
}

// madToSigma converts MAD into a standard-deviation-equivalent scale.
const madToSigma = 1.4826

// Score converts one feature value into a bounded anomaly score against a
// baseline. A value equal to the baseline center scores exactly 0.5; the
// anomaly decision is two-sided around the center. Deterministic given
// identical inputs and config.
func (c Config) Score(eventID, stationID string, src domain.Source, feature string, tsMS int64, value float64, b Baseline, paramsHash string) AnomalyScore {
	out := AnomalyScore{
		EventID:        eventID,
		StationID:      stationID,
		Source:         src,
		Feature:        feature,
		TSMS:           tsMS,
		BaselineMethod: b.Method,
		Degraded:       b.Degraded,
		Reason:         b.Reason,
		ParamsHash:     paramsHash,
	}
	switch {
	case math.IsNaN(value):
		// Unscorable, never silent: a neutral score with the reason spelled
		// out, which can never cross the anomaly threshold.
		out.Score = 0.5
		out.Degraded = true
		out.Reason = joinReason(out.Reason, "feature value unavailable")
		return out
	case b.Samples == 0:
		out.Score = 0.5
		out.Degraded = true
		out.Reason = joinReason(out.Reason, "no baseline samples")
		return out
	}

	z := math.NaN()
	scale := madToSigma * b.MAD
	if scale == 0 {
		// Constant baseline: any deviation is maximal, no deviation is none.
		switch {
		case value == b.Median:
			z = 0
		case value > b.Median:
			z = math.Inf(1)
		default:
			z = math.Inf(-1)
		}
	} else {
		z = (value - b.Median) / scale
	}
	if !math.IsInf(z, 0) {
		out.Z = &z
	}

	out.Score = c.squash(z)
	out.IsAnomaly = out.Score >= c.AnomalyThreshold || out.Score <= 1-c.AnomalyThreshold
	return out
}

func joinReason(existing, added string) string {
	if existing == "" {
		return added
	}
	return existing + "; " + added
}

// squash maps a z-score into [0,1] with a logistic centered at z=0.
func (c Config) squash(z float64) float64 {
	switch {
	case math.IsInf(z, 1):
		return 1
	case math.IsInf(z, -1):
		return 0
	}
	return 1 / (1 + math.Exp(-z/c.Steepness))
}

// Combine aggregates per-feature scores into one event-station score using
// the configured policy, and applies the anomaly threshold two-sided.
// Returns NaN and false when no finite scores are available.
func (c Config) Combine(scores map[string]float64) (float64, bool) {
	combined := math.NaN()

	switch c.Aggregation {
	case AggregateWeighted:
		var sum, wsum float64
		for name, s := range scores {
			if math.IsNaN(s) {
				continue
			}
			w, ok := c.Weights[name]
			if !ok {
				w = 1
			}
			sum += w * s
			wsum += w
		}
		if wsum > 0 {
			combined = sum / wsum
		}
	default: // max deviation from 0.5 keeps two-sided anomalies visible
		bestDev := -1.0
		for _, s := range scores {
			if math.IsNaN(s) {
				continue
			}
			if dev := math.Abs(s - 0.5); dev > bestDev {
				bestDev = dev
				combined = s
			}
		}
	}

	if math.IsNaN(combined) {
		return combined, false
	}
	return combined, combined >= c.AnomalyThreshold || combined <= 1-c.AnomalyThreshold
}
