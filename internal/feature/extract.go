// Package feature computes scalar features per (event, station, source) from
// aligned event windows: generic window statistics for every source, plus
// source-specific gradient, spectral, and onset features. Every computation
// tolerates a bounded NaN fraction; above it the feature is omitted rather
// than reported as a misleading zero.
package feature

import (
	"math"

	"github.com/couchcryptid/geosignal-correlator/internal/align"
	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// Config holds extraction parameters.
type Config struct {
	// MaxNaNFraction is the highest tolerable share of missing grid points;
	// above it a feature is omitted.
	MaxNaNFraction float64 `koanf:"max_nan_fraction"`

	// Geomag: |Δvalue| above this counts as an abrupt change.
	AbruptChangeThreshold float64 `koanf:"abrupt_change_threshold"`
	// Geomag: points per short-variance window.
	ShortWindow int `koanf:"short_window"`

	// VLF/AEF band power range in Hz.
	BandLowHz  float64 `koanf:"band_low_hz"`
	BandHighHz float64 `koanf:"band_high_hz"`
}

// DefaultConfig returns the standard extraction parameters.
func DefaultConfig() Config {
	return Config{
		MaxNaNFraction:        0.5,
		AbruptChangeThreshold: 5,
		ShortWindow:           10,
		BandLowHz:             0.001,
		BandHighHz:            0.008,
	}
}

// Set is the extraction result for one (station, source, channel) window.
type Set struct {
	Values      map[string]float64 `json:"values"`
	MissingRate float64            `json:"missing_rate"`
}

// Extract computes the feature set for one aligned window. stepMS is the
// grid step, needed to express rates in physical time.
func Extract(points []align.Point, src domain.Source, stepMS int64, cfg Config) Set {
	set := Set{
		Values:      make(map[string]float64),
		MissingRate: align.MissingRate(points),
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	if set.MissingRate > cfg.MaxNaNFraction {
		// Too sparse for any feature; record the rate and nothing else.
		return set
	}

	generic(values, set.Values)
	switch src {
	case domain.SourceGeomag:
		geomag(values, stepMS, cfg, set.Values)
	case domain.SourceSeismic:
		seismic(values, stepMS, set.Values)
	case domain.SourceVLF, domain.SourceAEF:
		spectralBand(values, stepMS, cfg, set.Values)
	}
	return set
}

// generic fills mean, std, min, max, and peak-to-peak over finite samples.
func generic(values []float64, out map[string]float64) {
	finite := finiteOf(values)
	if len(finite) == 0 {
		return
	}
	mn, mx := finite[0], finite[0]
	var sum float64
	for _, v := range finite {
		sum += v
		if v < mn {
			mn = v
		}
		if v > mx {
			mx = v
		}
	}
	m := sum / float64(len(finite))
	var sq float64
	for _, v := range finite {
		d := v - m
		sq += d * d
	}
	out["mean"] = m
	out["std"] = math.Sqrt(sq / float64(len(finite)))
	out["min"] = mn
	out["max"] = mx
	out["peak_to_peak"] = mx - mn
}

// geomag adds first-difference gradient rate, the maximum short-window
// variance, and the count of abrupt changes.
func geomag(values []float64, stepMS int64, cfg Config, out map[string]float64) {
	stepS := float64(stepMS) / 1000

	var absSum float64
	var n, abrupt int
	for i := 1; i < len(values); i++ {
		a, b := values[i-1], values[i]
		if math.IsNaN(a) || math.IsNaN(b) {
			continue
		}
		d := b - a
		absSum += math.Abs(d)
		n++
		if cfg.AbruptChangeThreshold > 0 && math.Abs(d) > cfg.AbruptChangeThreshold {
			abrupt++
		}
	}
	if n > 0 {
		out["gradient_rate"] = absSum / float64(n) / stepS
		out["abrupt_changes"] = float64(abrupt)
	}

	w := cfg.ShortWindow
	if w < 2 {
		w = 10
	}
	maxVar := math.NaN()
	for i := 0; i+w <= len(values); i++ {
		finite := finiteOf(values[i : i+w])
		if len(finite) < 2 {
			continue
		}
		v := varianceOf(finite)
		if math.IsNaN(maxVar) || v > maxVar {
			maxVar = v
		}
	}
	if !math.IsNaN(maxVar) {
		out["short_window_variance"] = maxVar
	}
}

// seismic adds window RMS, energy, and the dominant spectral frequency of
// the derived-scalar series. Onset detection runs on the raw waveform stage
// (see StaLtaOnset), not here.
func seismic(values []float64, stepMS int64, out map[string]float64) {
	finite := finiteOf(values)
	if len(finite) == 0 {
		return
	}
	var energy float64
	for _, v := range finite {
		energy += v * v
	}
	out["energy"] = energy
	out["rms"] = math.Sqrt(energy / float64(len(finite)))

	if f, ok := dominantFrequency(values, stepMS); ok {
		out["dominant_freq_hz"] = f
	}
}

// spectralBand adds band power, spectral peak frequency/amplitude, and the
// drift rate across the window.
func spectralBand(values []float64, stepMS int64, cfg Config, out map[string]float64) {
	if power, ok := bandPower(values, stepMS, cfg.BandLowHz, cfg.BandHighHz); ok {
		out["band_power"] = power
	}
	if f, amp, ok := spectralPeak(values, stepMS); ok {
		out["spectral_peak_hz"] = f
		out["spectral_peak_amp"] = amp
	}

	// Drift rate: least-squares slope per second across the window.
	if slope, ok := slopePerStep(values); ok {
		out["drift_rate"] = slope / (float64(stepMS) / 1000)
	}
}

// slopePerStep fits a least-squares line over finite samples, returning
// units per grid step.
func slopePerStep(values []float64) (float64, bool) {
	var n, sx, sy, sxx, sxy float64
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		x := float64(i)
		n++
		sx += x
		sy += v
		sxx += x * x
		sxy += x * v
	}
	if n < 2 {
		return 0, false
	}
	det := n*sxx - sx*sx
	if det == 0 {
		return 0, false
	}
	return (n*sxy - sx*sy) / det, true
}

func finiteOf(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func varianceOf(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	m := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - m
		sq += d * d
	}
	return sq / float64(len(values))
}
