package quality

import (
	"fmt"
	"math"
	"sort"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// DenoiseConfig selects and parameterizes the per-source denoise strategy.
// Method names form a closed set; selection is a table lookup, not open-ended
// polymorphism.
type DenoiseConfig struct {
	Method string `koanf:"method"` // kalman, hampel, rolling_median, bandpass, none

	// Kalman auto-parameter scales (geomag).
	KalmanQScale float64 `koanf:"kalman_q_scale"`
	KalmanRScale float64 `koanf:"kalman_r_scale"`

	// Robust / median smoothing window in samples (aef, vlf).
	Window  int     `koanf:"window"`
	NSigmas float64 `koanf:"n_sigmas"`

	// Band-pass corner frequencies in Hz (seismic).
	LowHz     float64 `koanf:"low_hz"`
	HighHz    float64 `koanf:"high_hz"`
	TaperFrac float64 `koanf:"taper_frac"`
}

// DefaultDenoise returns the per-source strategy table from the original
// processing chain: Kalman for geomag, Hampel for atmospheric-electric,
// rolling median for VLF, demean/detrend/taper + band-pass for seismic.
func DefaultDenoise() map[domain.Source]DenoiseConfig {
	return map[domain.Source]DenoiseConfig{
		domain.SourceGeomag:  {Method: "kalman", KalmanQScale: 1e-5, KalmanRScale: 1e-2},
		domain.SourceAEF:     {Method: "hampel", Window: 11, NSigmas: 3},
		domain.SourceVLF:     {Method: "rolling_median", Window: 5},
		domain.SourceSeismic: {Method: "bandpass", LowHz: 0.1, HighHz: 5, TaperFrac: 0.05},
	}
}

// denoiseFunc is a pure transform: it never alters timestamps, only values,
// and leaves NaN samples NaN.
type denoiseFunc func(values []float64, sampleRateHz float64, cfg DenoiseConfig) ([]float64, map[string]float64, error)

var denoiseTable = map[string]denoiseFunc{
	"kalman":         denoiseKalman,
	"hampel":         denoiseHampel,
	"rolling_median": denoiseRollingMedian,
	"bandpass":       denoiseBandpass,
	"none":           denoiseNone,
}

func lookupDenoise(method string) (denoiseFunc, error) {
	if method == "" {
		return denoiseNone, nil
	}
	fn, ok := denoiseTable[method]
	if !ok {
		return nil, fmt.Errorf("unknown denoise method %q", method)
	}
	return fn, nil
}

func denoiseNone(values []float64, _ float64, _ DenoiseConfig) ([]float64, map[string]float64, error) {
	out := append([]float64(nil), values...)
	return out, nil, nil
}

// denoiseKalman runs a 1-D Kalman filter with auto-tuned process and
// measurement noise derived from the series variance. NaN samples do not
// update the state and stay NaN in the output.
func denoiseKalman(values []float64, _ float64, cfg DenoiseConfig) ([]float64, map[string]float64, error) {
	qScale := cfg.KalmanQScale
	rScale := cfg.KalmanRScale
	if qScale <= 0 {
		qScale = 1e-5
	}
	if rScale <= 0 {
		rScale = 1e-2
	}
	q, r := kalmanAutoParams(values, qScale, rScale)
	params := map[string]float64{"q": q, "r": r}

	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}

	first := -1
	for i, v := range values {
		if !math.IsNaN(v) {
			first = i
			break
		}
	}
	if first < 0 {
		return out, params, nil
	}

	p := 1.0
	xHat := values[first]
	out[first] = xHat
	for i := first + 1; i < len(values); i++ {
		p += q
		z := values[i]
		if math.IsNaN(z) {
			continue // no measurement: keep the prior, leave the sample NaN
		}
		k := p / (p + r)
		xHat += k * (z - xHat)
		p = (1 - k) * p
		out[i] = xHat
	}
	return out, params, nil
}

// kalmanAutoParams scales process/measurement noise off the finite-sample
// variance, with a floor so constant series do not degenerate.
func kalmanAutoParams(values []float64, qScale, rScale float64) (q, r float64) {
	finite := finiteValues(values)
	if len(finite) < 2 {
		return 1e-6, 1e-2
	}
	v := variance(finite)
	if v < 1e-12 {
		v = 1e-12
	}
	return v * qScale, v * rScale
}

// denoiseHampel replaces points that deviate from their windowed median by
// more than nSigmas robust standard deviations with that median.
func denoiseHampel(values []float64, _ float64, cfg DenoiseConfig) ([]float64, map[string]float64, error) {
	window := cfg.Window
	if window < 3 {
		window = 11
	}
	if window%2 == 0 {
		window++
	}
	nSigmas := cfg.NSigmas
	if nSigmas <= 0 {
		nSigmas = 3
	}
	params := map[string]float64{"window": float64(window), "n_sigmas": nSigmas}

	half := window / 2
	out := append([]float64(nil), values...)
	buf := make([]float64, 0, window)
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		buf = buf[:0]
		for j := max(0, i-half); j <= min(len(values)-1, i+half); j++ {
			if !math.IsNaN(values[j]) {
				buf = append(buf, values[j])
			}
		}
		if len(buf) < 3 {
			continue
		}
		med := median(buf)
		mad := medianAbsDev(buf, med)
		if mad == 0 {
			continue
		}
		if math.Abs(v-med) > nSigmas*madScale*mad {
			out[i] = med
		}
	}
	return out, params, nil
}

// denoiseRollingMedian applies a centered rolling median.
func denoiseRollingMedian(values []float64, _ float64, cfg DenoiseConfig) ([]float64, map[string]float64, error) {
	window := cfg.Window
	if window < 3 {
		window = 5
	}
	if window%2 == 0 {
		window++
	}
	params := map[string]float64{"window": float64(window)}

	half := window / 2
	out := append([]float64(nil), values...)
	buf := make([]float64, 0, window)
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		buf = buf[:0]
		for j := max(0, i-half); j <= min(len(values)-1, i+half); j++ {
			if !math.IsNaN(values[j]) {
				buf = append(buf, values[j])
			}
		}
		if len(buf) == 0 {
			continue
		}
		out[i] = median(buf)
	}
	return out, params, nil
}

// denoiseBandpass runs the seismic conditioning chain: demean, linear
// detrend, cosine taper, then a second-order band-pass biquad. NaN samples
// break the filter state and are re-seeded after each gap.
func denoiseBandpass(values []float64, sampleRateHz float64, cfg DenoiseConfig) ([]float64, map[string]float64, error) {
	if sampleRateHz <= 0 {
		return nil, nil, fmt.Errorf("bandpass requires a positive sample rate, got %v", sampleRateHz)
	}
	low, high := cfg.LowHz, cfg.HighHz
	if low <= 0 || high <= low {
		return nil, nil, fmt.Errorf("bandpass corners invalid: low=%v high=%v", low, high)
	}
	nyquist := sampleRateHz / 2
	if high >= nyquist {
		high = nyquist * 0.95
	}
	taperFrac := cfg.TaperFrac
	if taperFrac <= 0 {
		taperFrac = 0.05
	}
	params := map[string]float64{"low_hz": low, "high_hz": high, "taper_frac": taperFrac, "sample_rate_hz": sampleRateHz}

	out := append([]float64(nil), values...)
	demean(out)
	detrendLinear(out)
	cosineTaper(out, taperFrac)

	b0, b1, b2, a1, a2 := bandpassCoeffs(low, high, sampleRateHz)
	var x1, x2, y1, y2 float64
	inGap := true
	for i, x := range out {
		if math.IsNaN(x) {
			inGap = true
			continue
		}
		if inGap {
			x1, x2, y1, y2 = 0, 0, 0, 0
			inGap = false
		}
		y := b0*x + b1*x1 + b2*x2 - a1*y1 - a2*y2
		x2, x1 = x1, x
		y2, y1 = y1, y
		out[i] = y
	}
	return out, params, nil
}

// bandpassCoeffs computes normalized second-order band-pass coefficients
// (constant 0 dB peak gain) for the corner pair, centered geometrically.
func bandpassCoeffs(lowHz, highHz, fs float64) (b0, b1, b2, a1, a2 float64) {
	f0 := math.Sqrt(lowHz * highHz)
	q := f0 / (highHz - lowHz)
	w0 := 2 * math.Pi * f0 / fs
	alpha := math.Sin(w0) / (2 * q)

	a0 := 1 + alpha
	b0 = alpha / a0
	b1 = 0
	b2 = -alpha / a0
	a1 = -2 * math.Cos(w0) / a0
	a2 = (1 - alpha) / a0
	return
}

func demean(values []float64) {
	finite := finiteValues(values)
	if len(finite) == 0 {
		return
	}
	m := mean(finite)
	for i, v := range values {
		if !math.IsNaN(v) {
			values[i] = v - m
		}
	}
}

// detrendLinear removes the least-squares line fitted over finite samples,
// with sample index as the abscissa.
func detrendLinear(values []float64) {
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
		return
	}
	det := n*sxx - sx*sx
	if det == 0 {
		return
	}
	slope := (n*sxy - sx*sy) / det
	intercept := (sy - slope*sx) / n
	for i, v := range values {
		if !math.IsNaN(v) {
			values[i] = v - (intercept + slope*float64(i))
		}
	}
}

// cosineTaper applies a raised-cosine ramp over the first and last frac of
// the series.
func cosineTaper(values []float64, frac float64) {
	n := len(values)
	edge := int(float64(n) * frac)
	if edge < 1 {
		return
	}
	for i := 0; i < edge; i++ {
		w := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(edge)))
		if !math.IsNaN(values[i]) {
			values[i] *= w
		}
		j := n - 1 - i
		if !math.IsNaN(values[j]) {
			values[j] *= w
		}
	}
}

// ---- small statistics helpers shared within the package ----

// madScale converts a median absolute deviation into an estimate of the
// standard deviation under normality.
const madScale = 1.4826

func finiteValues(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var s float64
	for _, v := range values {
		s += v
	}
	return s / float64(len(values))
}

func variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var s float64
	for _, v := range values {
		d := v - m
		s += d * d
	}
	return s / float64(len(values))
}

// median returns the middle value; it sorts a copy.
func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	c := append([]float64(nil), values...)
	sort.Float64s(c)
	mid := len(c) / 2
	if len(c)%2 == 1 {
		return c[mid]
	}
	return (c[mid-1] + c[mid]) / 2
}

func medianAbsDev(values []float64, med float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return median(dev)
}
