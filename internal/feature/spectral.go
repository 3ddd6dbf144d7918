package feature

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// magnitudeSpectrum returns the FFT magnitude per bin and the bin width in
// Hz. Spectral features never run on interpolated data, so remaining NaNs
// are replaced by the window mean (zero after implicit demeaning), which
// contributes no spurious spectral content. The DC bin is excluded from all
// peak searches.
func magnitudeSpectrum(values []float64, stepMS int64) ([]float64, float64, bool) {
	n := len(values)
	if n < 4 || stepMS <= 0 {
		return nil, 0, false
	}
	finite := finiteOf(values)
	if len(finite) < 4 {
		return nil, 0, false
	}
	var sum float64
	for _, v := range finite {
		sum += v
	}
	m := sum / float64(len(finite))

	seq := make([]float64, n)
	for i, v := range values {
		if math.IsNaN(v) {
			seq[i] = 0
		} else {
			seq[i] = v - m
		}
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, seq)
	mags := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mags[i] = cmplx.Abs(c)
	}

	sampleRateHz := 1000 / float64(stepMS)
	binHz := sampleRateHz / float64(n)
	return mags, binHz, true
}

// dominantFrequency returns the frequency of the largest non-DC magnitude
// bin.
func dominantFrequency(values []float64, stepMS int64) (float64, bool) {
	mags, binHz, ok := magnitudeSpectrum(values, stepMS)
	if !ok || len(mags) < 2 {
		return 0, false
	}
	best := 1
	for i := 2; i < len(mags); i++ {
		if mags[i] > mags[best] {
			best = i
		}
	}
	return float64(best) * binHz, true
}

// spectralPeak returns the frequency and amplitude of the largest non-DC
// bin.
func spectralPeak(values []float64, stepMS int64) (freqHz, amp float64, ok bool) {
	mags, binHz, ok := magnitudeSpectrum(values, stepMS)
	if !ok || len(mags) < 2 {
		return 0, 0, false
	}
	best := 1
	for i := 2; i < len(mags); i++ {
		if mags[i] > mags[best] {
			best = i
		}
	}
	return float64(best) * binHz, mags[best], true
}

// bandPower sums squared magnitudes over [lowHz, highHz].
func bandPower(values []float64, stepMS int64, lowHz, highHz float64) (float64, bool) {
	if highHz <= lowHz {
		return 0, false
	}
	mags, binHz, ok := magnitudeSpectrum(values, stepMS)
	if !ok {
		return 0, false
	}
	var power float64
	counted := 0
	for i := 1; i < len(mags); i++ {
		f := float64(i) * binHz
		if f < lowHz || f > highHz {
			continue
		}
		power += mags[i] * mags[i]
		counted++
	}
	if counted == 0 {
		return 0, false
	}
	return power, true
}
