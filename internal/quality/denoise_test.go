package quality

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenoiseKalman_NaNStaysNaN(t *testing.T) {
	values := []float64{10, 10.2, math.NaN(), 9.9, 10.1}
	out, params, err := denoiseKalman(values, 0, DenoiseConfig{})
	require.NoError(t, err)
	require.Len(t, out, 5)

	assert.True(t, math.IsNaN(out[2]))
	assert.False(t, math.IsNaN(out[3]), "filter must resume after a gap")
	assert.Positive(t, params["q"])
	assert.Positive(t, params["r"])
	assert.Equal(t, values[0], out[0], "state seeds from the first finite sample")
}

func TestDenoiseKalman_AllNaN(t *testing.T) {
	values := []float64{math.NaN(), math.NaN()}
	out, _, err := denoiseKalman(values, 0, DenoiseConfig{})
	require.NoError(t, err)
	for _, v := range out {
		assert.True(t, math.IsNaN(v))
	}
}

func TestKalmanAutoParams_ScalesWithVariance(t *testing.T) {
	quiet := []float64{10, 10.01, 9.99, 10}
	loud := []float64{10, 30, -10, 50}

	qQuiet, rQuiet := kalmanAutoParams(quiet, 1e-5, 1e-2)
	qLoud, rLoud := kalmanAutoParams(loud, 1e-5, 1e-2)

	assert.Less(t, qQuiet, qLoud)
	assert.Less(t, rQuiet, rLoud)
	assert.InDelta(t, 1e3, rLoud/qLoud, 1e-6, "r/q ratio is fixed by the scales")
}

func TestDenoiseHampel_ReplacesSpikeOnly(t *testing.T) {
	values := []float64{10, 10.1, 9.9, 10, 500, 10.2, 9.8, 10, 10.1}
	out, _, err := denoiseHampel(values, 0, DenoiseConfig{Window: 5, NSigmas: 3})
	require.NoError(t, err)

	assert.NotEqual(t, 500.0, out[4], "spike replaced by window median")
	assert.InDelta(t, 10.0, out[4], 0.3)
	for i := range values {
		if i == 4 {
			continue
		}
		assert.Equal(t, values[i], out[i], "index %d untouched", i)
	}
}

func TestDenoiseRollingMedian_SkipsNaN(t *testing.T) {
	values := []float64{5, math.NaN(), 7, 6, 100}
	out, _, err := denoiseRollingMedian(values, 0, DenoiseConfig{Window: 3})
	require.NoError(t, err)

	assert.True(t, math.IsNaN(out[1]))
	assert.Equal(t, 6.5, out[2], "median of {7,6}; the NaN neighbor is excluded")
}

func TestDenoiseBandpass_RejectsBadInputs(t *testing.T) {
	_, _, err := denoiseBandpass([]float64{1, 2, 3}, 0, DenoiseConfig{LowHz: 0.1, HighHz: 5})
	assert.Error(t, err, "sample rate required")

	_, _, err = denoiseBandpass([]float64{1, 2, 3}, 20, DenoiseConfig{LowHz: 5, HighHz: 0.1})
	assert.Error(t, err, "inverted corners")
}

func TestDenoiseBandpass_RemovesDCOffset(t *testing.T) {
	// 1000 samples at 20 Hz: large DC offset plus a small 1 Hz tone.
	n := 1000
	values := make([]float64, n)
	for i := range values {
		values[i] = 5000 + math.Sin(2*math.Pi*float64(i)/20)
	}
	out, params, err := denoiseBandpass(values, 20, DenoiseConfig{LowHz: 0.1, HighHz: 5, TaperFrac: 0.05})
	require.NoError(t, err)
	require.Len(t, out, n)
	assert.Equal(t, 20.0, params["sample_rate_hz"])

	// The steady-state output must sit near zero mean with the tone retained.
	var sum float64
	for _, v := range out[100 : n-100] {
		sum += v
	}
	assert.InDelta(t, 0, sum/float64(n-200), 0.1)

	var peak float64
	for _, v := range out[100 : n-100] {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	assert.Greater(t, peak, 0.3, "1 Hz tone passes the 0.1-5 Hz band")
}

func TestMedianHelpers(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{1, 2, 3, 4}))
	assert.True(t, math.IsNaN(median(nil)))

	med := median([]float64{1, 2, 3, 4, 100})
	assert.Equal(t, 3.0, med)
	assert.Equal(t, 1.0, medianAbsDev([]float64{1, 2, 3, 4, 100}, med))
}
