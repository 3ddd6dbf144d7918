package feature_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/feature"
)

func waveform(startMS, stepMS int64, values ...float64) []domain.CanonicalRecord {
	out := make([]domain.CanonicalRecord, len(values))
	for i, v := range values {
		out[i] = domain.CanonicalRecord{
			TSMS:      startMS + int64(i)*stepMS,
			Source:    domain.SourceSeismic,
			StationID: "st01",
			Channel:   "bhz",
			Value:     v,
		}
	}
	return out
}

func TestWindowScalars_ReducesPerWindow(t *testing.T) {
	cfg := feature.WaveformConfig{WindowMS: 1_000}

	// Two windows of 50ms data: [0,1000) holds {3,-4}, [1000,2000) holds {5}.
	records := append(waveform(0, 50, 3, -4), waveform(1_000, 50, 5)...)
	out := feature.WindowScalars(records, cfg)
	require.NotEmpty(t, out)

	byKey := map[string]map[int64]float64{}
	for _, r := range out {
		if byKey[r.Channel] == nil {
			byKey[r.Channel] = map[int64]float64{}
		}
		byKey[r.Channel][r.TSMS] = r.Value
		assert.Equal(t, "st01", r.StationID)
		assert.Equal(t, domain.SourceSeismic, r.Source)
	}

	assert.InDelta(t, 25.0, byKey[feature.ChannelEnergy][0], 1e-9)
	assert.InDelta(t, math.Sqrt(12.5), byKey[feature.ChannelRMS][0], 1e-9)
	assert.Equal(t, 4.0, byKey[feature.ChannelPeakAbs][0])
	assert.Equal(t, 25.0, byKey[feature.ChannelEnergy][1_000])
	assert.Equal(t, 5.0, byKey[feature.ChannelPeakAbs][1_000])
}

func TestWindowScalars_SkipsMissingAndEmptyWindows(t *testing.T) {
	cfg := feature.WaveformConfig{WindowMS: 1_000}

	records := waveform(0, 50, 1, 2)
	records = append(records, waveform(5_000, 50, 3)...) // gap of 4 windows
	records[0] = records[0].MarkMissing(domain.MissingSentinel)

	out := feature.WindowScalars(records, cfg)
	starts := map[int64]bool{}
	for _, r := range out {
		starts[r.TSMS] = true
		assert.False(t, r.Flags.IsMissing)
	}
	assert.True(t, starts[0])
	assert.True(t, starts[5_000])
	assert.False(t, starts[1_000], "empty windows produce nothing")
	assert.Len(t, starts, 2)
}

func TestWindowScalars_Empty(t *testing.T) {
	assert.Nil(t, feature.WindowScalars(nil, feature.WaveformConfig{WindowMS: 1_000}))

	all := waveform(0, 50, 1)
	all[0] = all[0].MarkMissing(domain.MissingGap)
	assert.Nil(t, feature.WindowScalars(all, feature.WaveformConfig{WindowMS: 1_000}))
}

func TestStaLtaOnset_DetectsBurst(t *testing.T) {
	cfg := feature.WaveformConfig{STASamples: 5, LTASamples: 50, TriggerOn: 3}

	// Quiet background then a strong burst at sample 200.
	values := make([]float64, 400)
	for i := range values {
		if i%2 == 0 {
			values[i] = 0.1
		} else {
			values[i] = -0.1
		}
		if i >= 200 {
			values[i] *= 50
		}
	}
	records := waveform(0, 50, values...)

	onset, ok := feature.StaLtaOnset(records, cfg)
	require.True(t, ok)
	assert.GreaterOrEqual(t, onset, int64(200*50))
	assert.Less(t, onset, int64(210*50), "trigger fires within a few samples of the burst")
}

func TestStaLtaOnset_QuietSeriesNeverTriggers(t *testing.T) {
	cfg := feature.WaveformConfig{STASamples: 5, LTASamples: 50, TriggerOn: 3}
	values := make([]float64, 300)
	for i := range values {
		values[i] = math.Sin(float64(i)) * 0.1
	}
	_, ok := feature.StaLtaOnset(waveform(0, 50, values...), cfg)
	assert.False(t, ok, "no onset is a valid outcome")
}

func TestStaLtaOnset_RejectsBadConfigAndShortSeries(t *testing.T) {
	records := waveform(0, 50, 1, 2, 3)

	_, ok := feature.StaLtaOnset(records, feature.WaveformConfig{STASamples: 0, LTASamples: 50, TriggerOn: 3})
	assert.False(t, ok)
	_, ok = feature.StaLtaOnset(records, feature.WaveformConfig{STASamples: 50, LTASamples: 5, TriggerOn: 3})
	assert.False(t, ok)
	_, ok = feature.StaLtaOnset(records, feature.WaveformConfig{STASamples: 5, LTASamples: 50, TriggerOn: 3})
	assert.False(t, ok, "series shorter than the LTA warm-up")
}
