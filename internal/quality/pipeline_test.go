package quality_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/quality"
)

func rec(tsMS int64, value float64) domain.CanonicalRecord {
	return domain.CanonicalRecord{
		TSMS:      tsMS,
		Source:    domain.SourceAEF,
		StationID: "st01",
		Channel:   "ez",
		Value:     value,
	}
}

// series builds a 100-second-cadence AEF series from values, starting at t0.
func series(t0 int64, values ...float64) []domain.CanonicalRecord {
	out := make([]domain.CanonicalRecord, len(values))
	for i, v := range values {
		out[i] = rec(t0+int64(i)*100_000, v)
	}
	return out
}

// plainConfig disables denoising so value assertions stay exact.
func plainConfig() quality.Config {
	cfg := quality.DefaultConfig()
	cfg.Denoise = map[domain.Source]quality.DenoiseConfig{}
	return cfg
}

func TestPipeline_LongGapStaysMissing(t *testing.T) {
	cfg := plainConfig()
	cfg.Impute.MaxGapMS = 300_000 // 300s ceiling

	p, err := quality.New(cfg, nil)
	require.NoError(t, err)

	// Sentinels at t=100s..300s leave a 400s span between real samples.
	in := series(1_600_000_000_000, 10, 99999, 99999, 99999, 14)
	out, report, err := p.Process(in)
	require.NoError(t, err)
	require.Len(t, out, 5)

	assert.Equal(t, 3, report.Sentinels)
	assert.Equal(t, 0, report.Imputed)
	assert.Equal(t, int64(400_000), report.LongestGapMS)

	for _, r := range out[1:4] {
		assert.True(t, r.Flags.IsMissing)
		assert.True(t, math.IsNaN(r.Value), "missing points must stay NaN")
		assert.False(t, r.Flags.IsInterpolated)
		assert.Equal(t, int64(400_000), r.Flags.GapMS)
		assert.Equal(t, domain.MissingSentinel, r.Flags.MissingReason)
	}
	assert.InDelta(t, 0.6, report.MissingRate, 1e-9)
}

func TestPipeline_ShortGapImputedLinearly(t *testing.T) {
	cfg := plainConfig()
	cfg.Impute.MaxGapMS = 300_000

	p, err := quality.New(cfg, nil)
	require.NoError(t, err)

	// One sentinel bounded by real samples 200s apart: inside the ceiling.
	in := series(1_600_000_000_000, 10, 99999, 14)
	out, report, err := p.Process(in)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, 1, report.Imputed)
	mid := out[1]
	assert.False(t, mid.Flags.IsMissing)
	assert.True(t, mid.Flags.IsInterpolated)
	assert.Equal(t, "linear", mid.Flags.InterpMethod)
	assert.InDelta(t, 12.0, mid.Value, 1e-9)
	assert.Zero(t, report.MissingRate)
}

func TestPipeline_SortsAndDedupesLastWriteWins(t *testing.T) {
	p, err := quality.New(plainConfig(), nil)
	require.NoError(t, err)

	in := []domain.CanonicalRecord{
		rec(3_000, 30),
		rec(1_000, 10),
		rec(2_000, 20),
		rec(2_000, 25), // duplicate timestamp, later write wins
	}
	out, report, err := p.Process(in)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, 1, report.Deduped)
	assert.Equal(t, []int64{1_000, 2_000, 3_000}, []int64{out[0].TSMS, out[1].TSMS, out[2].TSMS})
	assert.Equal(t, 25.0, out[1].Value)
}

func TestPipeline_DropsMalformedRecords(t *testing.T) {
	p, err := quality.New(plainConfig(), nil)
	require.NoError(t, err)

	bad := rec(0, 5) // non-positive timestamp
	noStation := rec(1_000, 5)
	noStation.StationID = ""
	badSource := rec(2_000, 5)
	badSource.Source = domain.Source("tea-leaves")

	out, report, err := p.Process([]domain.CanonicalRecord{bad, noStation, badSource, rec(3_000, 5)})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, report.Dropped)
}

func TestPipeline_InfinityBecomesParseError(t *testing.T) {
	p, err := quality.New(plainConfig(), nil)
	require.NoError(t, err)

	out, _, err := p.Process([]domain.CanonicalRecord{rec(1_000, math.Inf(1)), rec(2_000, 5)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Flags.IsMissing)
	assert.Equal(t, domain.MissingParseError, out[0].Flags.MissingReason)
}

func TestPipeline_SentinelMagnitude(t *testing.T) {
	cfg := plainConfig()
	cfg.Impute.MaxGapMS = 100_000 // keep the sentinels visible as missing

	p, err := quality.New(cfg, nil)
	require.NoError(t, err)

	// Anything at or beyond |88888| is a sentinel, including odd encodings.
	out, report, err := p.Process(series(1_000, 10, 88888, -99999.9, 12))
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, 2, report.Sentinels)
	assert.True(t, out[1].Flags.IsMissing)
	assert.True(t, out[2].Flags.IsMissing)
}

func TestPipeline_OutlierSetNaNThenImputed(t *testing.T) {
	cfg := plainConfig()
	cfg.Outlier.Threshold = 6

	p, err := quality.New(cfg, nil)
	require.NoError(t, err)

	values := []float64{10, 10.1, 9.9, 10.2, 9.8, 500, 10.1, 9.9, 10, 10.2}
	out, report, err := p.Process(series(1_600_000_000_000, values...))
	require.NoError(t, err)
	require.Len(t, out, len(values))

	assert.Equal(t, 1, report.Outliers)
	spike := out[5]
	assert.True(t, spike.Flags.IsOutlier)
	// set_nan marks it missing, then the surrounding 200s gap is imputable.
	assert.True(t, spike.Flags.IsInterpolated)
	assert.False(t, spike.Flags.IsMissing)
	assert.InDelta(t, 9.95, spike.Value, 1e-9)
}

func TestPipeline_KalmanKeepsMissingAndReducesNoise(t *testing.T) {
	cfg := quality.DefaultConfig()
	p, err := quality.New(cfg, nil)
	require.NoError(t, err)

	in := make([]domain.CanonicalRecord, 0, 200)
	for i := 0; i < 200; i++ {
		v := 20500.0
		if i%2 == 0 {
			v += 3
		} else {
			v -= 3
		}
		if i == 100 {
			v = 99999 // sentinel mid-series
		}
		r := rec(1_600_000_000_000+int64(i)*60_000, v)
		r.Source = domain.SourceGeomag
		r.Channel = "h"
		in = append(in, r)
	}

	out, report, err := p.Process(in)
	require.NoError(t, err)
	require.Len(t, out, 200)

	assert.Equal(t, "kalman", report.FilterType)
	assert.Positive(t, report.StdRatio)
	assert.Less(t, report.StdRatio, 1.0, "smoothing must reduce the alternating noise")

	for i, r := range out {
		if r.Flags.IsMissing {
			assert.True(t, math.IsNaN(r.Value), "record %d: missing but value is %v", i, r.Value)
			assert.False(t, r.Flags.IsFiltered)
		} else if !r.Flags.IsInterpolated {
			assert.True(t, r.Flags.IsFiltered)
			assert.Equal(t, "kalman", r.Flags.FilterType)
		}
	}
}

func TestPipeline_StandardizeUnitsAndStationMatch(t *testing.T) {
	elev := 120.0
	registry := domain.NewRegistry([]domain.Station{
		{StationID: "st01", Lat: 38.0, Lon: 142.0, ElevM: &elev},
	})
	p, err := quality.New(plainConfig(), registry)
	require.NoError(t, err)

	withCoords := rec(1_000, 10)
	lat, lon := 38.0, 142.0
	withCoords.Lat, withCoords.Lon = &lat, &lon
	without := rec(2_000, 11)

	out, report, err := p.Process([]domain.CanonicalRecord{withCoords, without})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.True(t, report.StationMatched)
	assert.Equal(t, "V/m", out[0].Units)
	assert.Equal(t, domain.MatchExact, out[0].Flags.StationMatch)
	assert.Equal(t, domain.MatchDowngrade, out[1].Flags.StationMatch)
	require.NotNil(t, out[1].Lat)
	assert.Equal(t, 38.0, *out[1].Lat)
	require.NotNil(t, out[1].Elev)
	assert.Equal(t, 120.0, *out[1].Elev)
}

func TestPipeline_UnregisteredStationIsUnmatched(t *testing.T) {
	registry := domain.NewRegistry([]domain.Station{{StationID: "other", Lat: 1, Lon: 2}})
	p, err := quality.New(plainConfig(), registry)
	require.NoError(t, err)

	out, report, err := p.Process(series(1_000, 10))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.False(t, report.StationMatched)
	assert.Equal(t, domain.MatchUnmatched, out[0].Flags.StationMatch)
}

func TestPipeline_EmptyInput(t *testing.T) {
	p, err := quality.New(plainConfig(), nil)
	require.NoError(t, err)

	out, report, err := p.Process(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Zero(t, report.RowsIn)
}

func TestConfig_ValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*quality.Config)
	}{
		{"negative sentinel magnitude", func(c *quality.Config) { c.SentinelMagnitude = -1 }},
		{"unknown outlier action", func(c *quality.Config) { c.Outlier.Action = "explode" }},
		{"non-positive outlier threshold", func(c *quality.Config) { c.Outlier.Threshold = 0 }},
		{"unknown impute method", func(c *quality.Config) { c.Impute.Method = "psychic" }},
		{"unknown denoise method", func(c *quality.Config) {
			c.Denoise[domain.SourceGeomag] = quality.DenoiseConfig{Method: "wish"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := quality.DefaultConfig()
			tt.mutate(&cfg)
			_, err := quality.New(cfg, nil)
			assert.Error(t, err)
		})
	}
}
