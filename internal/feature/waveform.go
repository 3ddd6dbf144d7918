package feature

import (
	"math"
	"sort"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// Derived pseudo-channels produced from raw seismic waveform windows. The
// raw waveform itself is never time-aligned; only these scalars are.
const (
	ChannelRMS      = "rms"
	ChannelEnergy   = "energy"
	ChannelPeakAbs  = "peak_abs"
	ChannelPeakFreq = "peak_freq"
)

// WaveformConfig controls waveform-to-scalar reduction and onset detection.
type WaveformConfig struct {
	// WindowMS is the analysis window per derived scalar.
	WindowMS int64 `koanf:"window_ms"`

	// STA/LTA onset trigger parameters, in samples of the raw waveform.
	STASamples int     `koanf:"sta_samples"`
	LTASamples int     `koanf:"lta_samples"`
	TriggerOn  float64 `koanf:"trigger_on"`
}

// DefaultWaveform returns one-minute windows with a 1s/30s STA/LTA at 20 Hz
// nominal sampling.
func DefaultWaveform() WaveformConfig {
	return WaveformConfig{WindowMS: 60_000, STASamples: 20, LTASamples: 600, TriggerOn: 3}
}

// WindowScalars reduces a raw high-rate waveform series to per-window scalar
// records on window-aligned timestamps: rms, energy, peak_abs, and the
// dominant FFT frequency per window. Windows with no samples produce
// nothing rather than zero-filled rows.
func WindowScalars(records []domain.CanonicalRecord, cfg WaveformConfig) []domain.CanonicalRecord {
	if len(records) == 0 || cfg.WindowMS <= 0 {
		return nil
	}

	type window struct {
		values []float64
		stepMS int64
	}
	windows := make(map[int64]*window)
	prevTS := int64(-1)
	for _, r := range records {
		if r.Flags.IsMissing || math.IsNaN(r.Value) {
			continue
		}
		start := (r.TSMS / cfg.WindowMS) * cfg.WindowMS
		w := windows[start]
		if w == nil {
			w = &window{}
			windows[start] = w
		}
		w.values = append(w.values, r.Value)
		if prevTS >= 0 && r.TSMS > prevTS && w.stepMS == 0 {
			w.stepMS = r.TSMS - prevTS
		}
		prevTS = r.TSMS
	}
	if len(windows) == 0 {
		return nil
	}

	starts := make([]int64, 0, len(windows))
	for ts := range windows {
		starts = append(starts, ts)
	}
	sort.Slice(starts, func(a, b int) bool { return starts[a] < starts[b] })

	template := records[0]
	out := make([]domain.CanonicalRecord, 0, len(starts)*4)
	emit := func(tsMS int64, channel string, value float64) {
		rec := template
		rec.TSMS = tsMS
		rec.Channel = channel
		rec.Value = value
		rec.Flags = domain.QualityFlags{StationMatch: template.Flags.StationMatch}
		out = append(out, rec)
	}

	for _, ts := range starts {
		w := windows[ts]
		var energy, peakAbs float64
		for _, v := range w.values {
			energy += v * v
			if a := math.Abs(v); a > peakAbs {
				peakAbs = a
			}
		}
		rms := math.Sqrt(energy / float64(len(w.values)))
		emit(ts, ChannelRMS, rms)
		emit(ts, ChannelEnergy, energy)
		emit(ts, ChannelPeakAbs, peakAbs)
		if w.stepMS > 0 {
			if f, ok := dominantFrequency(w.values, w.stepMS); ok {
				emit(ts, ChannelPeakFreq, f)
			}
		}
	}
	return out
}

// StaLtaOnset runs a short-term-average / long-term-average amplitude
// trigger over a raw waveform and returns the timestamp of the first ratio
// crossing after LTA warm-up. A series whose ratio never crosses reports no
// onset, which is a valid outcome rather than an error.
func StaLtaOnset(records []domain.CanonicalRecord, cfg WaveformConfig) (int64, bool) {
	sta := cfg.STASamples
	lta := cfg.LTASamples
	if sta <= 0 || lta <= sta || cfg.TriggerOn <= 0 {
		return 0, false
	}

	abs := make([]float64, 0, len(records))
	ts := make([]int64, 0, len(records))
	for _, r := range records {
		if r.Flags.IsMissing || math.IsNaN(r.Value) {
			continue
		}
		abs = append(abs, math.Abs(r.Value))
		ts = append(ts, r.TSMS)
	}
	if len(abs) <= lta {
		return 0, false
	}

	var staSum, ltaSum float64
	for i := 0; i < lta; i++ {
		ltaSum += abs[i]
	}
	for i := lta - sta; i < lta; i++ {
		staSum += abs[i]
	}

	for i := lta; i < len(abs); i++ {
		staSum += abs[i] - abs[i-sta]
		ltaSum += abs[i] - abs[i-lta]
		ltaMean := ltaSum / float64(lta)
		if ltaMean <= 0 {
			continue
		}
		ratio := (staSum / float64(sta)) / ltaMean
		if ratio >= cfg.TriggerOn {
			return ts[i], true
		}
	}
	return 0, false
}
