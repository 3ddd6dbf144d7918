package runner

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/feature"
	"github.com/couchcryptid/geosignal-correlator/internal/store"
)

// historyAccessor serves baseline samples for one series from the
// standardized store. Samples are the per-step standardized values; for
// derived seismic pseudo-channels the raw waveform is reduced through the
// same window-scalar transform the linker applies, so baselines and scored
// values share one definition.
type historyAccessor struct {
	reader   *store.CachedReader
	key      domain.SeriesKey // raw stored series
	derived  string           // pseudo-channel name, empty for direct series
	waveform feature.WaveformConfig

	// Retention bounds the same-hour and global fallbacks. The end stays
	// clear of the event so post-event data never leaks into baselines.
	retainStartMS int64
	retainEndMS   int64
}

// splitColumnChannel separates a linked column channel into the stored
// channel and the derived pseudo-channel, if any. Derived columns are named
// "<raw>:<scalar>", e.g. "bhz:rms".
func splitColumnChannel(channel string) (raw, derived string) {
	if i := strings.IndexByte(channel, ':'); i >= 0 {
		return channel[:i], channel[i+1:]
	}
	return channel, ""
}

type sample struct {
	tsMS int64
	v    float64
}

func (h *historyAccessor) samples(ctx context.Context, startMS, endMS int64) ([]sample, error) {
	records, err := h.reader.QuerySeries(ctx, h.key, startMS, endMS)
	if err != nil {
		return nil, err
	}
	if h.derived != "" {
		records = derivedOnly(feature.WindowScalars(records, h.waveform), h.derived)
	}
	out := make([]sample, 0, len(records))
	for _, r := range records {
		if r.Flags.IsMissing || math.IsNaN(r.Value) {
			continue
		}
		out = append(out, sample{tsMS: r.TSMS, v: r.Value})
	}
	return out, nil
}

func derivedOnly(records []domain.CanonicalRecord, channel string) []domain.CanonicalRecord {
	out := records[:0]
	for _, r := range records {
		if r.Channel == channel {
			out = append(out, r)
		}
	}
	return out
}

func values(samples []sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.v
	}
	return out
}

// Range returns samples within [startMS, endMS].
func (h *historyAccessor) Range(ctx context.Context, _ string, _ domain.Source, _ string, startMS, endMS int64) ([]float64, error) {
	s, err := h.samples(ctx, startMS, endMS)
	if err != nil {
		return nil, err
	}
	return values(s), nil
}

// SameHour returns every retained sample whose UTC hour-of-day matches.
func (h *historyAccessor) SameHour(ctx context.Context, _ string, _ domain.Source, _ string, hour int) ([]float64, error) {
	s, err := h.samples(ctx, h.retainStartMS, h.retainEndMS)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(s)/24+1)
	for _, smp := range s {
		if time.UnixMilli(smp.tsMS).UTC().Hour() == hour {
			out = append(out, smp.v)
		}
	}
	return out, nil
}

// All returns every retained sample.
func (h *historyAccessor) All(ctx context.Context, _ string, _ domain.Source, _ string) ([]float64, error) {
	s, err := h.samples(ctx, h.retainStartMS, h.retainEndMS)
	if err != nil {
		return nil, err
	}
	return values(s), nil
}
