package runner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/geosignal-correlator/internal/artifact"
	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/feature"
	"github.com/couchcryptid/geosignal-correlator/internal/linker"
	"github.com/couchcryptid/geosignal-correlator/internal/score"
)

// CorrelateAll processes every catalog event through link, feature
// extraction, scoring, and artifact output, with a bounded worker pool.
// Events already completed under the active parameters are skipped.
func (r *Runner) CorrelateAll(ctx context.Context, events []domain.Event) error {
	r.logger.Info("correlation started",
		"events", len(events),
		"workers", r.cfg.Runner.Workers,
		"params_hash", r.paramsHash,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Runner.Workers)

	for _, ev := range events {
		ev := ev
		if r.cfg.Runner.Resume {
			done, err := r.store.EventDone(ev.EventID, r.paramsHash)
			if err != nil {
				return fmt.Errorf("event %s manifest: %w", ev.EventID, err)
			}
			if done {
				r.metrics.EventsSkipped.Inc()
				r.logger.Debug("event already done", "event_id", ev.EventID)
				continue
			}
		}
		g.Go(func() error {
			if err := r.processEvent(ctx, ev); err != nil {
				r.metrics.EventsLinked.WithLabelValues("error").Inc()
				return fmt.Errorf("event %s: %w", ev.EventID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// processEvent runs one event end to end and checkpoints it.
func (r *Runner) processEvent(ctx context.Context, ev domain.Event) error {
	start := time.Now()

	ds, err := r.linker.Link(ctx, ev)
	if err != nil {
		return err
	}

	features := r.extractFeatures(ds)
	scores, err := r.scoreColumns(ctx, ds, features)
	if err != nil {
		return err
	}

	if err := r.artifacts.WriteEvent(ds, features, scores); err != nil {
		return err
	}
	if err := r.store.MarkEventDone(ev.EventID, r.paramsHash); err != nil {
		return err
	}

	if r.sink != nil && len(scores) > 0 {
		if err := r.sink.PublishScores(ctx, scores); err != nil {
			// Artifacts are already durable; publishing is retried next run.
			r.logger.Warn("score publish failed", "event_id", ev.EventID, "error", err)
		} else {
			r.metrics.ScoresPublished.Add(float64(len(scores)))
		}
	}

	outcome := "linked"
	if len(ds.Columns) == 0 {
		outcome = "empty"
	}
	r.metrics.EventsLinked.WithLabelValues(outcome).Inc()
	r.metrics.LinkedStations.Observe(float64(len(ds.Stations)))
	r.metrics.JoinCoverage.Observe(ds.Summary.JoinCoverage)
	r.metrics.LinkDuration.Observe(time.Since(start).Seconds())
	return nil
}

// extractFeatures computes the feature set for every aligned column, then
// appends one row per waveform onset pick. Onset rows follow the column rows
// so column features stay index-aligned with ds.Columns.
func (r *Runner) extractFeatures(ds *linker.Dataset) []artifact.FeatureRow {
	rows := make([]artifact.FeatureRow, 0, len(ds.Columns)+len(ds.Onsets))
	for _, col := range ds.Columns {
		set := feature.Extract(col.Points, col.Source, ds.Grid.StepMS, r.cfg.Feature)
		rows = append(rows, artifact.FeatureRow{
			StationID:   col.StationID,
			Source:      string(col.Source),
			Channel:     col.Channel,
			Values:      set.Values,
			MissingRate: set.MissingRate,
		})
	}
	for _, o := range ds.Onsets {
		rows = append(rows, artifact.FeatureRow{
			StationID: o.StationID,
			Source:    string(domain.SourceSeismic),
			Channel:   o.Channel,
			Values:    map[string]float64{"sta_lta_onset_ms": float64(o.TSMS)},
		})
	}
	return rows
}

// scoreColumns scores each column's event-window level against its own
// station history, then adds one combined score per (station, source).
// Scalar columns are scored on their window mean; derived seismic columns
// on the mean of the derived scalar, whose history is reduced through the
// same transform.
func (r *Runner) scoreColumns(ctx context.Context, ds *linker.Dataset, features []artifact.FeatureRow) ([]score.AnomalyScore, error) {
	originMS := ds.Event.OriginTime.UTC().UnixMilli()
	retainEndMS := originMS - int64(r.cfg.Score.GapHours)*3600_000

	scores := make([]score.AnomalyScore, 0, len(ds.Columns))
	type stationSource struct {
		station string
		source  domain.Source
	}
	perStation := make(map[stationSource]map[string]float64)

	for i, col := range ds.Columns {
		rawChannel, derived := splitColumnChannel(col.Channel)
		featName := "mean"
		if derived != "" {
			featName = derived
		}
		value, ok := features[i].Values["mean"]
		if !ok {
			// Too sparse to characterize; scored as unavailable below.
			value = math.NaN()
		}

		hist := &historyAccessor{
			reader:        r.reader,
			key:           domain.SeriesKey{Source: col.Source, StationID: col.StationID, Channel: rawChannel},
			derived:       derived,
			waveform:      r.cfg.Waveform,
			retainStartMS: 1, // valid timestamps are strictly positive
			retainEndMS:   retainEndMS,
		}
		baseline, err := score.Select(ctx, hist, col.StationID, col.Source, featName, originMS, r.cfg.Link.NHours, r.cfg.Score)
		if err != nil {
			return nil, err
		}
		if baseline.Degraded {
			r.metrics.BaselinesDegraded.WithLabelValues(baseline.Method).Inc()
		}

		sc := r.cfg.Score.Score(ds.Event.EventID, col.StationID, col.Source, featName, originMS, value, baseline, r.paramsHash)
		if sc.IsAnomaly {
			r.metrics.AnomaliesFlagged.Inc()
		}
		scores = append(scores, sc)

		key := stationSource{col.StationID, col.Source}
		if perStation[key] == nil {
			perStation[key] = make(map[string]float64)
		}
		perStation[key][col.Channel+"/"+featName] = sc.Score
	}

	// One combined verdict per (station, source), deterministic order.
	keys := make([]stationSource, 0, len(perStation))
	for k := range perStation {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].station != keys[b].station {
			return keys[a].station < keys[b].station
		}
		return keys[a].source < keys[b].source
	})
	for _, k := range keys {
		combined, isAnomaly := r.cfg.Score.Combine(perStation[k])
		if math.IsNaN(combined) {
			continue
		}
		sc := score.AnomalyScore{
			EventID:        ds.Event.EventID,
			StationID:      k.station,
			Source:         k.source,
			Feature:        "combined",
			TSMS:           originMS,
			Score:          combined,
			IsAnomaly:      isAnomaly,
			BaselineMethod: "aggregate",
			ParamsHash:     r.paramsHash,
		}
		if sc.IsAnomaly {
			r.metrics.AnomaliesFlagged.Inc()
		}
		scores = append(scores, sc)
	}
	return scores, nil
}
