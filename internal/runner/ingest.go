package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/store"
)

// IngestRecords runs one batch through the quality pipeline and appends the
// standardized output to the store. Series are processed by a bounded worker
// pool; per-series failures are logged and counted while the batch continues.
func (r *Runner) IngestRecords(ctx context.Context, records []domain.CanonicalRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.ingestGroups(ctx, domain.GroupBySeries(records), false); err != nil {
		return err
	}
	r.ready.Store(true)
	return nil
}

// ingestGroups fans per-series work out to Workers goroutines through a
// queue bounded by QueueSize, so a fast producer blocks instead of buffering
// an entire backlog in memory.
func (r *Runner) ingestGroups(ctx context.Context, groups map[domain.SeriesKey][]domain.CanonicalRecord, markDone bool) error {
	keys := make([]domain.SeriesKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].String() < keys[b].String() })

	workers := r.cfg.Runner.Workers
	if workers < 1 {
		workers = 1
	}
	queue := make(chan domain.SeriesKey, r.cfg.Runner.QueueSize)

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for key := range queue {
				if err := r.ingestSeries(ctx, key, groups[key], markDone); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(queue)
		for _, key := range keys {
			select {
			case queue <- key:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return g.Wait()
}

// ingestSeries cleans and stores one series. Quality failures are absorbed;
// store failures abort the batch.
func (r *Runner) ingestSeries(ctx context.Context, key domain.SeriesKey, series []domain.CanonicalRecord, markDone bool) error {
	r.metrics.RecordsIngested.WithLabelValues(string(key.Source)).Add(float64(len(series)))

	processed, report, err := r.quality.Process(series)
	if err != nil {
		r.logger.Error("quality pipeline failed, skipping series",
			"series", key.String(), "error", err)
		return nil
	}
	r.recordReport(key, report)
	r.metrics.SeriesProcessed.Inc()
	if report.Dropped > 0 {
		r.metrics.RecordsDropped.WithLabelValues(string(key.Source), "parse_error").Add(float64(report.Dropped))
	}
	if report.Sentinels > 0 {
		r.metrics.RecordsDropped.WithLabelValues(string(key.Source), "sentinel").Add(float64(report.Sentinels))
	}
	if report.Deduped > 0 {
		r.metrics.RecordsDropped.WithLabelValues(string(key.Source), "duplicate").Add(float64(report.Deduped))
	}

	if err := r.writePartitions(ctx, processed, markDone); err != nil {
		return fmt.Errorf("store series %s: %w", key.String(), err)
	}
	return nil
}

// writePartitions splits standardized records by store partition and writes
// each. When markDone is set, finished partitions are recorded in the
// manifest under the active parameter hash.
func (r *Runner) writePartitions(ctx context.Context, records []domain.CanonicalRecord, markDone bool) error {
	parts := make(map[store.PartitionKey][]domain.CanonicalRecord)
	for _, rec := range records {
		part := store.PartitionOf(rec)
		parts[part] = append(parts[part], rec)
	}

	keys := make([]store.PartitionKey, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].String() < keys[b].String() })

	for _, part := range keys {
		if markDone {
			done, err := r.store.PartitionDone(part, r.paramsHash)
			if err != nil {
				return err
			}
			if done {
				r.metrics.PartitionsSkipped.Inc()
				r.logger.Debug("partition already done", "partition", part.String())
				continue
			}
		}
		if err := r.store.WritePartition(ctx, part, parts[part]); err != nil {
			return err
		}
		if markDone {
			if err := r.store.MarkPartitionDone(part, r.paramsHash); err != nil {
				return err
			}
		}
	}
	return nil
}

// IngestDir loads every JSON record file under the configured record
// directory, one file per batch, in lexical order. Each file holds an array
// of canonical records. Finished partitions are checkpointed, so a re-run
// under the same parameters skips them.
func (r *Runner) IngestDir(ctx context.Context) error {
	dir := r.cfg.Inputs.RecordDir
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("scan record dir %s: %w", dir, err)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		r.logger.Warn("record directory holds no JSON files", "dir", dir)
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		records, err := readRecordFile(path)
		if err != nil {
			r.logger.Error("skipping unreadable record file", "path", path, "error", err)
			continue
		}
		r.logger.Info("ingesting record file", "path", path, "records", len(records))

		if err := r.ingestGroups(ctx, domain.GroupBySeries(records), r.cfg.Runner.Resume); err != nil {
			return err
		}
	}

	r.ready.Store(true)
	return nil
}

// RunIntake consumes record batches from a source until the context is
// cancelled, with exponential backoff on transient failures.
func (r *Runner) RunIntake(ctx context.Context, src RecordSource) error {
	r.logger.Info("intake started", "batch_size", r.cfg.Kafka.BatchSize)
	r.metrics.EngineRunning.Set(1)
	defer r.metrics.EngineRunning.Set(0)

	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("intake stopping", "reason", ctx.Err())
			return nil
		default:
		}

		records, err := src.ReadBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("read batch failed", "error", err)
			if !sleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}
		if len(records) == 0 {
			continue
		}
		backoff = 200 * time.Millisecond

		if err := r.IngestRecords(ctx, records); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("ingest batch failed", "error", err, "records", len(records))
			if !sleepWithContext(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, maxBackoff)
			continue
		}

		// Offsets advance only after the batch is durably stored.
		if err := src.Commit(ctx); err != nil {
			r.logger.Warn("commit failed", "error", err)
		}
	}
}

func readRecordFile(path string) ([]domain.CanonicalRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []domain.CanonicalRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
