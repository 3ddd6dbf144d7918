// Package runner orchestrates the engine: record intake through the quality
// pipeline into the standardized store, then per-event linking, feature
// extraction, baseline scoring, and artifact output. Work is checkpointed in
// the store manifest under the active parameter hash, so an interrupted run
// resumes without recomputing finished partitions or events.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/couchcryptid/geosignal-correlator/internal/artifact"
	"github.com/couchcryptid/geosignal-correlator/internal/config"
	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/linker"
	"github.com/couchcryptid/geosignal-correlator/internal/observability"
	"github.com/couchcryptid/geosignal-correlator/internal/quality"
	"github.com/couchcryptid/geosignal-correlator/internal/score"
	"github.com/couchcryptid/geosignal-correlator/internal/spatial"
	"github.com/couchcryptid/geosignal-correlator/internal/store"
)

// RecordSource supplies batches of canonical records. Implemented by the
// Kafka reader and the file intake.
type RecordSource interface {
	ReadBatch(ctx context.Context) ([]domain.CanonicalRecord, error)
	Commit(ctx context.Context) error
	Close() error
}

// ScoreSink publishes anomaly scores downstream. Optional; a nil sink keeps
// scores file-only.
type ScoreSink interface {
	PublishScores(ctx context.Context, scores []score.AnomalyScore) error
}

// Runner wires the stages together and tracks run state.
type Runner struct {
	cfg        *config.Config
	store      *store.Store
	reader     *store.CachedReader
	registry   *domain.Registry
	index      *spatial.Index
	quality    *quality.Pipeline
	linker     *linker.Linker
	artifacts  *artifact.Writer
	sink       ScoreSink
	metrics    *observability.Metrics
	logger     *slog.Logger
	paramsHash string
	runID      string

	ready atomic.Bool

	mu      sync.Mutex
	reports map[string]quality.Report // keyed by series
}

// New builds a Runner. sink may be nil.
func New(cfg *config.Config, st *store.Store, registry *domain.Registry, index *spatial.Index, artifacts *artifact.Writer, sink ScoreSink, metrics *observability.Metrics, logger *slog.Logger) (*Runner, error) {
	qp, err := quality.New(cfg.Quality, registry)
	if err != nil {
		return nil, err
	}

	paramsHash := domain.ParamsHash(cfg.Params())
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	reader := store.NewCachedReader(st, cfg.Store.CacheSize)
	lk, err := linker.New(cfg.Link, index, registry, reader, cfg.Waveform, paramsHash, logger)
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:        cfg,
		store:      st,
		reader:     reader,
		registry:   registry,
		index:      index,
		quality:    qp,
		linker:     lk,
		artifacts:  artifacts,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		paramsHash: paramsHash,
		runID:      runID,
		reports:    make(map[string]quality.Report),
	}, nil
}

// ParamsHash identifies the active processing parameters.
func (r *Runner) ParamsHash() string { return r.paramsHash }

// RunID identifies this process run in logs and snapshots.
func (r *Runner) RunID() string { return r.runID }

// CheckReadiness returns nil once the runner has ingested at least one
// batch, or an error describing why the service is not yet ready.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no records ingested yet")
	}
	return nil
}

// QualityReports returns a copy of the per-series quality reports collected
// so far, for the run's data-quality snapshot.
func (r *Runner) QualityReports() map[string]quality.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]quality.Report, len(r.reports))
	for k, v := range r.reports {
		out[k] = v
	}
	return out
}

func (r *Runner) recordReport(key domain.SeriesKey, rep quality.Report) {
	r.mu.Lock()
	r.reports[key.String()] = rep
	r.mu.Unlock()
}
