package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/geosignal-correlator/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/geosignal-correlator/internal/adapter/kafka"
	"github.com/couchcryptid/geosignal-correlator/internal/artifact"
	"github.com/couchcryptid/geosignal-correlator/internal/config"
	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/observability"
	"github.com/couchcryptid/geosignal-correlator/internal/runner"
	"github.com/couchcryptid/geosignal-correlator/internal/spatial"
	"github.com/couchcryptid/geosignal-correlator/internal/store"
)

// main only translates run's outcome into an exit code, so every deferred
// cleanup inside run (store close, metrics gauge) completes first.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	metrics := observability.NewMetrics()

	registry, err := domain.LoadRegistry(cfg.Inputs.StationRegistry)
	if err != nil {
		logger.Error("failed to load station registry", "error", err)
		return 1
	}
	events, err := domain.LoadCatalog(cfg.Inputs.EventCatalog)
	if err != nil {
		logger.Error("failed to load event catalog", "error", err)
		return 1
	}
	logger.Info("inputs loaded", "stations", registry.Len(), "events", len(events))

	index := spatial.Build(registry)

	st, err := store.Open(cfg.Store.Dir, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	artifacts, err := artifact.NewWriter(cfg.Artifacts, logger)
	if err != nil {
		logger.Error("failed to create artifact writer", "error", err)
		return 1
	}

	var sink runner.ScoreSink
	var kafkaReader *kafkaadapter.Reader
	var kafkaWriter *kafkaadapter.Writer
	if cfg.Kafka.Enabled {
		kafkaReader = kafkaadapter.NewReader(cfg, logger)
		kafkaWriter = kafkaadapter.NewWriter(cfg, logger)
		sink = kafkaWriter
		logger.Info("kafka enabled",
			"brokers", cfg.Kafka.Brokers,
			"source_topic", cfg.Kafka.SourceTopic,
			"sink_topic", cfg.Kafka.SinkTopic,
		)
	}

	eng, err := runner.New(cfg, st, registry, index, artifacts, sink, metrics, logger)
	if err != nil {
		logger.Error("failed to build runner", "error", err)
		return 1
	}
	logger.Info("runner ready", "params_hash", eng.ParamsHash())

	if err := artifacts.WriteSnapshot("config_snapshot.json", cfg); err != nil {
		logger.Error("failed to write config snapshot", "error", err)
		return 1
	}

	srv := httpadapter.NewServer(cfg.Server.Addr, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	metrics.EngineRunning.Set(1)
	defer metrics.EngineRunning.Set(0)

	// Batch mode: ingest files, correlate all events, write reports, exit.
	// Streaming mode (kafka) ingests until signalled, then correlates
	// whatever accumulated; a second signal aborts correlation.
	exitCode := 0
	if cfg.Inputs.RecordDir != "" {
		if err := eng.IngestDir(ctx); err != nil {
			logger.Error("ingest failed", "error", err)
			exitCode = 1
		}
		if exitCode == 0 && ctx.Err() == nil {
			if err := eng.CorrelateAll(ctx, events); err != nil {
				logger.Error("correlation failed", "error", err)
				exitCode = 1
			}
		}
	} else {
		if err := eng.RunIntake(ctx, kafkaReader); err != nil {
			logger.Error("intake failed", "error", err)
			exitCode = 1
		}
		corrCtx, corrStop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		if err := eng.CorrelateAll(corrCtx, events); err != nil {
			logger.Error("correlation failed", "error", err)
			exitCode = 1
		}
		corrStop()
	}

	if err := artifacts.WriteSnapshot("quality_report.json", eng.QualityReports()); err != nil {
		logger.Error("failed to write quality report", "error", err)
		exitCode = 1
	}

	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if kafkaReader != nil {
		if err := kafkaReader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	if kafkaWriter != nil {
		if err := kafkaWriter.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return exitCode
}
