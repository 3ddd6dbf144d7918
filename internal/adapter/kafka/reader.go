// Package kafka adapts the engine's record intake and score publishing to
// Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/geosignal-correlator/internal/config"
	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// Reader consumes canonical records from the source topic in batches. It
// implements runner.RecordSource.
type Reader struct {
	reader    *kafkago.Reader
	batchSize int
	pending   []kafkago.Message
	logger    *slog.Logger
}

// NewReader creates a consumer-group reader for the configured source topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.SourceTopic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return &Reader{reader: r, batchSize: cfg.Kafka.BatchSize, logger: logger}
}

// ReadBatch fetches up to the configured batch size of records. Once at
// least one record arrived, a short fetch deadline flushes partial batches.
// Malformed messages are logged and skipped, never fatal. Offsets are held
// until Commit.
func (r *Reader) ReadBatch(ctx context.Context) ([]domain.CanonicalRecord, error) {
	records := make([]domain.CanonicalRecord, 0, r.batchSize)
	for len(records) < r.batchSize {
		fetchCtx := ctx
		var cancel context.CancelFunc
		if len(records) > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, 500*time.Millisecond)
		}
		msg, err := r.reader.FetchMessage(fetchCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if len(records) > 0 && errors.Is(err, context.DeadlineExceeded) {
				break
			}
			if errors.Is(err, context.Canceled) {
				return records, err
			}
			return records, fmt.Errorf("fetch message: %w", err)
		}
		r.pending = append(r.pending, msg)

		var rec domain.CanonicalRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			r.logger.Warn("skipping malformed record message",
				"offset", msg.Offset, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Commit acknowledges every fetched offset. Call only after the batch is
// durably stored, so a crash between fetch and store replays the batch.
func (r *Reader) Commit(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	if err := r.reader.CommitMessages(ctx, r.pending...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	r.pending = r.pending[:0]
	return nil
}

func (r *Reader) Close() error {
	return r.reader.Close()
}
