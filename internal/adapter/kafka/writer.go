package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/geosignal-correlator/internal/config"
	"github.com/couchcryptid/geosignal-correlator/internal/score"
)

// Writer publishes anomaly scores to the sink topic. It implements
// runner.ScoreSink.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.SinkTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishScores serializes and publishes the scores in a single
// WriteMessages call. Messages are keyed by event so one event's scores stay
// ordered within a partition.
func (w *Writer) PublishScores(ctx context.Context, scores []score.AnomalyScore) error {
	if len(scores) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(scores))
	for i := range scores {
		msg, err := serializeScore(scores[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func serializeScore(s score.AnomalyScore) (kafkago.Message, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize anomaly score: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(s.EventID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte(s.Source)},
			{Key: "is_anomaly", Value: []byte(strconv.FormatBool(s.IsAnomaly))},
		},
	}, nil
}
