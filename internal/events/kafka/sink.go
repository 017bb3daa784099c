// Package kafka publishes committed events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/events"
)

// Writer is the subset of *kafka.Writer used by Sink.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterConfig configures the Kafka producer.
type WriterConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	BatchTimeout time.Duration
	RetryBackoff time.Duration
}

// NewWriter builds a producer that waits for all in-sync replicas. Messages
// are partitioned by key so events of one trade stay ordered.
func NewWriter(cfg WriterConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		MaxAttempts:            cfg.MaxAttempts,
		BatchTimeout:           cfg.BatchTimeout,
		WriteBackoffMin:        cfg.RetryBackoff,
		WriteBackoffMax:        cfg.RetryBackoff * 10,
	}, nil
}

// Sink implements events.Sink over a Kafka writer.
type Sink struct {
	writer Writer
	logger *slog.Logger
}

var _ events.Sink = (*Sink)(nil)

// NewSink creates a Sink. logger may be nil.
func NewSink(w Writer, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{writer: w, logger: logger.With("component", "kafka_sink")}
}

// Name implements events.Sink.
func (s *Sink) Name() string { return "kafka" }

// Deliver writes one message per event. The key is the trade id, or the event
// kind for events not tied to a trade. Consumers dedupe on the message id header.
func (s *Sink) Deliver(ctx context.Context, batch []*domain.Event) error {
	if len(batch) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		value, err := json.Marshal(events.NewMessage(e))
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", e.Seq, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(messageKey(e)),
			Value: value,
			Time:  e.At,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(e.ID.String())},
				{Key: "kind", Value: []byte(e.Kind)},
			},
		})
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages: %w", len(msgs), err)
	}

	s.logger.Debug("kafka messages sent", "count", len(msgs), "last_seq", batch[len(batch)-1].Seq)
	return nil
}

// Close closes the underlying writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}

func messageKey(e *domain.Event) string {
	if e.TradeID != nil {
		return strconv.FormatUint(*e.TradeID, 10)
	}
	return string(e.Kind)
}
