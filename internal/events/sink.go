// Package events fans committed ledger events out to delivery sinks.
package events

import (
	"context"
	"fmt"
	"log/slog"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/storage"
)

// Sink receives batches of committed events.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver hands events over to the sink. Events are in commit order.
	Deliver(ctx context.Context, events []*domain.Event) error
}

// LogSink writes every event to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, events []*domain.Event) error {
	for _, e := range events {
		attrs := []any{
			"seq", e.Seq,
			"kind", string(e.Kind),
			"actor", e.Actor.Hex(),
		}
		if e.TradeID != nil {
			attrs = append(attrs, "trade_id", *e.TradeID)
		}
		if e.Amount != nil {
			attrs = append(attrs, "asset", e.Asset.Hex(), "amount", e.Amount.String())
		}
		s.logger.InfoContext(ctx, "event", attrs...)
	}
	return nil
}

// StoreSink copies events into an analytics event log.
type StoreSink struct {
	store storage.EventLogStore
}

// NewStoreSink creates a StoreSink writing to store.
func NewStoreSink(store storage.EventLogStore) *StoreSink {
	return &StoreSink{store: store}
}

// Name implements Sink.
func (s *StoreSink) Name() string { return "event_log" }

// Deliver implements Sink.
func (s *StoreSink) Deliver(ctx context.Context, events []*domain.Event) error {
	if err := s.store.InsertBulk(ctx, events); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}
