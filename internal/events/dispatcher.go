package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trade-escrow/internal/domain"
)

// Observer is notified when a sink fails to take a batch or a batch is dropped
// because the queue is full.
type Observer interface {
	ObserveSinkError(sink string)
	ObserveEventsDropped(count int)
}

// DispatcherConfig configures Dispatcher behavior.
type DispatcherConfig struct {
	// QueueSize is the number of batches buffered ahead of the sinks.
	// Batches published while the queue is full are dropped.
	QueueSize int
	// DeliverTimeout bounds one Deliver call.
	DeliverTimeout time.Duration
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      1024,
		DeliverTimeout: 10 * time.Second,
	}
}

// Dispatcher delivers published batches to every sink from a single goroutine,
// so each sink sees events in commit order. A failing sink is logged and skipped;
// it does not hold back the others.
type Dispatcher struct {
	sinks    []Sink
	config   DispatcherConfig
	logger   *slog.Logger
	observer Observer

	mu     sync.RWMutex
	closed bool
	queue  chan []*domain.Event
	done   chan struct{}
}

// NewDispatcher creates a Dispatcher and starts its delivery goroutine.
// config, logger and observer may be nil.
func NewDispatcher(sinks []Sink, config *DispatcherConfig, logger *slog.Logger, observer Observer) *Dispatcher {
	cfg := DefaultDispatcherConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		sinks:    sinks,
		config:   cfg,
		logger:   logger.With("component", "dispatcher"),
		observer: observer,
		queue:    make(chan []*domain.Event, cfg.QueueSize),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

// Publish queues a copy of events without blocking. Events published while the
// queue is full or after Close are dropped; the ledger's event log still holds them.
func (d *Dispatcher) Publish(_ context.Context, events []*domain.Event) {
	if len(events) == 0 {
		return
	}
	batch := make([]*domain.Event, len(events))
	for i, e := range events {
		batch[i] = e.Clone()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("dispatcher closed, dropping events", "count", len(batch))
		return
	}

	select {
	case d.queue <- batch:
	default:
		d.logger.Warn("dispatcher queue full, dropping events",
			"count", len(batch),
			"first_seq", batch[0].Seq,
		)
		if d.observer != nil {
			d.observer.ObserveEventsDropped(len(batch))
		}
	}
}

// Close stops accepting events and waits until queued batches are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	for batch := range d.queue {
		for _, sink := range d.sinks {
			d.deliver(sink, batch)
		}
	}
}

func (d *Dispatcher) deliver(sink Sink, batch []*domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.DeliverTimeout)
	defer cancel()

	if err := sink.Deliver(ctx, batch); err != nil {
		d.logger.Error("sink delivery failed",
			"sink", sink.Name(),
			"count", len(batch),
			"first_seq", batch[0].Seq,
			"error", err,
		)
		if d.observer != nil {
			d.observer.ObserveSinkError(sink.Name())
		}
	}
}
