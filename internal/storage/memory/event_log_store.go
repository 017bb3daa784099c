package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/storage"
)

// EventLogStore is an in-memory implementation of storage.EventLogStore.
type EventLogStore struct {
	mu     sync.RWMutex
	seen   map[uuid.UUID]struct{}
	events []*domain.Event
}

// NewEventLogStore creates a new in-memory event log store.
func NewEventLogStore() *EventLogStore {
	return &EventLogStore{
		seen: make(map[uuid.UUID]struct{}),
	}
}

var _ storage.EventLogStore = (*EventLogStore)(nil)

// InsertBulk adds multiple events. Events already present are skipped.
func (s *EventLogStore) InsertBulk(_ context.Context, events []*domain.Event) error {
	for _, e := range events {
		if e == nil || e.ID == uuid.Nil {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, dup := s.seen[e.ID]; dup {
			continue
		}
		s.seen[e.ID] = struct{}{}
		s.events = append(s.events, e.Clone())
	}
	return nil
}

// GetByTradeID retrieves all events for a trade, ordered by Seq ASC.
func (s *EventLogStore) GetByTradeID(_ context.Context, tradeID uint64) ([]*domain.Event, error) {
	return s.filter(func(e *domain.Event) bool {
		return e.TradeID != nil && *e.TradeID == tradeID
	}), nil
}

// GetByTimeRange retrieves events with At within [start, end] (unix ms, inclusive).
func (s *EventLogStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.Event, error) {
	return s.filter(func(e *domain.Event) bool {
		ms := e.At.UnixMilli()
		return ms >= start && ms <= end
	}), nil
}

func (s *EventLogStore) filter(keep func(e *domain.Event) bool) []*domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Event
	for _, e := range s.events {
		if keep(e) {
			result = append(result, e.Clone())
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Seq < result[j].Seq
	})

	return result
}
