package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/events"
)

var actor = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

func makeEvents(from, to uint64) []*domain.Event {
	var out []*domain.Event
	for seq := from; seq <= to; seq++ {
		e := domain.NewEvent(domain.EventTradeCreated, actor, time.UnixMilli(1_700_000_000_000)).WithTrade(seq)
		e.Seq = seq
		out = append(out, e)
	}
	return out
}

// sliceBacklog serves a fixed ledger and records the cursors it was asked for.
type sliceBacklog struct {
	events []*domain.Event

	mu    sync.Mutex
	calls []uint64
}

func (b *sliceBacklog) append(events ...*domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, events...)
}

func (b *sliceBacklog) load(_ context.Context, after uint64, limit int) ([]*domain.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, after)

	var out []*domain.Event
	for _, e := range b.events {
		if e.Seq > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type countingObserver struct {
	n atomic.Int64
}

func (o *countingObserver) SubscriberAdded()   { o.n.Add(1) }
func (o *countingObserver) SubscriberRemoved() { o.n.Add(-1) }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastSubscriber() *SubscriberConfig {
	cfg := DefaultSubscriberConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	return &cfg
}

func receive(t *testing.T, s *Subscriber, n int) []uint64 {
	t.Helper()
	var seqs []uint64
	timeout := time.After(5 * time.Second)
	for len(seqs) < n {
		select {
		case m, ok := <-s.Messages():
			require.True(t, ok, "stream closed early")
			seqs = append(seqs, m.Seq)
		case <-timeout:
			t.Fatalf("received %v, want %d messages", seqs, n)
		}
	}
	return seqs
}

func TestHub_ReplaysBacklogThenLive(t *testing.T) {
	backlog := &sliceBacklog{events: makeEvents(1, 5)}
	cfg := DefaultHubConfig()
	cfg.BacklogPage = 2
	obs := &countingObserver{}
	hub := NewHub(backlog.load, &cfg, nil, obs)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	sub, err := Subscribe(context.Background(), wsURL(srv), 2, fastSubscriber(), nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, obs.n.Load())

	// Seq 5 overlaps the backlog and must not be sent twice.
	require.NoError(t, hub.Deliver(context.Background(), makeEvents(5, 7)))

	assert.Equal(t, []uint64{3, 4, 5, 6, 7}, receive(t, sub, 5))
	assert.EqualValues(t, 7, sub.LastSeq())

	backlog.mu.Lock()
	assert.Equal(t, []uint64{2, 4}, backlog.calls, "paged by BacklogPage")
	backlog.mu.Unlock()
}

func TestHub_ReplaysFromZero(t *testing.T) {
	backlog := &sliceBacklog{events: makeEvents(1, 3)}
	hub := NewHub(backlog.load, nil, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	sub, err := Subscribe(context.Background(), wsURL(srv), 0, fastSubscriber(), nil)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, []uint64{1, 2, 3}, receive(t, sub, 3))
}

func TestHub_LiveOnlyWithoutCursor(t *testing.T) {
	backlog := &sliceBacklog{events: makeEvents(1, 3)}
	hub := NewHub(backlog.load, nil, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Deliver(context.Background(), makeEvents(4, 4)))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg events.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.EqualValues(t, 4, msg.Seq)
	assert.Equal(t, "4", msg.TradeID)

	backlog.mu.Lock()
	assert.Empty(t, backlog.calls)
	backlog.mu.Unlock()
}

func TestHub_RefillsDroppedEvents(t *testing.T) {
	backlog := &sliceBacklog{events: makeEvents(1, 3)}
	hub := NewHub(backlog.load, nil, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	sub, err := Subscribe(context.Background(), wsURL(srv), 0, fastSubscriber(), nil)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, []uint64{1, 2, 3}, receive(t, sub, 3))

	// 4 and 5 were committed but never reached the hub.
	live := makeEvents(4, 6)
	backlog.append(live...)
	require.NoError(t, hub.Deliver(context.Background(), live[2:]))

	assert.Equal(t, []uint64{4, 5, 6}, receive(t, sub, 3))
}

func TestHub_RejectsBadCursor(t *testing.T) {
	hub := NewHub(nil, nil, nil, nil)
	defer hub.Close()

	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?after=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHub_DeliverWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil, nil, nil, nil)
	defer hub.Close()

	assert.Equal(t, "feed", hub.Name())
	assert.NoError(t, hub.Deliver(context.Background(), makeEvents(1, 3)))
	assert.Zero(t, hub.Subscribers())
}

func TestHub_CloseDisconnects(t *testing.T) {
	obs := &countingObserver{}
	hub := NewHub(nil, nil, nil, obs)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	sub, err := Subscribe(context.Background(), wsURL(srv), 0, fastSubscriber(), nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	hub.Close()

	assert.Zero(t, hub.Subscribers())
	assert.Zero(t, obs.n.Load())
}

func TestSubscriber_ResumesAfterReconnect(t *testing.T) {
	ledger := makeEvents(1, 6)

	first := NewHub(nil, nil, nil, nil)
	second := NewHub((&sliceBacklog{events: ledger}).load, nil, nil, nil)
	var current atomic.Pointer[Hub]
	current.Store(first)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().ServeHTTP(w, r)
	}))
	defer srv.Close()
	defer second.Close()

	sub, err := Subscribe(context.Background(), wsURL(srv), 0, fastSubscriber(), nil)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return first.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Deliver(context.Background(), ledger[:3]))
	assert.Equal(t, []uint64{1, 2, 3}, receive(t, sub, 3))

	current.Store(second)
	first.Close()

	assert.Equal(t, []uint64{4, 5, 6}, receive(t, sub, 3))
}

func TestSubscriber_DialFailure(t *testing.T) {
	_, err := Subscribe(context.Background(), "ws://127.0.0.1:1/feed", 0, fastSubscriber(), nil)
	assert.Error(t, err)
}

func TestSubscriber_CloseClosesStream(t *testing.T) {
	hub := NewHub(nil, nil, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	sub, err := Subscribe(context.Background(), wsURL(srv), 0, fastSubscriber(), nil)
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, ok := <-sub.Messages()
	assert.False(t, ok)
}
