// Package feed streams committed events to WebSocket subscribers.
//
// A subscriber connects with an optional ?after=<seq> query parameter. The hub
// first replays the ledger's events after that sequence number, then forwards
// live events, skipping any it already replayed and refilling any gap from the
// ledger. Subscribers that fall behind by
// more than the send buffer are disconnected and are expected to reconnect with
// the last sequence number they saw.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trade-escrow/internal/domain"
	"trade-escrow/internal/events"
)

// Backlog returns up to limit committed events with Seq > afterSeq, in order.
type Backlog func(ctx context.Context, afterSeq uint64, limit int) ([]*domain.Event, error)

// Observer tracks the number of connected subscribers.
type Observer interface {
	SubscriberAdded()
	SubscriberRemoved()
}

// HubConfig configures Hub behavior.
type HubConfig struct {
	// SendBuffer is the number of messages queued per subscriber.
	SendBuffer int
	// BacklogPage is the page size used when replaying the ledger.
	BacklogPage int
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is how long to wait for a pong before dropping the subscriber.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultHubConfig returns default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   256,
		BacklogPage:  500,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Hub is an http.Handler serving the event stream and an events.Sink feeding it.
type Hub struct {
	config   HubConfig
	backlog  Backlog
	logger   *slog.Logger
	observer Observer
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub. backlog may be nil, in which case ?after is ignored.
// config, logger and observer may be nil. Without ?after a subscriber only
// receives events committed after it connected.
func NewHub(backlog Backlog, config *HubConfig, logger *slog.Logger, observer Observer) *Hub {
	cfg := DefaultHubConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.BacklogPage <= 0 {
		cfg.BacklogPage = DefaultHubConfig().BacklogPage
	}
	if cfg.SendBuffer < 0 {
		cfg.SendBuffer = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		config:   cfg,
		backlog:  backlog,
		logger:   logger.With("component", "feed"),
		observer: observer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

var _ events.Sink = (*Hub)(nil)

// Name implements events.Sink.
func (h *Hub) Name() string { return "feed" }

// Deliver implements events.Sink. It never blocks on a slow subscriber.
func (h *Hub) Deliver(_ context.Context, batch []*domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, e := range batch {
		msg := events.NewMessage(e)
		for c := range h.clients {
			select {
			case c.send <- msg:
			default:
				h.logger.Warn("subscriber too slow, disconnecting", "remote", c.remote, "seq", e.Seq)
				h.dropLocked(c)
			}
		}
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the subscriber leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var after *uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid after %q", v), http.StatusBadRequest)
			return
		}
		after = &n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response.
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan events.Message, h.config.SendBuffer),
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		conn.Close()
		return
	}

	h.wg.Add(2)
	go h.writeLoop(c, after)
	go h.readLoop(c)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.observer != nil {
		h.observer.SubscriberAdded()
	}
	h.logger.Debug("subscriber connected", "remote", c.remote)
	return true
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.done)
	if h.observer != nil {
		h.observer.SubscriberRemoved()
	}
	h.logger.Debug("subscriber disconnected", "remote", c.remote)
}

// writeLoop replays the backlog, then forwards live messages and pings.
// It owns all writes to the connection.
func (h *Hub) writeLoop(c *client, after *uint64) {
	defer h.wg.Done()
	defer func() {
		h.drop(c)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(h.config.WriteTimeout))
		c.conn.Close()
	}()

	var (
		last   uint64
		synced bool
		err    error
	)
	if after != nil && h.backlog != nil {
		if last, err = h.replay(c, *after); err != nil {
			h.logger.Warn("backlog replay failed", "remote", c.remote, "error", err)
			return
		}
		synced = true
	}

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if synced && msg.Seq > last+1 && h.backlog != nil {
				// Events dropped upstream are refilled from the ledger.
				if last, err = h.replay(c, last); err != nil {
					h.logger.Warn("gap replay failed", "remote", c.remote, "after", last, "error", err)
					return
				}
			}
			if msg.Seq <= last {
				continue // already replayed
			}
			if err := c.write(msg, h.config.WriteTimeout); err != nil {
				return
			}
			last = msg.Seq
			synced = true
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replay sends every ledger event after seq and returns the last seq sent.
func (h *Hub) replay(c *client, seq uint64) (uint64, error) {
	ctx := context.Background()
	for {
		page, err := h.backlog(ctx, seq, h.config.BacklogPage)
		if err != nil {
			return seq, fmt.Errorf("load backlog after %d: %w", seq, err)
		}
		for _, e := range page {
			if err := c.write(events.NewMessage(e), h.config.WriteTimeout); err != nil {
				return seq, err
			}
			seq = e.Seq
		}
		if len(page) < h.config.BacklogPage {
			return seq, nil
		}
	}
}

// readLoop discards client frames and detects disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.drop(c)

	c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

type client struct {
	conn   *websocket.Conn
	remote string
	send   chan events.Message
	done   chan struct{}
}

func (c *client) write(msg events.Message, timeout time.Duration) error {
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(msg)
}
