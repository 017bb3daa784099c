package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trade-escrow/internal/events"
)

// SubscriberConfig configures Subscriber behavior.
type SubscriberConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// ReadTimeout is timeout for reading messages. The hub pings more often than this.
	ReadTimeout time.Duration
	// Buffer is the capacity of the Messages channel.
	Buffer int
	// Header is sent with every handshake, e.g. Authorization.
	Header http.Header
}

// DefaultSubscriberConfig returns default subscriber configuration.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       90 * time.Second,
		Buffer:            1024,
	}
}

// Subscriber follows a hub endpoint and yields every event exactly once, in
// order. After a dropped connection it reconnects with ?after set to the last
// sequence number received.
type Subscriber struct {
	endpoint *url.URL
	config   SubscriberConfig
	logger   *slog.Logger

	msgs    chan events.Message
	lastSeq atomic.Uint64

	connMu sync.Mutex
	conn   *websocket.Conn

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Subscribe connects to endpoint (ws:// or wss://) and replays events after
// afterSeq before following live ones. The first connection is made
// synchronously so a bad endpoint fails fast.
func Subscribe(ctx context.Context, endpoint string, afterSeq uint64, config *SubscriberConfig, logger *slog.Logger) (*Subscriber, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	cfg := DefaultSubscriberConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Subscriber{
		endpoint: u,
		config:   cfg,
		logger:   logger.With("component", "feed_subscriber"),
		msgs:     make(chan events.Message, cfg.Buffer),
		done:     make(chan struct{}),
	}
	s.lastSeq.Store(afterSeq)

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	return s, nil
}

// Messages returns the event stream. It is closed after Close.
func (s *Subscriber) Messages() <-chan events.Message {
	return s.msgs
}

// LastSeq returns the sequence number of the last event delivered.
func (s *Subscriber) LastSeq() uint64 {
	return s.lastSeq.Load()
}

// Close closes the connection and the Messages channel.
func (s *Subscriber) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	close(s.msgs)
	return nil
}

func (s *Subscriber) connect(ctx context.Context) error {
	u := *s.endpoint
	q := u.Query()
	q.Set("after", strconv.FormatUint(s.lastSeq.Load(), 10))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), s.config.Header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed.Load() {
		conn.Close()
		return fmt.Errorf("subscriber closed")
	}
	s.conn = conn
	return nil
}

func (s *Subscriber) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn != nil {
			err := s.consume(conn)
			if s.closed.Load() {
				return
			}
			s.logger.Warn("feed connection lost", "last_seq", s.lastSeq.Load(), "error", err)
			conn.Close()
			s.connMu.Lock()
			s.conn = nil
			s.connMu.Unlock()
		}

		select {
		case <-s.done:
			return
		case <-time.After(reconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.connect(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("feed reconnect failed", "delay", reconnectDelay, "error", err)
			// Exponential backoff
			reconnectDelay *= 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}
			continue
		}
		reconnectDelay = s.config.ReconnectDelay
	}
}

// consume reads until the connection fails or the subscriber closes.
func (s *Subscriber) consume(conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		var msg events.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Seq <= s.lastSeq.Load() {
			continue
		}

		select {
		case s.msgs <- msg:
			s.lastSeq.Store(msg.Seq)
		case <-s.done:
			return nil
		}
	}
}
