package poloniex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultStreamBuffer = 1024
)

// StreamClient opens push subscriptions. Each subscription owns one
// websocket connection; reconnecting is the caller's job.
type StreamClient struct {
	wsURL   string
	dialer  websocket.Dialer
	buffer  int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// StreamOption configures a StreamClient.
type StreamOption func(*StreamClient)

// WithStreamBuffer sets the per-subscription channel length.
func WithStreamBuffer(n int) StreamOption {
	return func(c *StreamClient) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithStreamMetrics counts malformed frames on m.
func WithStreamMetrics(m *metrics.Metrics) StreamOption {
	return func(c *StreamClient) { c.metrics = m }
}

// NewStreamClient creates a client for the push endpoint at wsURL,
// e.g. "wss://api2.poloniex.com".
func NewStreamClient(wsURL string, logger *slog.Logger, opts ...StreamOption) *StreamClient {
	c := &StreamClient{
		wsURL: wsURL,
		dialer: websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		buffer: defaultStreamBuffer,
		logger: logger.With(slog.String("component", "poloniex-ws")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	return c
}

// SubscribeOrderBookUpdates streams diffs for instrument in arrival order.
func (c *StreamClient) SubscribeOrderBookUpdates(ctx context.Context, instrument string) (domain.Subscription[domain.OrderBookUpdate], error) {
	return subscribe(ctx, c, instrument, "orderbook_stream", BookUpdateFromFrame)
}

// SubscribeTickerUpdates streams ticker changes for every instrument.
func (c *StreamClient) SubscribeTickerUpdates(ctx context.Context) (domain.Subscription[domain.TickerFields], error) {
	return subscribe(ctx, c, TickerChannel, "ticker_stream", TickerFromFrame)
}

type frameDecoder[T any] func(PushFrame) (T, bool, error)

func subscribe[T any](ctx context.Context, c *StreamClient, channel, feed string, decode frameDecoder[T]) (*wsSubscription[T], error) {
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, domain.NewTransportError("subscribe", channel, fmt.Errorf("dial: %w", err))
	}

	cmd := Command{Command: "subscribe", Channel: channel}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(cmd); err != nil {
		conn.Close()
		return nil, domain.NewTransportError("subscribe", channel, fmt.Errorf("send command: %w", err))
	}

	s := &wsSubscription[T]{
		channel: channel,
		feed:    feed,
		conn:    conn,
		out:     make(chan T, c.buffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		decode:  decode,
		metrics: c.metrics,
		logger:  c.logger.With(slog.String("channel", channel)),
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// wsSubscription delivers decoded frames from one connection.
type wsSubscription[T any] struct {
	channel string
	feed    string
	conn    *websocket.Conn
	out     chan T

	// done is closed by Unsubscribe; exited when readLoop returns.
	done   chan struct{}
	exited chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error

	decode  frameDecoder[T]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (s *wsSubscription[T]) Stream() <-chan T { return s.out }

func (s *wsSubscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe closes the connection and waits for the reader to exit.
func (s *wsSubscription[T]) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		s.conn.Close()
	})
	<-s.exited
}

func (s *wsSubscription[T]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wsSubscription[T]) stopping() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *wsSubscription[T]) readLoop() {
	defer close(s.exited)
	defer close(s.out)
	defer s.conn.Close()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if !s.stopping() {
				s.fail(domain.NewTransportError("read", s.channel, fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)))
			}
			return
		}

		var f PushFrame
		if err := json.Unmarshal(message, &f); err != nil {
			s.malformed(err)
			continue
		}
		if f.Error != "" {
			s.fail(domain.NewTransportError("stream", s.channel, fmt.Errorf("server error: %s", f.Error)))
			return
		}
		if f.Channel != "" && f.Channel != s.channel {
			continue
		}

		v, ok, err := s.decode(f)
		if err != nil {
			s.malformed(err)
			continue
		}
		if !ok {
			continue
		}

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

func (s *wsSubscription[T]) malformed(err error) {
	s.metrics.MalformedMessages.WithLabelValues(s.feed).Inc()
	s.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
}

func (s *wsSubscription[T]) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.exited:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

var _ domain.MarketDataStream = (*StreamClient)(nil)
