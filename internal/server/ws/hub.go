// Package ws streams change events to websocket clients. Each connection
// gets its own broadcaster subscription, so a slow client only loses its
// own events.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	controlBuffer  = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventSource hands out event subscriptions. *event.Broadcaster implements it.
type EventSource interface {
	Subscribe(name string, opts ...event.SubscribeOption) *event.Subscriber
}

// Config tunes per-client delivery.
type Config struct {
	Mode      string
	StartedAt time.Time
	Buffer    int
	Policy    event.Policy
}

// Hub tracks connected clients.
type Hub struct {
	events EventSource
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(events EventSource, logger *slog.Logger, cfg Config) *Hub {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = event.DefaultBuffer
	}
	return &Hub{
		events:  events,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ws_hub")),
		clients: make(map[*client]struct{}),
	}
}

// Run blocks until ctx is done and then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return ctx.Err()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request and starts streaming events.
//
//	GET /ws?format=json|proto&instruments=BTC_ETH,BTC_XRP&kinds=ticker_changed
//
// JSON clients get text frames, proto clients get binary frames holding a
// google.protobuf.Struct with the same fields.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := parseFormat(q.Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		format:  format,
		control: make(chan envelope, controlBuffer),
		done:    make(chan struct{}),
		all:     true,
	}
	c.apply(subscribeMsg{Action: "subscribe", Instruments: splitList(q.Get("instruments")), Kinds: splitList(q.Get("kinds"))})
	c.sub = h.events.Subscribe("ws:"+r.RemoteAddr,
		event.WithBuffer(h.cfg.Buffer),
		event.WithPolicy(h.cfg.Policy),
		event.WithFilter(c.wants),
	)

	if !h.register(c) {
		c.sub.Close()
		conn.Close()
		return
	}
	c.control <- envelope{Type: "status", Payload: map[string]any{
		"mode":           h.cfg.Mode,
		"format":         string(format),
		"uptime_seconds": int64(time.Since(h.cfg.StartedAt).Seconds()),
	}}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("client connected", slog.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	h.logger.Debug("client disconnected", slog.Int("clients", len(h.clients)))
}

type format string

const (
	formatJSON  format = "json"
	formatProto format = "proto"
)

func parseFormat(s string) (format, error) {
	switch s {
	case "", "json":
		return formatJSON, nil
	case "proto", "protobuf":
		return formatProto, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envelope is the frame sent to clients.
type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// encode renders env in the client's format and returns the frame type.
func encode(env envelope, f format) (int, []byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, nil, fmt.Errorf("ws: marshal %s: %w", env.Type, err)
	}
	if f == formatJSON {
		return websocket.TextMessage, data, nil
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, nil, fmt.Errorf("ws: to map %s: %w", env.Type, err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return 0, nil, fmt.Errorf("ws: to struct %s: %w", env.Type, err)
	}
	bin, err := proto.Marshal(st)
	if err != nil {
		return 0, nil, fmt.Errorf("ws: proto marshal %s: %w", env.Type, err)
	}
	return websocket.BinaryMessage, bin, nil
}

// subscribeMsg changes a client's filter. Naming instruments narrows the
// stream to them; "*" widens it back to every instrument.
type subscribeMsg struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
	Kinds       []string `json:"kinds"`
}

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	format  format
	sub     *event.Subscriber
	control chan envelope
	done    chan struct{}
	once    sync.Once

	mu          sync.RWMutex
	all         bool
	instruments map[string]bool
	kinds       map[domain.EventKind]bool
}

func (c *client) wants(ev domain.ChangeEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) > 0 && !c.kinds[ev.Kind] {
		return false
	}
	return c.all || c.instruments[ev.Instrument]
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instruments == nil {
		c.instruments = make(map[string]bool)
		c.kinds = make(map[domain.EventKind]bool)
	}

	switch msg.Action {
	case "subscribe":
		for _, inst := range msg.Instruments {
			if inst == "*" {
				c.all = true
				continue
			}
			c.all = false
			c.instruments[inst] = true
		}
		for _, k := range msg.Kinds {
			c.kinds[domain.EventKind(k)] = true
		}
	case "unsubscribe":
		for _, inst := range msg.Instruments {
			if inst == "*" {
				c.all = false
				continue
			}
			delete(c.instruments, inst)
		}
		for _, k := range msg.Kinds {
			delete(c.kinds, domain.EventKind(k))
		}
	}
}

func (c *client) filterState() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst := make([]string, 0, len(c.instruments))
	for k := range c.instruments {
		inst = append(inst, k)
	}
	kinds := make([]string, 0, len(c.kinds))
	for k := range c.kinds {
		kinds = append(kinds, string(k))
	}
	return map[string]any{"all": c.all, "instruments": inst, "kinds": kinds}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
		c.hub.unregister(c)
	})
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil || (msg.Action != "subscribe" && msg.Action != "unsubscribe") {
			c.reply(envelope{Type: "error", Payload: "expected {\"action\":\"subscribe\"|\"unsubscribe\",...}"})
			continue
		}
		c.apply(msg)
		c.reply(envelope{Type: "subscribed", Payload: c.filterState()})
	}
}

func (c *client) reply(env envelope) {
	select {
	case c.control <- env:
	case <-c.done:
	}
}

func (c *client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.close()
	}()

	for {
		var env envelope
		select {
		case <-c.done:
			return
		case env = <-c.control:
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			env = envelope{Type: "event", Payload: ev}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		mt, data, err := encode(env, c.format)
		if err != nil {
			c.hub.logger.Error("encode failed", slog.String("error", err.Error()))
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}
