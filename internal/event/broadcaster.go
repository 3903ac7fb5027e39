// Package event fans change events out to in-process subscribers.
//
// Publish never blocks. Every subscriber owns a bounded channel; when it is
// full the subscriber's policy decides which event is lost and the loss is
// counted. Market data events converge ("latest wins"), so a consumer that
// misses an event only needs to re-read current state.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Policy chooses what to drop when a subscriber's queue is full.
type Policy int

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest Policy = iota
	// DropNewest discards the event being published.
	DropNewest
)

// ParsePolicy maps config strings to a Policy; unknown values fall back to
// DropOldest.
func ParsePolicy(s string) Policy {
	if s == "drop_newest" {
		return DropNewest
	}
	return DropOldest
}

// Broadcaster delivers each published event to every matching subscriber.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewBroadcaster creates an empty Broadcaster. m may be nil.
func NewBroadcaster(m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	if m == nil {
		m = metrics.New()
	}
	return &Broadcaster{
		subs:    make(map[uint64]*Subscriber),
		metrics: m,
		logger:  logger.With(slog.String("component", "broadcaster")),
		now:     time.Now,
	}
}

// Publish stamps ev with an ID and time when missing and offers it to every
// subscriber without blocking.
func (b *Broadcaster) Publish(ev domain.ChangeEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.metrics.EventsPublished.Inc()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		if s.offer(ev) {
			s.dropped.Add(1)
			b.metrics.EventsDropped.WithLabelValues(s.name).Inc()
		}
	}
}

// Subscribe registers a new subscriber. name labels drop metrics and logs.
func (b *Broadcaster) Subscribe(name string, opts ...SubscribeOption) *Subscriber {
	s := &Subscriber{
		name:   name,
		policy: DropOldest,
		buffer: DefaultBuffer,
		b:      b,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.buffer < 1 {
		s.buffer = 1
	}
	s.ch = make(chan domain.ChangeEvent, s.buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.logger.Debug("subscriber added",
		slog.String("subscriber", name),
		slog.Int("buffer", s.buffer),
	)
	return s
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
	b.logger.Debug("subscriber removed",
		slog.String("subscriber", s.name),
		slog.Uint64("dropped", s.dropped.Load()),
	)
}

var _ domain.Publisher = (*Broadcaster)(nil)
