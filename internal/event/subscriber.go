package event

import (
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// SubscribeOption configures a Subscriber.
type SubscribeOption func(*Subscriber)

// WithBuffer sets the queue length.
func WithBuffer(n int) SubscribeOption {
	return func(s *Subscriber) { s.buffer = n }
}

func WithPolicy(p Policy) SubscribeOption {
	return func(s *Subscriber) { s.policy = p }
}

// WithFilter delivers only events for which keep returns true. keep runs on
// the publisher's goroutine and must be fast.
func WithFilter(keep func(domain.ChangeEvent) bool) SubscribeOption {
	return func(s *Subscriber) { s.filter = keep }
}

// WithKinds is a filter on event kind.
func WithKinds(kinds ...domain.EventKind) SubscribeOption {
	set := make(map[domain.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return WithFilter(func(ev domain.ChangeEvent) bool { return set[ev.Kind] })
}

// WithInstruments is a filter on instrument.
func WithInstruments(instruments ...string) SubscribeOption {
	set := make(map[string]bool, len(instruments))
	for _, i := range instruments {
		set[i] = true
	}
	return WithFilter(func(ev domain.ChangeEvent) bool { return set[ev.Instrument] })
}

// Subscriber is one consumer's view of the event stream.
type Subscriber struct {
	id     uint64
	name   string
	policy Policy
	buffer int
	filter func(domain.ChangeEvent) bool
	b      *Broadcaster

	ch      chan domain.ChangeEvent
	sendMu  sync.Mutex
	dropped atomic.Uint64
	once    sync.Once
}

// Events is closed after Close or Broadcaster.Close.
func (s *Subscriber) Events() <-chan domain.ChangeEvent {
	return s.ch
}

func (s *Subscriber) Name() string { return s.name }

// Dropped returns how many events this subscriber lost to a full queue.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.once.Do(func() { s.b.remove(s) })
}

// offer enqueues ev without blocking and reports whether an event was lost.
// The caller holds the broadcaster's read lock, so ch cannot be closed
// underneath us.
func (s *Subscriber) offer(ev domain.ChangeEvent) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.ch <- ev:
		return false
	default:
	}
	if s.policy == DropNewest {
		return true
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return true
}
