package domain

import "time"

// EventKind names a change notification.
type EventKind string

const (
	EventTickerAdded      EventKind = "ticker_added"
	EventTickerChanged    EventKind = "ticker_changed"
	EventTickerRemoved    EventKind = "ticker_removed"
	EventOrderBookChanged EventKind = "orderbook_changed"
)

// IsTicker reports whether k concerns the ticker registry.
func (k EventKind) IsTicker() bool {
	return k == EventTickerAdded || k == EventTickerChanged || k == EventTickerRemoved
}

// ChangeEvent is published after every successful mutation. Values are
// immutable once published: Levels is never shared with a live book.
type ChangeEvent struct {
	ID           string            `json:"id"`
	Kind         EventKind         `json:"kind"`
	Instrument   string            `json:"instrument"`
	Sequence     int64             `json:"sequence,omitempty"`
	Synchronized bool              `json:"synchronized,omitempty"`
	Time         time.Time         `json:"time"`
	Levels       []OrderBookUpdate `json:"levels,omitempty"`
}

// Publisher accepts change events. Implementations must not block.
type Publisher interface {
	Publish(ev ChangeEvent)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev ChangeEvent)

func (f PublisherFunc) Publish(ev ChangeEvent) { f(ev) }

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) Publish(ChangeEvent) {}
