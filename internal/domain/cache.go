package domain

import (
	"context"
	"time"
)

// BookCache mirrors order book views into shared storage.
type BookCache interface {
	SetBook(ctx context.Context, view BookView) error
	GetBook(ctx context.Context, instrument string) (BookView, error)
}

// TickerCache mirrors ticker state into shared storage.
type TickerCache interface {
	SetTicker(ctx context.Context, snap TickerSnapshot) error
	GetTicker(ctx context.Context, instrument string) (TickerSnapshot, error)
	DeleteTicker(ctx context.Context, instrument string) error
}

// SignalBus provides pub/sub for out-of-process consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LockManager hands out short-lived distributed locks. Acquire returns
// ErrLockHeld when another owner holds key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
