// Package feed drives the order book synchronizers and the ticker registry
// from the exchange transport. Each feed owns its reconnect loop: a dropped
// subscription is reopened with exponential backoff and the affected state
// is rebuilt from a fresh snapshot.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
	"github.com/alanyoungcy/marketsync/internal/orderbook"
)

const (
	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Alert event types raised by the feeds.
const (
	AlertBookDesync = "book_desync"
	AlertFeedDown   = "feed_down"
)

// Alerter receives operator-facing notifications. *notify.Notifier
// satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

type nopAlerter struct{}

func (nopAlerter) Notify(context.Context, string, string, string) error { return nil }

// Backoff holds the retry delays shared by the feeds.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the reconnect constants.
var DefaultBackoff = Backoff{Base: reconnectDelay, Max: maxReconnectDelay}

// DefaultResyncBackoff paces snapshot reloads.
var DefaultResyncBackoff = Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

func (b Backoff) next(d time.Duration) time.Duration {
	if d <= 0 {
		return b.Base
	}
	d *= 2
	if d > b.Max {
		d = b.Max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BookFeed keeps one Synchronizer fed from the diff stream and reloads the
// snapshot whenever the book falls out of sync.
type BookFeed struct {
	sync    *orderbook.Synchronizer
	stream  domain.MarketDataStream
	backoff Backoff
	resync  Backoff
	alerts  Alerter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// BookFeedOption configures a BookFeed.
type BookFeedOption func(*BookFeed)

// WithBackoff overrides the reconnect delays.
func WithBackoff(b Backoff) BookFeedOption {
	return func(f *BookFeed) { f.backoff = b }
}

// WithResyncBackoff overrides the delays between failed snapshot loads.
func WithResyncBackoff(b Backoff) BookFeedOption {
	return func(f *BookFeed) { f.resync = b }
}

// WithAlerter routes desync and disconnect notifications to a.
func WithAlerter(a Alerter) BookFeedOption {
	return func(f *BookFeed) {
		if a != nil {
			f.alerts = a
		}
	}
}

// WithBookMetrics records reconnects on m.
func WithBookMetrics(m *metrics.Metrics) BookFeedOption {
	return func(f *BookFeed) { f.metrics = m }
}

// NewBookFeed creates a feed for s's instrument.
func NewBookFeed(s *orderbook.Synchronizer, stream domain.MarketDataStream, logger *slog.Logger, opts ...BookFeedOption) *BookFeed {
	f := &BookFeed{
		sync:    s,
		stream:  stream,
		backoff: DefaultBackoff,
		resync:  DefaultResyncBackoff,
		alerts:  nopAlerter{},
		logger: logger.With(
			slog.String("component", "book_feed"),
			slog.String("instrument", s.Instrument()),
		),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = metrics.New()
	}
	return f
}

// Run subscribes and keeps the book synchronized until ctx is cancelled.
func (f *BookFeed) Run(ctx context.Context) error {
	var delay time.Duration
	for {
		delivered, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			delay = 0
		}
		delay = f.backoff.next(delay)

		f.metrics.Reconnects.WithLabelValues("orderbook").Inc()
		f.logger.Warn("order book stream ended, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		if delay >= f.backoff.Max {
			f.alert(ctx, AlertFeedDown, "order book feed down",
				fmt.Sprintf("%s: %s", f.sync.Instrument(), errString(err)))
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// runConnection serves one subscription. The book is reset first: updates
// from a previous connection cannot be stitched to the new stream.
func (f *BookFeed) runConnection(ctx context.Context) (delivered bool, err error) {
	sub, err := f.stream.SubscribeOrderBookUpdates(ctx, f.sync.Instrument())
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	f.sync.Reset()
	f.logger.Info("order book stream subscribed")

	resync := make(chan struct{}, 1)
	resync <- struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.snapshotLoop(gctx, resync)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case u, ok := <-sub.Stream():
				if !ok {
					if err := sub.Err(); err != nil {
						return err
					}
					return domain.ErrSubscriptionClosed
				}
				delivered = true
				f.handle(gctx, u, resync)
			}
		}
	})
	err = g.Wait()
	return delivered, err
}

func (f *BookFeed) handle(ctx context.Context, u domain.OrderBookUpdate, resync chan<- struct{}) {
	outcome, err := f.sync.OnUpdate(u)
	if err != nil {
		f.logger.Debug("update rejected", slog.String("error", err.Error()))
		return
	}
	if outcome != orderbook.OutcomeGap {
		return
	}
	select {
	case resync <- struct{}{}:
		f.alert(ctx, AlertBookDesync, "order book desync",
			fmt.Sprintf("%s: gap at seq %d, reloading snapshot", u.Instrument, u.Sequence))
	default:
	}
}

// snapshotLoop loads a snapshot on every resync signal and retries with
// backoff until a load succeeds.
func (f *BookFeed) snapshotLoop(ctx context.Context, resync <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-resync:
		}

		var delay time.Duration
		for {
			_, err := f.sync.LoadSnapshot(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == nil {
				break
			}
			f.logger.Warn("snapshot load failed", slog.String("error", err.Error()))
			delay = f.resync.next(delay)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

func (f *BookFeed) alert(ctx context.Context, event, title, msg string) {
	if err := f.alerts.Notify(ctx, event, title, msg); err != nil {
		f.logger.Debug("alert failed", slog.String("error", err.Error()))
	}
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
