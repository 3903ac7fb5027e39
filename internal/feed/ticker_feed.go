package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
	"github.com/alanyoungcy/marketsync/internal/ticker"
)

// TickerSource is the slice of the exchange transport the ticker feed needs.
type TickerSource interface {
	FetchTickerSnapshot(ctx context.Context) ([]domain.TickerFields, error)
	SubscribeTickerUpdates(ctx context.Context) (domain.Subscription[domain.TickerFields], error)
}

// TickerLoader returns checkpointed tickers for a warm start.
type TickerLoader interface {
	LoadTickers(ctx context.Context) ([]domain.TickerFields, error)
}

// TickerFeed fills the registry from a snapshot and then merges the
// ticker stream into it.
type TickerFeed struct {
	registry  *ticker.Registry
	source    TickerSource
	warm      TickerLoader
	backoff   Backoff
	resnap    time.Duration
	alerts    Alerter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	warmTried bool
}

// TickerFeedOption configures a TickerFeed.
type TickerFeedOption func(*TickerFeed)

// WithWarmStart loads checkpointed tickers when the first exchange snapshot
// cannot be fetched.
func WithWarmStart(l TickerLoader) TickerFeedOption {
	return func(f *TickerFeed) { f.warm = l }
}

// WithResnapshot merges a full snapshot every d while streaming. Zero
// disables it.
func WithResnapshot(d time.Duration) TickerFeedOption {
	return func(f *TickerFeed) { f.resnap = d }
}

// WithTickerBackoff overrides the reconnect delays.
func WithTickerBackoff(b Backoff) TickerFeedOption {
	return func(f *TickerFeed) { f.backoff = b }
}

// WithTickerAlerter routes disconnect notifications to a.
func WithTickerAlerter(a Alerter) TickerFeedOption {
	return func(f *TickerFeed) {
		if a != nil {
			f.alerts = a
		}
	}
}

// WithTickerMetrics records reconnects on m.
func WithTickerMetrics(m *metrics.Metrics) TickerFeedOption {
	return func(f *TickerFeed) { f.metrics = m }
}

// NewTickerFeed creates a TickerFeed.
func NewTickerFeed(r *ticker.Registry, source TickerSource, logger *slog.Logger, opts ...TickerFeedOption) *TickerFeed {
	f := &TickerFeed{
		registry: r,
		source:   source,
		backoff:  DefaultBackoff,
		alerts:   nopAlerter{},
		logger:   logger.With(slog.String("component", "ticker_feed")),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = metrics.New()
	}
	return f
}

// Run streams ticker changes into the registry until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
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

		f.metrics.Reconnects.WithLabelValues("ticker").Inc()
		f.logger.Warn("ticker stream ended, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)
		if delay >= f.backoff.Max {
			f.alert(ctx, AlertFeedDown, "ticker feed down", errString(err))
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// runConnection subscribes before fetching the snapshot so that no change
// between the two is lost; merges are latest-wins, so replaying a change
// the snapshot already holds is harmless.
func (f *TickerFeed) runConnection(ctx context.Context) (delivered bool, err error) {
	sub, err := f.source.SubscribeTickerUpdates(ctx)
	if err != nil {
		f.tryWarmStart(ctx, err)
		return false, err
	}
	defer sub.Unsubscribe()

	if err := f.snapshot(ctx); err != nil {
		f.tryWarmStart(ctx, err)
		return false, err
	}

	var tick <-chan time.Time
	if f.resnap > 0 {
		t := time.NewTicker(f.resnap)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case <-tick:
			if err := f.snapshot(ctx); err != nil {
				f.logger.Warn("periodic ticker snapshot failed", slog.String("error", err.Error()))
			}
		case u, ok := <-sub.Stream():
			if !ok {
				if err := sub.Err(); err != nil {
					return delivered, err
				}
				return delivered, domain.ErrSubscriptionClosed
			}
			delivered = true
			if _, _, err := f.registry.ApplyUpdate(u); err != nil {
				f.logger.Debug("ticker update rejected", slog.String("error", err.Error()))
			}
		}
	}
}

// snapshot installs the exchange snapshot on cold start only. Later
// snapshots (reconnects, periodic refresh) are merged into the existing
// tickers so held references and history survive.
func (f *TickerFeed) snapshot(ctx context.Context) error {
	items, err := f.source.FetchTickerSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("feed: ticker snapshot: %w", err)
	}
	if f.registry.Len() == 0 {
		f.registry.ApplySnapshot(items)
		return nil
	}
	rejected := 0
	for _, item := range items {
		if _, _, err := f.registry.ApplyUpdate(item); err != nil {
			rejected++
		}
	}
	f.logger.Debug("ticker snapshot merged",
		slog.Int("tickers", len(items)),
		slog.Int("rejected", rejected),
	)
	return nil
}

// tryWarmStart fills an empty registry from the checkpoint store, once.
func (f *TickerFeed) tryWarmStart(ctx context.Context, cause error) {
	if f.warm == nil || f.warmTried || f.registry.Len() > 0 {
		return
	}
	f.warmTried = true

	items, err := f.warm.LoadTickers(ctx)
	if err != nil {
		f.logger.Warn("warm start failed", slog.String("error", err.Error()))
		return
	}
	f.registry.ApplySnapshot(items)
	f.logger.Info("registry warm-started from checkpoint",
		slog.Int("tickers", len(items)),
		slog.String("cause", cause.Error()),
	)
}

func (f *TickerFeed) alert(ctx context.Context, event, title, msg string) {
	if err := f.alerts.Notify(ctx, event, title, msg); err != nil {
		f.logger.Debug("alert failed", slog.String("error", err.Error()))
	}
}
