// Package ticker maintains the registry of per-instrument ticker state fed
// by REST snapshots and the ticker push stream.
//
// Locking is two-tier. The registry lock guards membership: it is taken
// exclusively to insert or remove tickers and shared by everything else.
// Each Ticker has its own lock for field merges and multi-field reads. The
// registry lock is always acquired before a ticker lock, never the other
// way round, so merges of different instruments run in parallel while
// merges of the same instrument serialize.
package ticker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// DefaultHistoryLimit bounds each ticker's history.
const DefaultHistoryLimit = 5000

type Option func(*Registry)

// WithHistoryLimit caps retained observations per ticker; n <= 0 keeps all.
func WithHistoryLimit(n int) Option {
	return func(r *Registry) { r.historyLimit = n }
}

func WithPublisher(p domain.Publisher) Option {
	return func(r *Registry) { r.pub = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns every Ticker and is their only writer.
type Registry struct {
	mu      sync.RWMutex
	tickers map[string]*Ticker

	historyLimit int
	pub          domain.Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tickers:      make(map[string]*Ticker),
		historyLimit: DefaultHistoryLimit,
		pub:          domain.NopPublisher{},
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	r.logger = r.logger.With(slog.String("component", "ticker_registry"))
	return r
}

// ApplySnapshot replaces the whole registry with fresh tickers built from
// items. Instruments absent from items are removed. Malformed items are
// skipped and counted; the number skipped is returned.
func (r *Registry) ApplySnapshot(items []domain.TickerFields) int {
	at := r.now()
	next := make(map[string]*Ticker, len(items))
	skipped := 0
	for _, f := range items {
		if err := f.Validate(); err != nil {
			skipped++
			r.metrics.MalformedMessages.WithLabelValues("ticker_snapshot").Inc()
			r.logger.Warn("skipping malformed ticker", slog.String("error", err.Error()))
			continue
		}
		next[f.Instrument] = newTicker(f, at, r.historyLimit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.tickers
	r.tickers = next

	for _, inst := range sortedKeys(next) {
		kind := domain.EventTickerAdded
		if _, ok := prev[inst]; ok {
			kind = domain.EventTickerChanged
		}
		r.publish(kind, inst, at)
	}
	for _, inst := range sortedKeys(prev) {
		if _, ok := next[inst]; !ok {
			r.publish(domain.EventTickerRemoved, inst, at)
		}
	}
	r.metrics.TickerMerges.WithLabelValues("snapshot").Inc()
	r.logger.Info("ticker snapshot applied",
		slog.Int("tickers", len(next)),
		slog.Int("previous", len(prev)),
		slog.Int("skipped", skipped),
	)
	return skipped
}

// ApplyUpdate merges one pushed ticker record. A known instrument is
// mutated in place and gains a history observation; an unknown one gets a
// new Ticker. The returned Ticker is the registry's live instance.
func (r *Registry) ApplyUpdate(f domain.TickerFields) (*Ticker, bool, error) {
	if err := f.Validate(); err != nil {
		r.metrics.MalformedMessages.WithLabelValues("ticker").Inc()
		return nil, false, fmt.Errorf("ticker: apply update: %w", err)
	}

	r.mu.RLock()
	if t, ok := r.tickers[f.Instrument]; ok {
		r.mergeLocked(t, f)
		r.mu.RUnlock()
		return t, false, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another writer may have inserted it between the two locks.
	if t, ok := r.tickers[f.Instrument]; ok {
		r.mergeLocked(t, f)
		return t, false, nil
	}
	at := r.now()
	t := newTicker(f, at, r.historyLimit)
	r.tickers[f.Instrument] = t
	r.metrics.TickerMerges.WithLabelValues("added").Inc()
	r.publish(domain.EventTickerAdded, f.Instrument, at)
	r.logger.Debug("ticker added", slog.String("instrument", f.Instrument))
	return t, true, nil
}

// mergeLocked requires r.mu held in either mode.
func (r *Registry) mergeLocked(t *Ticker, f domain.TickerFields) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at := r.now()
	t.merge(f, at)
	r.metrics.TickerMerges.WithLabelValues("changed").Inc()
	r.publish(domain.EventTickerChanged, t.instrument, at)
}

// Get returns a detached snapshot or domain.ErrNotFound.
func (r *Registry) Get(instrument string) (domain.TickerSnapshot, error) {
	t, ok := r.Ticker(instrument)
	if !ok {
		return domain.TickerSnapshot{}, fmt.Errorf("ticker: get %s: %w", instrument, domain.ErrNotFound)
	}
	return t.Snapshot(), nil
}

// Ticker returns the live instance for instrument.
func (r *Registry) Ticker(instrument string) (*Ticker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tickers[instrument]
	return t, ok
}

// Snapshots returns detached copies of every ticker, sorted by instrument.
// History is included only when withHistory is set.
func (r *Registry) Snapshots(withHistory bool) []domain.TickerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TickerSnapshot, 0, len(r.tickers))
	for _, inst := range sortedKeys(r.tickers) {
		t := r.tickers[inst]
		t.mu.RLock()
		out = append(out, t.snapshotLocked(withHistory))
		t.mu.RUnlock()
	}
	return out
}

// Instruments returns the registered instruments in sorted order.
func (r *Registry) Instruments() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tickers)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tickers)
}

func (r *Registry) publish(kind domain.EventKind, instrument string, at time.Time) {
	r.pub.Publish(domain.ChangeEvent{Kind: kind, Instrument: instrument, Time: at})
}

func sortedKeys(m map[string]*Ticker) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
