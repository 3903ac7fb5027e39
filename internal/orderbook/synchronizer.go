// Package orderbook keeps a local replica of one instrument's order book in
// step with the exchange by merging a REST snapshot with the sequenced diff
// stream.
//
// Updates that arrive before a snapshot has been installed, or after a gap
// in the sequence, are buffered. LoadSnapshot fetches without holding the
// book's lock and only takes it to install the levels and replay the
// buffer, so a slow fetch never stalls OnUpdate.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

// DefaultMaxPending bounds the buffer of updates held while unsynchronized.
const DefaultMaxPending = 10000

// SnapshotSource fetches full order book snapshots.
type SnapshotSource interface {
	FetchOrderBookSnapshot(ctx context.Context, instrument string) (domain.OrderBookSnapshot, error)
}

// Outcome reports what OnUpdate did with an update.
type Outcome int

const (
	OutcomeBuffered Outcome = iota + 1
	OutcomeApplied
	OutcomeStale
	OutcomeGap
	OutcomeMalformed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeBuffered:
		return metrics.OutcomeBuffered
	case OutcomeApplied:
		return metrics.OutcomeApplied
	case OutcomeStale:
		return metrics.OutcomeStale
	case OutcomeGap:
		return metrics.OutcomeGap
	case OutcomeMalformed:
		return metrics.OutcomeMalformed
	default:
		return "unknown"
	}
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMaxPending overrides DefaultMaxPending. n <= 0 disables the bound.
func WithMaxPending(n int) Option {
	return func(s *Synchronizer) { s.maxPending = n }
}

// WithPublisher sets where change events go.
func WithPublisher(p domain.Publisher) Option {
	return func(s *Synchronizer) { s.pub = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Synchronizer) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// Synchronizer owns the order book of one instrument.
type Synchronizer struct {
	instrument string
	source     SnapshotSource
	pub        domain.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	maxPending int

	mu   sync.Mutex
	book *book
}

// NewSynchronizer creates an unsynchronized book for instrument.
func NewSynchronizer(instrument string, source SnapshotSource, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		instrument: instrument,
		source:     source,
		pub:        domain.NopPublisher{},
		logger:     slog.Default(),
		now:        time.Now,
		maxPending: DefaultMaxPending,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.logger = s.logger.With(
		slog.String("component", "orderbook"),
		slog.String("instrument", instrument),
	)
	s.book = newBook(instrument, s.maxPending)
	s.metrics.BookSynchronized.WithLabelValues(instrument).Set(0)
	return s
}

// Instrument returns the instrument this book tracks.
func (s *Synchronizer) Instrument() string {
	return s.instrument
}

// LoadSnapshot fetches a snapshot and installs it, then replays buffered
// updates newer than the snapshot. On a fetch error the book is untouched
// and the error (a domain.TransportError from the exchange client) is
// returned; calling again is always safe.
//
// If another load already synchronized the book at the same or a later
// sequence, the fetched snapshot is discarded and the current view is
// returned.
func (s *Synchronizer) LoadSnapshot(ctx context.Context) (domain.BookView, error) {
	snap, err := s.source.FetchOrderBookSnapshot(ctx, s.instrument)
	if err != nil {
		s.metrics.SnapshotLoads.WithLabelValues(s.instrument, "error").Inc()
		return domain.BookView{}, fmt.Errorf("orderbook: load snapshot %s: %w", s.instrument, err)
	}
	if err := validateSnapshot(snap); err != nil {
		s.metrics.SnapshotLoads.WithLabelValues(s.instrument, "malformed").Inc()
		return domain.BookView{}, fmt.Errorf("orderbook: load snapshot %s: %w", s.instrument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.book
	if b.synced && b.lastApplied >= snap.Sequence {
		s.metrics.SnapshotLoads.WithLabelValues(s.instrument, "superseded").Inc()
		s.logger.DebugContext(ctx, "snapshot older than book, ignored",
			slog.Int64("snapshot_seq", snap.Sequence),
			slog.Int64("last_applied", b.lastApplied),
		)
		return b.view(0), nil
	}

	b.install(snap)
	replayed := b.drain()
	b.updatedAt = s.now()
	s.metrics.SnapshotLoads.WithLabelValues(s.instrument, "ok").Inc()
	s.metrics.BookUpdates.WithLabelValues(s.instrument, metrics.OutcomeApplied).Add(float64(len(replayed)))
	s.logger.InfoContext(ctx, "snapshot installed",
		slog.Int64("snapshot_seq", snap.Sequence),
		slog.Int64("last_applied", b.lastApplied),
		slog.Int("replayed", len(replayed)),
		slog.Int("bids", b.bids.len()),
		slog.Int("asks", b.asks.len()),
	)
	s.setSyncGauge()
	s.publish(replayed)
	return b.view(0), nil
}

// OnUpdate handles one diff message in transport order. Only malformed
// updates produce an error; duplicates and gaps are resolved here and
// reported through the Outcome.
func (s *Synchronizer) OnUpdate(u domain.OrderBookUpdate) (Outcome, error) {
	if u.Instrument == "" {
		u.Instrument = s.instrument
	}
	err := u.Validate()
	if err == nil && u.Instrument != s.instrument {
		err = fmt.Errorf("%w: update for %s", domain.ErrMalformedUpdate, u.Instrument)
	}
	if err != nil {
		s.metrics.BookUpdates.WithLabelValues(s.instrument, metrics.OutcomeMalformed).Inc()
		s.metrics.MalformedMessages.WithLabelValues("orderbook").Inc()
		s.logger.Warn("discarding malformed update", slog.String("error", err.Error()))
		return OutcomeMalformed, fmt.Errorf("orderbook: update %s: %w", s.instrument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.book
	var outcome Outcome
	switch {
	case !b.synced:
		if old, dropped := b.enqueue(u); dropped {
			s.metrics.PendingDropped.WithLabelValues(s.instrument).Inc()
			s.logger.Warn("pending queue full, dropped oldest update",
				slog.Int64("dropped_seq", old.Sequence),
				slog.Int("max_pending", b.maxPending),
			)
		}
		outcome = OutcomeBuffered

	case u.Sequence <= b.lastApplied:
		outcome = OutcomeStale

	case u.Sequence == b.lastApplied+1:
		b.apply(u)
		b.lastApplied = u.Sequence
		b.updatedAt = s.now()
		s.publish([]domain.OrderBookUpdate{u})
		outcome = OutcomeApplied

	default:
		gap := &domain.SequenceGapError{Instrument: s.instrument, Expected: b.lastApplied + 1, Got: u.Sequence}
		b.enqueue(u)
		b.synced = false
		b.updatedAt = s.now()
		s.logger.Warn("sequence gap, book unsynchronized", slog.String("error", gap.Error()))
		s.setSyncGauge()
		s.publish(nil)
		outcome = OutcomeGap
	}

	s.metrics.BookUpdates.WithLabelValues(s.instrument, outcome.String()).Inc()
	return outcome, nil
}

// Reset clears both sides and the pending queue and forgets the last
// applied sequence. Used when the stream reconnects.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.book.reset()
	s.book.updatedAt = s.now()
	s.setSyncGauge()
	s.publish(nil)
}

// View returns a detached copy of the best depth levels per side; depth <= 0
// returns every level.
func (s *Synchronizer) View(depth int) domain.BookView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.view(depth)
}

// Synchronized reports whether the book currently trusts its levels.
func (s *Synchronizer) Synchronized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.synced
}

// LastSequence returns the last applied sequence; ok is false after a reset
// until the next snapshot.
func (s *Synchronizer) LastSequence() (seq int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.lastApplied, s.book.hasSequence
}

// PendingLen returns the number of buffered updates.
func (s *Synchronizer) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.pending.Len()
}

// publish must be called with s.mu held so events leave in mutation order.
func (s *Synchronizer) publish(levels []domain.OrderBookUpdate) {
	var cp []domain.OrderBookUpdate
	if len(levels) > 0 {
		cp = make([]domain.OrderBookUpdate, len(levels))
		copy(cp, levels)
	}
	s.pub.Publish(domain.ChangeEvent{
		Kind:         domain.EventOrderBookChanged,
		Instrument:   s.instrument,
		Sequence:     s.book.lastApplied,
		Synchronized: s.book.synced,
		Time:         s.book.updatedAt,
		Levels:       cp,
	})
}

func (s *Synchronizer) setSyncGauge() {
	v := 0.0
	if s.book.synced {
		v = 1
	}
	s.metrics.BookSynchronized.WithLabelValues(s.instrument).Set(v)
}

func validateSnapshot(snap domain.OrderBookSnapshot) error {
	var errs []error
	if snap.Sequence < 0 {
		errs = append(errs, fmt.Errorf("negative sequence %d", snap.Sequence))
	}
	for _, side := range [][]domain.PriceLevel{snap.Bids, snap.Asks} {
		for _, lvl := range side {
			if !lvl.Price.IsPositive() || lvl.Quantity.IsNegative() {
				errs = append(errs, fmt.Errorf("level %s@%s", lvl.Quantity, lvl.Price))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: snapshot: %w", domain.ErrMalformedUpdate, errors.Join(errs...))
}
