package ticker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Ticker is the live state of one instrument. The registry mutates it in
// place, so a *Ticker obtained from Registry.Ticker keeps observing merges.
type Ticker struct {
	instrument string

	mu         sync.RWMutex
	fields     domain.TickerFields
	history    []domain.TickerObservation
	maxHistory int
	updatedAt  time.Time
}

func newTicker(f domain.TickerFields, at time.Time, maxHistory int) *Ticker {
	f.Missing = 0
	return &Ticker{
		instrument: f.Instrument,
		fields:     f,
		history:    []domain.TickerObservation{f.Observation(at)},
		maxHistory: maxHistory,
		updatedAt:  at,
	}
}

// Instrument never changes and is safe to read without locking.
func (t *Ticker) Instrument() string {
	return t.instrument
}

// Read runs fn with the ticker's read lock held, giving fn a consistent view
// of every field. fn must not call back into the registry.
func (t *Ticker) Read(fn func(f domain.TickerFields, history []domain.TickerObservation)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.fields, t.history)
}

// Last returns the last traded price.
func (t *Ticker) Last() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fields.Last
}

// Snapshot returns a detached copy including history.
func (t *Ticker) Snapshot() domain.TickerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked(true)
}

func (t *Ticker) snapshotLocked(withHistory bool) domain.TickerSnapshot {
	snap := domain.TickerSnapshot{TickerFields: t.fields, UpdatedAt: t.updatedAt}
	if withHistory {
		snap.History = make([]domain.TickerObservation, len(t.history))
		copy(snap.History, t.history)
	}
	return snap
}

// HistoryLen returns the number of retained observations.
func (t *Ticker) HistoryLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.history)
}

// merge copies the fields f provides over the current state and records an
// observation. Callers hold t.mu.
func (t *Ticker) merge(f domain.TickerFields, at time.Time) {
	t.fields = f.Over(t.fields)
	t.fields.Instrument = t.instrument
	t.updatedAt = at
	t.history = append(t.history, t.fields.Observation(at))
	if t.maxHistory > 0 && len(t.history) > t.maxHistory {
		trim := len(t.history) - t.maxHistory
		t.history = append(t.history[:0], t.history[trim:]...)
	}
}
