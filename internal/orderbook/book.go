package orderbook

import (
	"sort"
	"time"

	"github.com/gammazero/deque"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// book is the mutable state owned by one Synchronizer. None of its methods
// lock; the Synchronizer's mutex guards every call.
type book struct {
	instrument  string
	bids        bookSide
	asks        bookSide
	lastApplied int64
	hasSequence bool
	synced      bool
	frozen      bool
	updatedAt   time.Time

	pending    *deque.Deque[domain.OrderBookUpdate]
	maxPending int
}

func newBook(instrument string, maxPending int) *book {
	return &book{
		instrument: instrument,
		bids:       newBookSide(domain.SideBid),
		asks:       newBookSide(domain.SideAsk),
		pending:    deque.New[domain.OrderBookUpdate](),
		maxPending: maxPending,
	}
}

func (b *book) side(s domain.Side) *bookSide {
	if s == domain.SideBid {
		return &b.bids
	}
	return &b.asks
}

// apply runs the level-update rule for u. Sequence bookkeeping is left to
// the caller.
func (b *book) apply(u domain.OrderBookUpdate) {
	side := b.side(u.Side)
	if u.Removes() {
		side.remove(u.Price)
		return
	}
	side.set(u.Price, u.Quantity)
}

// enqueue buffers u. When the queue is full the oldest entry is discarded
// and returned with dropped=true.
func (b *book) enqueue(u domain.OrderBookUpdate) (domain.OrderBookUpdate, bool) {
	var (
		oldest  domain.OrderBookUpdate
		dropped bool
	)
	if b.maxPending > 0 && b.pending.Len() >= b.maxPending {
		oldest = b.pending.PopFront()
		dropped = true
	}
	b.pending.PushBack(u)
	return oldest, dropped
}

// install replaces both sides with the snapshot levels and marks the book
// synchronized at the snapshot's sequence.
func (b *book) install(snap domain.OrderBookSnapshot) {
	b.bids.clear()
	b.asks.clear()
	for _, lvl := range snap.Bids {
		b.apply(domain.OrderBookUpdate{Side: domain.SideBid, Price: lvl.Price, Quantity: lvl.Quantity, Kind: domain.KindSnapshot})
	}
	for _, lvl := range snap.Asks {
		b.apply(domain.OrderBookUpdate{Side: domain.SideAsk, Price: lvl.Price, Quantity: lvl.Quantity, Kind: domain.KindSnapshot})
	}
	b.lastApplied = snap.Sequence
	b.hasSequence = true
	b.synced = true
	b.frozen = snap.Frozen
}

// drain replays every buffered update newer than lastApplied in ascending
// sequence order, exactly once, and empties the queue.
func (b *book) drain() []domain.OrderBookUpdate {
	if b.pending.Len() == 0 {
		return nil
	}
	queued := make([]domain.OrderBookUpdate, 0, b.pending.Len())
	for b.pending.Len() > 0 {
		queued = append(queued, b.pending.PopFront())
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].Sequence < queued[j].Sequence
	})

	var applied []domain.OrderBookUpdate
	for _, u := range queued {
		if u.Sequence <= b.lastApplied {
			continue
		}
		b.apply(u)
		b.lastApplied = u.Sequence
		applied = append(applied, u)
	}
	return applied
}

// reset returns the book to its initial, unsynchronized state.
func (b *book) reset() {
	b.bids.clear()
	b.asks.clear()
	b.pending.Clear()
	b.lastApplied = 0
	b.hasSequence = false
	b.synced = false
	b.frozen = false
}

func (b *book) view(depth int) domain.BookView {
	return domain.BookView{
		Instrument:   b.instrument,
		Bids:         b.bids.copyTop(depth),
		Asks:         b.asks.copyTop(depth),
		Synchronized: b.synced,
		LastSequence: b.lastApplied,
		HasSequence:  b.hasSequence,
		Frozen:       b.frozen,
		UpdatedAt:    b.updatedAt,
	}
}
