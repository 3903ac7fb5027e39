package orderbook

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

const inst = "BTC_ETH"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, qty string) domain.PriceLevel {
	return domain.PriceLevel{Price: dec(price), Quantity: dec(qty)}
}

func upd(side domain.Side, price, qty string, kind domain.UpdateKind, seq int64) domain.OrderBookUpdate {
	return domain.OrderBookUpdate{Instrument: inst, Side: side, Price: dec(price), Quantity: dec(qty), Kind: kind, Sequence: seq}
}

type sourceFunc func(ctx context.Context, instrument string) (domain.OrderBookSnapshot, error)

func (f sourceFunc) FetchOrderBookSnapshot(ctx context.Context, instrument string) (domain.OrderBookSnapshot, error) {
	return f(ctx, instrument)
}

func staticSource(snap domain.OrderBookSnapshot) sourceFunc {
	return func(context.Context, string) (domain.OrderBookSnapshot, error) { return snap, nil }
}

type recorder struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (r *recorder) Publish(ev domain.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []domain.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ChangeEvent, len(r.events))
	copy(out, r.events)
	return out
}

func baseSnapshot(seq int64) domain.OrderBookSnapshot {
	return domain.OrderBookSnapshot{
		Instrument: inst,
		Bids:       []domain.PriceLevel{lvl("100", "5"), lvl("99", "3")},
		Asks:       []domain.PriceLevel{lvl("101", "4")},
		Sequence:   seq,
	}
}

func assertLevels(t *testing.T, want, got []domain.PriceLevel) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Price.Equal(got[i].Price), "price[%d]: want %s got %s", i, want[i].Price, got[i].Price)
		assert.True(t, want[i].Quantity.Equal(got[i].Quantity), "qty[%d]: want %s got %s", i, want[i].Quantity, got[i].Quantity)
	}
}

func TestSynchronizer_RemoveAfterSnapshot(t *testing.T) {
	s := NewSynchronizer(inst, staticSource(baseSnapshot(10)))

	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)

	out, err := s.OnUpdate(upd(domain.SideAsk, "101", "0", domain.KindRemove, 11))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	v := s.View(0)
	assert.Empty(t, v.Asks)
	assertLevels(t, []domain.PriceLevel{lvl("100", "5"), lvl("99", "3")}, v.Bids)
	assert.Equal(t, int64(11), v.LastSequence)
	assert.True(t, v.Synchronized)
}

func TestSynchronizer_GapThenSnapshotReplaysQueued(t *testing.T) {
	snaps := []domain.OrderBookSnapshot{baseSnapshot(10), {
		Instrument: inst,
		Bids:       []domain.PriceLevel{lvl("100", "5")},
		Asks:       []domain.PriceLevel{lvl("102", "1")},
		Sequence:   14,
	}}
	call := 0
	s := NewSynchronizer(inst, sourceFunc(func(context.Context, string) (domain.OrderBookSnapshot, error) {
		snap := snaps[call]
		call++
		return snap, nil
	}))

	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	_, err = s.OnUpdate(upd(domain.SideAsk, "101", "0", domain.KindRemove, 11))
	require.NoError(t, err)

	out, err := s.OnUpdate(upd(domain.SideBid, "98", "7", domain.KindModify, 15))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGap, out)
	assert.False(t, s.Synchronized())
	assert.Equal(t, 1, s.PendingLen())

	v, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Synchronized)
	assert.Equal(t, int64(15), v.LastSequence)
	assertLevels(t, []domain.PriceLevel{lvl("100", "5"), lvl("98", "7")}, v.Bids)
	assertLevels(t, []domain.PriceLevel{lvl("102", "1")}, v.Asks)
	assert.Zero(t, s.PendingLen())
}

func TestSynchronizer_BuffersUntilSnapshot(t *testing.T) {
	s := NewSynchronizer(inst, staticSource(baseSnapshot(10)))

	// Arrival order differs from sequence order on purpose.
	for _, u := range []domain.OrderBookUpdate{
		upd(domain.SideBid, "100", "1", domain.KindModify, 12),
		upd(domain.SideBid, "97", "9", domain.KindModify, 9),
		upd(domain.SideBid, "100", "2", domain.KindModify, 11),
		upd(domain.SideAsk, "101", "8", domain.KindModify, 10),
	} {
		out, err := s.OnUpdate(u)
		require.NoError(t, err)
		assert.Equal(t, OutcomeBuffered, out)
	}
	assert.Equal(t, 4, s.PendingLen())
	_, ok := s.LastSequence()
	assert.False(t, ok)

	v, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)

	// 9 and 10 are covered by the snapshot; 11 then 12 are replayed.
	assert.Equal(t, int64(12), v.LastSequence)
	assertLevels(t, []domain.PriceLevel{lvl("100", "1"), lvl("99", "3")}, v.Bids)
	assertLevels(t, []domain.PriceLevel{lvl("101", "4")}, v.Asks)
	assert.Zero(t, s.PendingLen())
}

func TestSynchronizer_DuplicateIsNoop(t *testing.T) {
	s := NewSynchronizer(inst, staticSource(baseSnapshot(10)))
	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)

	u := upd(domain.SideBid, "99", "6", domain.KindModify, 11)
	out, err := s.OnUpdate(u)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	before := s.View(0)

	out, err = s.OnUpdate(u)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)
	assert.Equal(t, before, s.View(0))
}

func TestSynchronizer_ReplaysEveryBufferedUpdateAboveSnapshot(t *testing.T) {
	rec := &recorder{}
	s := NewSynchronizer(inst, staticSource(baseSnapshot(10)), WithPublisher(rec))

	_, _ = s.OnUpdate(upd(domain.SideBid, "97", "1", domain.KindModify, 14))
	_, _ = s.OnUpdate(upd(domain.SideBid, "98", "2", domain.KindModify, 12))
	_, _ = s.OnUpdate(upd(domain.SideBid, "96", "1", domain.KindModify, 9))

	v, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Synchronized)
	assert.Equal(t, int64(14), v.LastSequence)
	assert.Zero(t, s.PendingLen())
	assertLevels(t, []domain.PriceLevel{lvl("100", "5"), lvl("99", "3"), lvl("98", "2"), lvl("97", "1")}, v.Bids)

	// The next live update continues from the last replayed sequence.
	out, err := s.OnUpdate(upd(domain.SideAsk, "102", "1", domain.KindModify, 15))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
}

func TestSynchronizer_TransportErrorLeavesStateIntact(t *testing.T) {
	fail := true
	s := NewSynchronizer(inst, sourceFunc(func(context.Context, string) (domain.OrderBookSnapshot, error) {
		if fail {
			return domain.OrderBookSnapshot{}, domain.NewTransportError("fetch order book", inst, errors.New("connection refused"))
		}
		return baseSnapshot(10), nil
	}))

	_, _ = s.OnUpdate(upd(domain.SideBid, "98", "1", domain.KindModify, 11))

	_, err := s.LoadSnapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	var te *domain.TransportError
	assert.ErrorAs(t, err, &te)
	assert.False(t, s.Synchronized())
	assert.Equal(t, 1, s.PendingLen())

	fail = false
	v, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Synchronized)
	assert.Equal(t, int64(11), v.LastSequence)
}

func TestSynchronizer_MalformedUpdates(t *testing.T) {
	m := metrics.New()
	s := NewSynchronizer(inst, staticSource(baseSnapshot(10)), WithMetrics(m))
	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	before := s.View(0)

	tests := []struct {
		name string
		u    domain.OrderBookUpdate
	}{
		{"unknown side", upd(domain.SideUnknown, "100", "1", domain.KindModify, 11)},
		{"unknown kind", upd(domain.SideBid, "100", "1", domain.KindUnknown, 11)},
		{"zero sequence", upd(domain.SideBid, "100", "1", domain.KindModify, 0)},
		{"negative quantity", upd(domain.SideBid, "100", "-1", domain.KindModify, 11)},
		{"zero price", upd(domain.SideBid, "0", "1", domain.KindModify, 11)},
		{"other instrument", domain.OrderBookUpdate{Instrument: "BTC_XRP", Side: domain.SideBid, Price: dec("1"), Quantity: dec("1"), Kind: domain.KindModify, Sequence: 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.OnUpdate(tt.u)
			assert.Equal(t, OutcomeMalformed, out)
			assert.ErrorIs(t, err, domain.ErrMalformedUpdate)
		})
	}

	assert.Equal(t, before, s.View(0))
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(m.MalformedMessages.WithLabelValues("orderbook")))
}

func TestSynchronizer_MalformedSnapshotRejected(t *testing.T) {
	snap := baseSnapshot(10)
	snap.Asks = append(snap.Asks, lvl("0", "1"))
	s := NewSynchronizer(inst, staticSource(snap))

	_, err := s.LoadSnapshot(context.Background())
	assert.ErrorIs(t, err, domain.ErrMalformedUpdate)
	assert.False(t, s.Synchronized())
}

func TestSynchronizer_PendingOverflowDropsOldest(t *testing.T) {
	m := metrics.New()
	s := NewSynchronizer(inst, staticSource(baseSnapshot(10)), WithMaxPending(2), WithMetrics(m))

	for seq := int64(11); seq <= 13; seq++ {
		_, err := s.OnUpdate(upd(domain.SideBid, "98", "1", domain.KindModify, seq))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.PendingLen())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PendingDropped.WithLabelValues(inst)))

	// 11 was dropped; what is left above the snapshot is still replayed.
	v, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Synchronized)
	assert.Equal(t, int64(13), v.LastSequence)
	assert.Zero(t, s.PendingLen())
}

func TestSynchronizer_OlderSnapshotIgnoredWhenSynchronized(t *testing.T) {
	snaps := []domain.OrderBookSnapshot{baseSnapshot(10), baseSnapshot(9)}
	call := 0
	s := NewSynchronizer(inst, sourceFunc(func(context.Context, string) (domain.OrderBookSnapshot, error) {
		snap := snaps[call]
		call++
		return snap, nil
	}))

	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	_, err = s.OnUpdate(upd(domain.SideBid, "98", "1", domain.KindModify, 11))
	require.NoError(t, err)

	v, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(11), v.LastSequence)
	assert.Len(t, v.Bids, 3)
}

func TestSynchronizer_Reset(t *testing.T) {
	s := NewSynchronizer(inst, staticSource(baseSnapshot(10)))
	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	_, _ = s.OnUpdate(upd(domain.SideBid, "98", "1", domain.KindModify, 20))

	s.Reset()

	v := s.View(0)
	assert.Empty(t, v.Bids)
	assert.Empty(t, v.Asks)
	assert.False(t, v.Synchronized)
	assert.False(t, v.HasSequence)
	assert.Zero(t, s.PendingLen())

	out, err := s.OnUpdate(upd(domain.SideBid, "98", "1", domain.KindModify, 21))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, out)
}

func TestSynchronizer_ViewDepthAndOrdering(t *testing.T) {
	s := NewSynchronizer(inst, staticSource(domain.OrderBookSnapshot{
		Bids:     []domain.PriceLevel{lvl("99", "1"), lvl("101", "1"), lvl("100", "1")},
		Asks:     []domain.PriceLevel{lvl("105", "1"), lvl("103", "1"), lvl("104", "1")},
		Sequence: 1,
	}))
	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)

	v := s.View(2)
	assertLevels(t, []domain.PriceLevel{lvl("101", "1"), lvl("100", "1")}, v.Bids)
	assertLevels(t, []domain.PriceLevel{lvl("103", "1"), lvl("104", "1")}, v.Asks)

	// The view is detached from the live book.
	v.Bids[0].Quantity = dec("42")
	assert.True(t, s.View(1).Bids[0].Quantity.Equal(dec("1")))
}

func TestSynchronizer_PublishesChanges(t *testing.T) {
	rec := &recorder{}
	s := NewSynchronizer(inst, staticSource(baseSnapshot(10)), WithPublisher(rec))

	_, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	_, _ = s.OnUpdate(upd(domain.SideBid, "98", "1", domain.KindModify, 11))
	_, _ = s.OnUpdate(upd(domain.SideBid, "98", "1", domain.KindModify, 11))
	_, _ = s.OnUpdate(upd(domain.SideBid, "97", "1", domain.KindModify, 13))

	events := rec.all()
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, domain.EventOrderBookChanged, ev.Kind)
		assert.Equal(t, inst, ev.Instrument)
	}
	assert.True(t, events[0].Synchronized)
	assert.Equal(t, int64(10), events[0].Sequence)
	require.Len(t, events[1].Levels, 1)
	assert.Equal(t, int64(11), events[1].Levels[0].Sequence)
	assert.False(t, events[2].Synchronized)
}

func TestSynchronizer_FetchDoesNotHoldLock(t *testing.T) {
	fetching := make(chan struct{})
	release := make(chan struct{})
	s := NewSynchronizer(inst, sourceFunc(func(ctx context.Context, _ string) (domain.OrderBookSnapshot, error) {
		close(fetching)
		select {
		case <-release:
		case <-ctx.Done():
			return domain.OrderBookSnapshot{}, ctx.Err()
		}
		return baseSnapshot(10), nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.LoadSnapshot(context.Background())
		done <- err
	}()

	<-fetching
	applied := make(chan Outcome, 1)
	go func() {
		out, _ := s.OnUpdate(upd(domain.SideBid, "98", "1", domain.KindModify, 11))
		applied <- out
	}()

	select {
	case out := <-applied:
		assert.Equal(t, OutcomeBuffered, out)
	case <-time.After(2 * time.Second):
		t.Fatal("OnUpdate blocked while a snapshot fetch was in flight")
	}

	close(release)
	require.NoError(t, <-done)
	seq, ok := s.LastSequence()
	assert.True(t, ok)
	assert.Equal(t, int64(11), seq)
}

// The book after a snapshot and an ordered diff run must equal a plain map
// model of the same operations.
func TestSynchronizer_MatchesReferenceModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	prices := []string{"95", "96", "97", "98", "99", "100", "101", "102", "103", "104", "105"}
	qtys := []string{"0", "0.5", "1", "2.25", "3"}

	for round := 0; round < 20; round++ {
		model := map[domain.Side]map[string]decimal.Decimal{
			domain.SideBid: {"100": dec("5"), "99": dec("3")},
			domain.SideAsk: {"101": dec("4")},
		}
		s := NewSynchronizer(inst, staticSource(baseSnapshot(10)))
		_, err := s.LoadSnapshot(context.Background())
		require.NoError(t, err)

		for seq := int64(11); seq < 211; seq++ {
			side := domain.SideBid
			if rng.Intn(2) == 1 {
				side = domain.SideAsk
			}
			price := prices[rng.Intn(len(prices))]
			qty := qtys[rng.Intn(len(qtys))]
			kind := domain.KindModify
			if rng.Intn(5) == 0 {
				kind = domain.KindRemove
			}
			out, err := s.OnUpdate(upd(side, price, qty, kind, seq))
			require.NoError(t, err)
			require.Equal(t, OutcomeApplied, out)

			if kind == domain.KindRemove || dec(qty).IsZero() {
				delete(model[side], dec(price).String())
			} else {
				model[side][dec(price).String()] = dec(qty)
			}
		}

		v := s.View(0)
		for side, levels := range map[domain.Side][]domain.PriceLevel{domain.SideBid: v.Bids, domain.SideAsk: v.Asks} {
			require.Len(t, levels, len(model[side]))
			for i, l := range levels {
				want, ok := model[side][l.Price.String()]
				require.True(t, ok, "unexpected level %s", l.Price)
				assert.True(t, want.Equal(l.Quantity))
				assert.False(t, l.Quantity.IsZero())
				if i > 0 {
					if side == domain.SideBid {
						assert.True(t, levels[i-1].Price.GreaterThan(l.Price))
					} else {
						assert.True(t, levels[i-1].Price.LessThan(l.Price))
					}
				}
			}
		}
	}
}
