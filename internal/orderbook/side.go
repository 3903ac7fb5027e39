package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// bookSide is the price-keyed level store for one side of one book. Levels
// are kept sorted best-first (bids descending, asks ascending) with at most
// one entry per price and no zero quantities.
type bookSide struct {
	side   domain.Side
	levels []domain.PriceLevel
}

func newBookSide(side domain.Side) bookSide {
	return bookSide{side: side}
}

// better reports whether price a ranks ahead of price b on this side.
func (s *bookSide) better(a, b decimal.Decimal) bool {
	if s.side == domain.SideBid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// search returns the index of price, or the index it would be inserted at.
func (s *bookSide) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].Price, price)
	})
	return i, i < len(s.levels) && s.levels[i].Price.Equal(price)
}

// set inserts or replaces the quantity at price. A zero quantity removes.
func (s *bookSide) set(price, qty decimal.Decimal) {
	if qty.IsZero() {
		s.remove(price)
		return
	}
	i, found := s.search(price)
	if found {
		s.levels[i].Quantity = qty
		return
	}
	s.levels = append(s.levels, domain.PriceLevel{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = domain.PriceLevel{Price: price, Quantity: qty}
}

// remove deletes the level at price; absent prices are a no-op.
func (s *bookSide) remove(price decimal.Decimal) bool {
	i, found := s.search(price)
	if !found {
		return false
	}
	s.levels = append(s.levels[:i], s.levels[i+1:]...)
	return true
}

func (s *bookSide) get(price decimal.Decimal) (decimal.Decimal, bool) {
	i, found := s.search(price)
	if !found {
		return decimal.Zero, false
	}
	return s.levels[i].Quantity, true
}

func (s *bookSide) clear() {
	s.levels = s.levels[:0]
}

func (s *bookSide) len() int {
	return len(s.levels)
}

// copyTop returns a detached copy of the best depth levels; depth <= 0
// copies everything.
func (s *bookSide) copyTop(depth int) []domain.PriceLevel {
	n := len(s.levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]domain.PriceLevel, n)
	copy(out, s.levels[:n])
	return out
}
