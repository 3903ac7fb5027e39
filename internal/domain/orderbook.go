package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one half of an order book.
type Side int

const (
	SideUnknown Side = iota
	SideBid
	SideAsk
)

func (s Side) String() string {
	switch s {
	case SideBid:
		return "bid"
	case SideAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// ParseSide accepts "bid"/"ask" and the "buy"/"sell" aliases some feeds use.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid", "bids", "buy":
		return SideBid, nil
	case "ask", "asks", "sell":
		return SideAsk, nil
	}
	return SideUnknown, fmt.Errorf("%w: unknown side %q", ErrMalformedUpdate, s)
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(text []byte) error {
	v, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UpdateKind says how an OrderBookUpdate was produced.
type UpdateKind int

const (
	KindUnknown UpdateKind = iota
	KindSnapshot
	KindModify
	KindRemove
)

func (k UpdateKind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindModify:
		return "modify"
	case KindRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// ParseKind parses the names produced by UpdateKind.String.
func ParseKind(s string) (UpdateKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "snapshot":
		return KindSnapshot, nil
	case "modify":
		return KindModify, nil
	case "remove":
		return KindRemove, nil
	}
	return KindUnknown, fmt.Errorf("%w: unknown update kind %q", ErrMalformedUpdate, s)
}

func (k UpdateKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *UpdateKind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// PriceLevel is a single price+quantity entry on one side of a book.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBookUpdate is one sequenced level change from the diff stream.
type OrderBookUpdate struct {
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Kind       UpdateKind      `json:"kind"`
	Sequence   int64           `json:"sequence"`
}

// Removes reports whether applying u deletes its price level.
func (u OrderBookUpdate) Removes() bool {
	return u.Kind == KindRemove || u.Quantity.IsZero()
}

// Validate rejects updates that cannot be applied to a book.
func (u OrderBookUpdate) Validate() error {
	switch {
	case u.Side != SideBid && u.Side != SideAsk:
		return fmt.Errorf("%w: side %d", ErrMalformedUpdate, u.Side)
	case u.Kind == KindUnknown || u.Kind > KindRemove:
		return fmt.Errorf("%w: kind %d", ErrMalformedUpdate, u.Kind)
	case u.Sequence <= 0:
		return fmt.Errorf("%w: sequence %d", ErrMalformedUpdate, u.Sequence)
	case !u.Price.IsPositive():
		return fmt.Errorf("%w: price %s", ErrMalformedUpdate, u.Price)
	case u.Quantity.IsNegative():
		return fmt.Errorf("%w: quantity %s", ErrMalformedUpdate, u.Quantity)
	}
	return nil
}

// OrderBookSnapshot is a full point-in-time book returned by the REST API.
type OrderBookSnapshot struct {
	Instrument string
	Bids       []PriceLevel
	Asks       []PriceLevel
	Sequence   int64
	Frozen     bool
}

// BookView is a detached, read-only copy of an order book. Bids are ordered
// best (highest) first, asks best (lowest) first.
type BookView struct {
	Instrument   string       `json:"instrument"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Synchronized bool         `json:"synchronized"`
	LastSequence int64        `json:"last_sequence"`
	HasSequence  bool         `json:"has_sequence"`
	Frozen       bool         `json:"frozen"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// BestBid returns the highest bid, if any.
func (v BookView) BestBid() (PriceLevel, bool) {
	if len(v.Bids) == 0 {
		return PriceLevel{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (v BookView) BestAsk() (PriceLevel, bool) {
	if len(v.Asks) == 0 {
		return PriceLevel{}, false
	}
	return v.Asks[0], true
}

// Spread is best ask minus best bid; ok is false when either side is empty.
func (v BookView) Spread() (decimal.Decimal, bool) {
	bid, okb := v.BestBid()
	ask, oka := v.BestAsk()
	if !okb || !oka {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}
