package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TickerFields is one raw ticker record, as delivered by either the REST
// ticker snapshot or the ticker push stream.
type TickerFields struct {
	Instrument    string          `json:"instrument"`
	ID            int64           `json:"id"`
	Last          decimal.Decimal `json:"last"`
	LowestAsk     decimal.Decimal `json:"lowest_ask"`
	HighestBid    decimal.Decimal `json:"highest_bid"`
	PercentChange decimal.Decimal `json:"percent_change"`
	BaseVolume    decimal.Decimal `json:"base_volume"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	IsFrozen      bool            `json:"is_frozen"`
	High24h       decimal.Decimal `json:"high_24h"`
	Low24h        decimal.Decimal `json:"low_24h"`

	// Missing marks optional fields the source did not send. Their zero
	// values above carry no information.
	Missing TickerField `json:"-"`
}

// TickerField is a bit set over the optional ticker fields.
type TickerField uint16

const (
	FieldLowestAsk TickerField = 1 << iota
	FieldHighestBid
	FieldPercentChange
	FieldBaseVolume
	FieldQuoteVolume
	FieldHigh24h
	FieldLow24h
)

// Has reports whether field was provided.
func (f TickerFields) Has(field TickerField) bool {
	return f.Missing&field == 0
}

// Over returns f with every missing field taken from prev.
func (f TickerFields) Over(prev TickerFields) TickerFields {
	out := f
	pick := func(field TickerField, dst *decimal.Decimal, old decimal.Decimal) {
		if !f.Has(field) {
			*dst = old
		}
	}
	pick(FieldLowestAsk, &out.LowestAsk, prev.LowestAsk)
	pick(FieldHighestBid, &out.HighestBid, prev.HighestBid)
	pick(FieldPercentChange, &out.PercentChange, prev.PercentChange)
	pick(FieldBaseVolume, &out.BaseVolume, prev.BaseVolume)
	pick(FieldQuoteVolume, &out.QuoteVolume, prev.QuoteVolume)
	pick(FieldHigh24h, &out.High24h, prev.High24h)
	pick(FieldLow24h, &out.Low24h, prev.Low24h)
	out.Missing = 0
	return out
}

// Validate checks the fields every merge depends on.
func (f TickerFields) Validate() error {
	if f.Instrument == "" {
		return fmt.Errorf("%w: ticker without instrument", ErrMalformedUpdate)
	}
	return nil
}

// Observation derives the history entry recorded for f at time t.
func (f TickerFields) Observation(t time.Time) TickerObservation {
	return TickerObservation{
		Time:       t,
		Last:       f.Last,
		LowestAsk:  f.LowestAsk,
		HighestBid: f.HighestBid,
		BaseVolume: f.BaseVolume,
	}
}

// TickerObservation is one point of a ticker's history.
type TickerObservation struct {
	Time       time.Time       `json:"time"`
	Last       decimal.Decimal `json:"last"`
	LowestAsk  decimal.Decimal `json:"lowest_ask"`
	HighestBid decimal.Decimal `json:"highest_bid"`
	BaseVolume decimal.Decimal `json:"base_volume"`
}

// TickerSnapshot is a detached copy of a ticker, safe to hand to readers.
type TickerSnapshot struct {
	TickerFields
	History   []TickerObservation `json:"history,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Candle is an OHLC bucket built from ticker history.
type Candle struct {
	Time  time.Time       `json:"time"`
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
	Count int             `json:"count"`
}
