package poloniex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// TickerChannel is the push channel carrying every instrument's ticker.
const TickerChannel = "ticker"

// flexBool decodes 0/1 given either as a number or a quoted string.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	switch s {
	case "", "null", "0", "false":
		*b = false
		return nil
	case "true":
		*b = true
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("poloniex: bool flag %q: %w", s, err)
	}
	*b = n != 0
	return nil
}

// APIOrderBook is the returnOrderBook response. Each level is
// [price, amount]; either may be a string or a number.
type APIOrderBook struct {
	Asks     [][2]decimal.Decimal `json:"asks"`
	Bids     [][2]decimal.Decimal `json:"bids"`
	IsFrozen flexBool             `json:"isFrozen"`
	Seq      int64                `json:"seq"`
	Error    string               `json:"error"`
}

// ToDomain converts the response for instrument.
func (b *APIOrderBook) ToDomain(instrument string) domain.OrderBookSnapshot {
	snap := domain.OrderBookSnapshot{
		Instrument: instrument,
		Bids:       make([]domain.PriceLevel, 0, len(b.Bids)),
		Asks:       make([]domain.PriceLevel, 0, len(b.Asks)),
		Sequence:   b.Seq,
		Frozen:     bool(b.IsFrozen),
	}
	for _, l := range b.Bids {
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: l[0], Quantity: l[1]})
	}
	for _, l := range b.Asks {
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: l[0], Quantity: l[1]})
	}
	return snap
}

// APITicker is one entry of returnTicker and the payload of ticker pushes.
type APITicker struct {
	CurrencyPair  string              `json:"currencyPair"`
	ID            int64               `json:"id"`
	Last          decimal.NullDecimal `json:"last"`
	LowestAsk     decimal.NullDecimal `json:"lowestAsk"`
	HighestBid    decimal.NullDecimal `json:"highestBid"`
	PercentChange decimal.NullDecimal `json:"percentChange"`
	BaseVolume    decimal.NullDecimal `json:"baseVolume"`
	QuoteVolume   decimal.NullDecimal `json:"quoteVolume"`
	IsFrozen      flexBool            `json:"isFrozen"`
	High24hr      decimal.NullDecimal `json:"high24hr"`
	Low24hr       decimal.NullDecimal `json:"low24hr"`
}

// ToDomain converts t. instrument overrides CurrencyPair when non-empty
// (returnTicker keys its map by pair instead of repeating it).
func (t *APITicker) ToDomain(instrument string) (domain.TickerFields, error) {
	if instrument == "" {
		instrument = t.CurrencyPair
	}
	if instrument == "" {
		return domain.TickerFields{}, fmt.Errorf("%w: ticker without currency pair", domain.ErrMalformedUpdate)
	}
	if !t.Last.Valid {
		return domain.TickerFields{}, fmt.Errorf("%w: ticker %s without last price", domain.ErrMalformedUpdate, instrument)
	}
	return domain.TickerFields{
		Instrument:    instrument,
		ID:            t.ID,
		Last:          t.Last.Decimal,
		LowestAsk:     t.LowestAsk.Decimal,
		HighestBid:    t.HighestBid.Decimal,
		PercentChange: t.PercentChange.Decimal,
		BaseVolume:    t.BaseVolume.Decimal,
		QuoteVolume:   t.QuoteVolume.Decimal,
		IsFrozen:      bool(t.IsFrozen),
		High24h:       t.High24hr.Decimal,
		Low24h:        t.Low24hr.Decimal,
		Missing:       t.missing(),
	}, nil
}

func (t *APITicker) missing() domain.TickerField {
	var m domain.TickerField
	for field, v := range map[domain.TickerField]decimal.NullDecimal{
		domain.FieldLowestAsk:     t.LowestAsk,
		domain.FieldHighestBid:    t.HighestBid,
		domain.FieldPercentChange: t.PercentChange,
		domain.FieldBaseVolume:    t.BaseVolume,
		domain.FieldQuoteVolume:   t.QuoteVolume,
		domain.FieldHigh24h:       t.High24hr,
		domain.FieldLow24h:        t.Low24hr,
	} {
		if !v.Valid {
			m |= field
		}
	}
	return m
}

// Command is sent by the client to (un)subscribe a channel.
type Command struct {
	Command string `json:"command"`
	Channel string `json:"channel"`
}

// PushFrame is the envelope of every message on the push connection.
type PushFrame struct {
	Channel string          `json:"channel"`
	Seq     int64           `json:"seq,omitempty"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BookChange is the data of an order book push frame.
type BookChange struct {
	Type   string              `json:"type"`
	Rate   decimal.NullDecimal `json:"rate"`
	Amount decimal.NullDecimal `json:"amount"`
}

// Push frame types.
const (
	FrameBookModify = "orderBookModify"
	FrameBookRemove = "orderBookRemove"
	FrameSubscribed = "subscribed"
	FrameHeartbeat  = "heartbeat"
)

// BookUpdateFromFrame decodes an order book frame. ok is false for control
// frames that carry no update.
func BookUpdateFromFrame(f PushFrame) (u domain.OrderBookUpdate, ok bool, err error) {
	var kind domain.UpdateKind
	switch f.Type {
	case FrameBookModify:
		kind = domain.KindModify
	case FrameBookRemove:
		kind = domain.KindRemove
	case FrameSubscribed, FrameHeartbeat:
		return domain.OrderBookUpdate{}, false, nil
	default:
		return domain.OrderBookUpdate{}, false, fmt.Errorf("%w: frame type %q", domain.ErrMalformedUpdate, f.Type)
	}

	var c BookChange
	if err := json.Unmarshal(f.Data, &c); err != nil {
		return domain.OrderBookUpdate{}, false, fmt.Errorf("%w: book data: %v", domain.ErrMalformedUpdate, err)
	}
	side, err := domain.ParseSide(c.Type)
	if err != nil {
		return domain.OrderBookUpdate{}, false, err
	}
	if !c.Rate.Valid {
		return domain.OrderBookUpdate{}, false, fmt.Errorf("%w: book change without rate", domain.ErrMalformedUpdate)
	}
	if kind == domain.KindModify && !c.Amount.Valid {
		return domain.OrderBookUpdate{}, false, fmt.Errorf("%w: modify without amount", domain.ErrMalformedUpdate)
	}
	u = domain.OrderBookUpdate{
		Instrument: f.Channel,
		Side:       side,
		Price:      c.Rate.Decimal,
		Quantity:   c.Amount.Decimal,
		Kind:       kind,
		Sequence:   f.Seq,
	}
	if err := u.Validate(); err != nil {
		return domain.OrderBookUpdate{}, false, err
	}
	return u, true, nil
}

// TickerFromFrame decodes a ticker push frame.
func TickerFromFrame(f PushFrame) (domain.TickerFields, bool, error) {
	if f.Type == FrameSubscribed || f.Type == FrameHeartbeat {
		return domain.TickerFields{}, false, nil
	}
	var t APITicker
	if err := json.Unmarshal(f.Data, &t); err != nil {
		return domain.TickerFields{}, false, fmt.Errorf("%w: ticker data: %v", domain.ErrMalformedUpdate, err)
	}
	fields, err := t.ToDomain("")
	if err != nil {
		return domain.TickerFields{}, false, err
	}
	return fields, true, nil
}
