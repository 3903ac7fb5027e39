package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSide(t *testing.T) {
	tests := []struct {
		in      string
		want    Side
		wantErr bool
	}{
		{"bid", SideBid, false},
		{"BUY", SideBid, false},
		{" asks ", SideAsk, false},
		{"sell", SideAsk, false},
		{"mid", SideUnknown, true},
	}
	for _, tt := range tests {
		got, err := ParseSide(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrMalformedUpdate, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestOrderBookUpdateJSON(t *testing.T) {
	u := OrderBookUpdate{
		Instrument: "BTC_ETH",
		Side:       SideAsk,
		Price:      decimal.RequireFromString("0.0301"),
		Quantity:   decimal.RequireFromString("2"),
		Kind:       KindRemove,
		Sequence:   42,
	}
	b, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"side":"ask"`)
	assert.Contains(t, string(b), `"kind":"remove"`)

	var back OrderBookUpdate
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, SideAsk, back.Side)
	assert.Equal(t, KindRemove, back.Kind)
	assert.True(t, back.Removes())
}

func TestOrderBookUpdateValidate(t *testing.T) {
	ok := OrderBookUpdate{Side: SideBid, Price: decimal.NewFromInt(1), Quantity: decimal.Zero, Kind: KindModify, Sequence: 1}
	assert.NoError(t, ok.Validate())
	assert.True(t, ok.Removes())

	bad := ok
	bad.Kind = UpdateKind(9)
	assert.True(t, errors.Is(bad.Validate(), ErrMalformedUpdate))
}

func TestBookViewSpread(t *testing.T) {
	v := BookView{
		Bids: []PriceLevel{{Price: decimal.RequireFromString("99.5"), Quantity: decimal.NewFromInt(1)}},
		Asks: []PriceLevel{{Price: decimal.RequireFromString("100.25"), Quantity: decimal.NewFromInt(1)}},
	}
	s, ok := v.Spread()
	require.True(t, ok)
	assert.True(t, s.Equal(decimal.RequireFromString("0.75")))

	_, ok = BookView{}.Spread()
	assert.False(t, ok)
}

func TestTransportError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewTransportError("fetch order book", "BTC_ETH", cause)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "transport: fetch order book BTC_ETH: dial tcp: refused", err.Error())
	assert.NoError(t, NewTransportError("x", "", nil))

	gap := &SequenceGapError{Instrument: "BTC_ETH", Expected: 12, Got: 15}
	assert.ErrorIs(t, gap, ErrSequenceGap)
}
