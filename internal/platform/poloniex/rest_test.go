package poloniex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/metrics"
)

func newTestREST(t *testing.T, h http.HandlerFunc, opts ...RESTOption) *RESTClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]RESTOption{WithRateLimit(1000, 1000)}, opts...)
	return NewRESTClient(srv.URL, opts...)
}

func TestFetchOrderBookSnapshot(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/public", r.URL.Path)
		assert.Equal(t, "returnOrderBook", r.URL.Query().Get("command"))
		assert.Equal(t, "BTC_ETH", r.URL.Query().Get("currencyPair"))
		assert.Equal(t, "5", r.URL.Query().Get("depth"))
		w.Write([]byte(`{"asks":[["0.0301","12.5"],[0.0302,3]],"bids":[["0.0299",8]],"isFrozen":"0","seq":1042}`))
	}, WithDepth(5))

	snap, err := c.FetchOrderBookSnapshot(context.Background(), "BTC_ETH")
	require.NoError(t, err)
	assert.Equal(t, "BTC_ETH", snap.Instrument)
	assert.Equal(t, int64(1042), snap.Sequence)
	assert.False(t, snap.Frozen)
	require.Len(t, snap.Asks, 2)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Asks[0].Price.Equal(decimal.RequireFromString("0.0301")))
	assert.True(t, snap.Asks[1].Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, snap.Bids[0].Quantity.Equal(decimal.NewFromInt(8)))
}

func TestFetchOrderBookSnapshot_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"rate limited", http.StatusTooManyRequests, `slow down`, domain.ErrRateLimited},
		{"not found", http.StatusNotFound, `nope`, domain.ErrNotFound},
		{"server error", http.StatusInternalServerError, `boom`, domain.ErrTransport},
		{"api error", http.StatusOK, `{"error":"Invalid currency pair."}`, domain.ErrTransport},
		{"bad json", http.StatusOK, `{"asks":`, domain.ErrMalformedUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.FetchOrderBookSnapshot(context.Background(), "BTC_ETH")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.ErrorIs(t, err, domain.ErrTransport)

			var te *domain.TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "BTC_ETH", te.Instrument)
		})
	}
}

func TestFetchTickerSnapshot(t *testing.T) {
	m := metrics.New()
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "returnTicker", r.URL.Query().Get("command"))
		w.Write([]byte(`{
			"BTC_XRP":{"id":117,"last":"0.00002","lowestAsk":"0.000021","highestBid":"0.000019","percentChange":"-0.01","baseVolume":"12.1","quoteVolume":"600000","isFrozen":"0","high24hr":"0.000022","low24hr":"0.000018"},
			"BTC_ETH":{"id":148,"last":"0.0251","lowestAsk":"0.0252","highestBid":"0.0250","percentChange":"0.02","baseVolume":"100","quoteVolume":"4000","isFrozen":"1","high24hr":"0.026","low24hr":"0.024"},
			"BTC_BAD":{"id":1}
		}`))
	}, WithRESTMetrics(m))

	got, err := c.FetchTickerSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "BTC_ETH", got[0].Instrument)
	assert.Equal(t, int64(148), got[0].ID)
	assert.True(t, got[0].IsFrozen)
	assert.True(t, got[0].Last.Equal(decimal.RequireFromString("0.0251")))
	assert.True(t, got[0].High24h.Equal(decimal.RequireFromString("0.026")))
	assert.Equal(t, "BTC_XRP", got[1].Instrument)
	assert.False(t, got[1].IsFrozen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.MalformedMessages.WithLabelValues("ticker_snapshot")))
}

func TestFetchTickerSnapshot_CanceledContext(t *testing.T) {
	c := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchTickerSnapshot(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFlexBool(t *testing.T) {
	for in, want := range map[string]bool{`"0"`: false, `"1"`: true, `0`: false, `1`: true, `true`: true, `null`: false} {
		var b flexBool
		require.NoError(t, b.UnmarshalJSON([]byte(in)), in)
		assert.Equal(t, want, bool(b), in)
	}
	var b flexBool
	assert.Error(t, b.UnmarshalJSON([]byte(`"yes"`)))
}
