package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func stringify(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.(string)
	}
	return out
}

func TestClientKey(t *testing.T) {
	c := Wrap(nil, "")
	assert.Equal(t, "marketsync:book:BTC_ETH:bids", c.Key("book", "BTC_ETH", "bids"))
	assert.Equal(t, "x:lock:checkpoint", Wrap(nil, "x").Key("lock", "checkpoint"))
}

func TestParseLevelsKeepsOrderAndExactPrices(t *testing.T) {
	zs := []redis.Z{
		{Score: 0.1, Member: "0.10000000000000000001"},
		{Score: 0.09, Member: "0.09"},
		{Score: 0, Member: "junk"},
		{Score: 0.08, Member: 8},
	}
	sizes := map[string]string{"0.10000000000000000001": "3", "0.09": "1.5"}

	got := parseLevels(zs, sizes)
	require.Len(t, got, 2)
	assert.True(t, got[0].Price.Equal(dec("0.10000000000000000001")))
	assert.True(t, got[0].Quantity.Equal(dec("3")))
	assert.True(t, got[1].Price.Equal(dec("0.09")))
}

func TestBookMetaRoundTrip(t *testing.T) {
	in := domain.BookView{
		LastSequence: 42,
		HasSequence:  true,
		Synchronized: true,
		UpdatedAt:    time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC),
	}
	var out domain.BookView
	require.NoError(t, parseBookMeta(stringify(bookMeta(in)), &out))
	assert.Equal(t, in, out)

	assert.Error(t, parseBookMeta(map[string]string{"seq": "x"}, &out))
}

func TestTickerHashRoundTrip(t *testing.T) {
	in := domain.TickerSnapshot{
		TickerFields: domain.TickerFields{
			Instrument: "BTC_ETH", ID: 148, Last: dec("0.0251"), LowestAsk: dec("0.0252"),
			HighestBid: dec("0.025"), PercentChange: dec("-0.01"), BaseVolume: dec("10"),
			QuoteVolume: dec("400"), IsFrozen: true, High24h: dec("0.026"), Low24h: dec("0.024"),
		},
		UpdatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	out, err := parseTickerHash("BTC_ETH", stringify(tickerHash(in)))
	require.NoError(t, err)
	assert.Equal(t, in.Instrument, out.Instrument)
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.Last.Equal(out.Last))
	assert.True(t, in.PercentChange.Equal(out.PercentChange))
	assert.True(t, out.IsFrozen)
	assert.Equal(t, in.UpdatedAt, out.UpdatedAt)

	_, err = parseTickerHash("BTC_ETH", map[string]string{"last": "abc"})
	assert.Error(t, err)
}

// The tests below need a live server: MARKETSYNC_TEST_REDIS_ADDR=localhost:6379.
func liveClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("MARKETSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MARKETSYNC_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, KeyPrefix: "marketsync-test"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBookCacheLive(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	bc := NewBookCache(c, time.Minute)

	view := domain.BookView{
		Instrument:   "BTC_ETH",
		Bids:         []domain.PriceLevel{{Price: dec("100"), Quantity: dec("5")}, {Price: dec("99"), Quantity: dec("3")}},
		Asks:         []domain.PriceLevel{{Price: dec("101"), Quantity: dec("4")}},
		Synchronized: true,
		LastSequence: 11,
		HasSequence:  true,
	}
	require.NoError(t, bc.SetBook(ctx, view))

	got, err := bc.GetBook(ctx, "BTC_ETH")
	require.NoError(t, err)
	require.Len(t, got.Bids, 2)
	assert.True(t, got.Bids[0].Price.Equal(dec("100")))
	assert.Equal(t, int64(11), got.LastSequence)

	_, err = bc.GetBook(ctx, "NOPE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLockManagerLive(t *testing.T) {
	c := liveClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "test", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "test", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "test", time.Minute)
	require.NoError(t, err)
	again()
}

func TestOptions(t *testing.T) {
	o := options(ClientConfig{Addr: "cache.internal:6380", PoolSize: 7, TLSEnabled: true})
	assert.Equal(t, 7, o.PoolSize)
	assert.Equal(t, "marketsync", o.ClientName)
	require.NotNil(t, o.TLSConfig)
	assert.Equal(t, "cache.internal", o.TLSConfig.ServerName)

	assert.Nil(t, options(ClientConfig{Addr: "localhost:6379"}).TLSConfig)
}
