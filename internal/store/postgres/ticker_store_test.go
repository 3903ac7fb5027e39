package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeRow copies values into Scan destinations in order.
type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *int64:
			*p = r.vals[i].(int64)
		case *bool:
			*p = r.vals[i].(bool)
		}
	}
	return nil
}

func TestScanTicker(t *testing.T) {
	row := fakeRow{vals: []any{
		"BTC_ETH", int64(148), "0.0251", "0.0252", "0.025",
		"-0.01", "10", "400", true,
		"0.026", "0.024",
	}}
	f, err := scanTicker(row)
	require.NoError(t, err)
	assert.Equal(t, "BTC_ETH", f.Instrument)
	assert.Equal(t, int64(148), f.ID)
	assert.True(t, f.Last.Equal(dec("0.0251")))
	assert.True(t, f.PercentChange.Equal(dec("-0.01")))
	assert.True(t, f.Low24h.Equal(dec("0.024")))
	assert.True(t, f.IsFrozen)

	row.vals[2] = "NaN?"
	_, err = scanTicker(row)
	assert.Error(t, err)

	_, err = scanTicker(fakeRow{err: errors.New("boom")})
	assert.Error(t, err)
}

func TestTickerArgs(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	args := tickerArgs(domain.TickerSnapshot{
		TickerFields: domain.TickerFields{Instrument: "BTC_ETH", ID: 7, Last: dec("0.10000000000000000001")},
		UpdatedAt:    at,
	})
	require.Len(t, args, 12)
	assert.Equal(t, "BTC_ETH", args[0])
	assert.Equal(t, "0.10000000000000000001", args[2])
	assert.Equal(t, at, args[11])

	args = tickerArgs(domain.TickerSnapshot{TickerFields: domain.TickerFields{Instrument: "X"}})
	assert.False(t, args[11].(time.Time).IsZero())
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/md?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "md", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

// Needs MARKETSYNC_TEST_POSTGRES_DSN pointing at a scratch database.
func TestTickerStoreLive(t *testing.T) {
	dsn := os.Getenv("MARKETSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MARKETSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.RunMigrations(ctx))

	s := NewTickerStore(c.Pool())
	snap := func(inst, last string) domain.TickerSnapshot {
		return domain.TickerSnapshot{TickerFields: domain.TickerFields{Instrument: inst, Last: dec(last)}}
	}

	require.NoError(t, s.SaveTickers(ctx, []domain.TickerSnapshot{snap("BTC_ETH", "0.02"), snap("BTC_XRP", "0.00002")}))
	require.NoError(t, s.SaveTickers(ctx, []domain.TickerSnapshot{snap("BTC_ETH", "0.03")}))

	got, err := s.LoadTickers(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Last.Equal(dec("0.03")))

	_, n, err := s.LastCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPendingMigrations(t *testing.T) {
	all, err := pendingMigrations(migrationsFS, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_tickers.sql", "002_checkpoints.sql"}, all)

	rest, err := pendingMigrations(migrationsFS, []string{"001_tickers.sql"})
	require.NoError(t, err)
	assert.Equal(t, []string{"002_checkpoints.sql"}, rest)
}
