package candle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

func obs(t0 time.Time, offset time.Duration, last string) domain.TickerObservation {
	return domain.TickerObservation{Time: t0.Add(offset), Last: decimal.RequireFromString(last)}
}

func TestBuild(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	history := []domain.TickerObservation{
		obs(t0, 0, "10"),
		obs(t0, 20*time.Second, "12"),
		obs(t0, 40*time.Second, "9"),
		obs(t0, 60*time.Second, "11"), // exactly one period later: same candle
		obs(t0, 61*time.Second, "13"), // opens the second candle
		obs(t0, 5*time.Minute, "7"),   // gap: third candle, nothing in between
	}

	got := Build(history, time.Minute)
	require.Len(t, got, 3)

	first := got[0]
	assert.Equal(t, t0, first.Time)
	assert.True(t, first.Open.Equal(decimal.NewFromInt(10)))
	assert.True(t, first.High.Equal(decimal.NewFromInt(12)))
	assert.True(t, first.Low.Equal(decimal.NewFromInt(9)))
	assert.True(t, first.Close.Equal(decimal.NewFromInt(11)))
	assert.Equal(t, 4, first.Count)

	assert.Equal(t, t0.Add(61*time.Second), got[1].Time)
	assert.Equal(t, 1, got[1].Count)
	assert.True(t, got[2].Open.Equal(decimal.NewFromInt(7)))
}

func TestBuildEmpty(t *testing.T) {
	assert.Empty(t, Build(nil, time.Minute))
}

func TestAddMatchesBuild(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var history []domain.TickerObservation
	var incremental []domain.Candle
	for i := 0; i < 100; i++ {
		o := obs(t0, time.Duration(i*17)*time.Second, decimal.NewFromInt(int64(i%13)).String())
		history = append(history, o)
		incremental = Add(incremental, o, 5*time.Minute)
	}
	assert.Equal(t, Build(history, 5*time.Minute), incremental)
}

func TestParsePeriod(t *testing.T) {
	d, err := ParsePeriod("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	d, err = ParsePeriod("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	for _, bad := range []string{"", "abc", "-1m", "0s"} {
		_, err := ParsePeriod(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidPeriod, bad)
	}
}
