// Package candle buckets ticker history into OHLC candles.
//
// A candle opens at the time of the first observation it holds. Later
// observations join it until one arrives more than period after the
// candle's open time, which opens the next candle. Empty intervals produce
// no candles.
package candle

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Periods lists the bucket widths accepted from the outside.
var Periods = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParsePeriod resolves a period name, or any positive Go duration string.
func ParsePeriod(s string) (time.Duration, error) {
	if d, ok := Periods[s]; ok {
		return d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("candle: period %q: %w", s, domain.ErrInvalidPeriod)
	}
	return d, nil
}

// Build buckets history, which must be in time order, into candles of the
// given period using each observation's last price.
func Build(history []domain.TickerObservation, period time.Duration) []domain.Candle {
	var out []domain.Candle
	for _, obs := range history {
		out = Add(out, obs, period)
	}
	return out
}

// Add folds obs into the last candle of candles or starts a new one, and
// returns the updated slice.
func Add(candles []domain.Candle, obs domain.TickerObservation, period time.Duration) []domain.Candle {
	if n := len(candles); n > 0 && obs.Time.Sub(candles[n-1].Time) <= period {
		c := &candles[n-1]
		c.Close = obs.Last
		if obs.Last.LessThan(c.Low) {
			c.Low = obs.Last
		}
		if obs.Last.GreaterThan(c.High) {
			c.High = obs.Last
		}
		c.Count++
		return candles
	}
	return append(candles, domain.Candle{
		Time:  obs.Time,
		Open:  obs.Last,
		High:  obs.Last,
		Low:   obs.Last,
		Close: obs.Last,
		Count: 1,
	})
}
