package domain

import (
	"context"
)

// TickerStore checkpoints ticker state so a cold start can fall back to the
// last saved registry when the exchange snapshot is unavailable.
type TickerStore interface {
	SaveTickers(ctx context.Context, tickers []TickerSnapshot) error
	LoadTickers(ctx context.Context) ([]TickerFields, error)
}
