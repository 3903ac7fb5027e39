package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// TickerCache implements domain.TickerCache using one Redis hash per
// instrument at "ticker:{inst}". History is not mirrored.
type TickerCache struct {
	c   *Client
	ttl time.Duration
}

// NewTickerCache creates a TickerCache backed by the given Client.
func NewTickerCache(c *Client, ttl time.Duration) *TickerCache {
	return &TickerCache{c: c, ttl: ttl}
}

func (tc *TickerCache) key(instrument string) string {
	return tc.c.Key("ticker", instrument)
}

// SetTicker stores the latest fields for snap.Instrument.
func (tc *TickerCache) SetTicker(ctx context.Context, snap domain.TickerSnapshot) error {
	key := tc.key(snap.Instrument)
	pipe := tc.c.Underlying().TxPipeline()
	pipe.HSet(ctx, key, tickerHash(snap))
	if tc.ttl > 0 {
		pipe.Expire(ctx, key, tc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", snap.Instrument, err)
	}
	return nil
}

// GetTicker returns domain.ErrNotFound when the key does not exist.
func (tc *TickerCache) GetTicker(ctx context.Context, instrument string) (domain.TickerSnapshot, error) {
	vals, err := tc.c.Underlying().HGetAll(ctx, tc.key(instrument)).Result()
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("redis: get ticker %s: %w", instrument, err)
	}
	if len(vals) == 0 {
		return domain.TickerSnapshot{}, domain.ErrNotFound
	}
	snap, err := parseTickerHash(instrument, vals)
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("redis: get ticker %s: %w", instrument, err)
	}
	return snap, nil
}

// DeleteTicker removes the instrument's hash; deleting a missing key is not
// an error.
func (tc *TickerCache) DeleteTicker(ctx context.Context, instrument string) error {
	if err := tc.c.Underlying().Del(ctx, tc.key(instrument)).Err(); err != nil {
		return fmt.Errorf("redis: delete ticker %s: %w", instrument, err)
	}
	return nil
}

func tickerHash(s domain.TickerSnapshot) map[string]interface{} {
	return map[string]interface{}{
		"id":             strconv.FormatInt(s.ID, 10),
		"last":           s.Last.String(),
		"lowest_ask":     s.LowestAsk.String(),
		"highest_bid":    s.HighestBid.String(),
		"percent_change": s.PercentChange.String(),
		"base_volume":    s.BaseVolume.String(),
		"quote_volume":   s.QuoteVolume.String(),
		"is_frozen":      strconv.FormatBool(s.IsFrozen),
		"high_24h":       s.High24h.String(),
		"low_24h":        s.Low24h.String(),
		"ts":             strconv.FormatInt(s.UpdatedAt.UnixNano(), 10),
	}
}

func parseTickerHash(instrument string, vals map[string]string) (domain.TickerSnapshot, error) {
	snap := domain.TickerSnapshot{TickerFields: domain.TickerFields{Instrument: instrument}}

	decimals := []struct {
		field string
		dst   *decimal.Decimal
	}{
		{"last", &snap.Last},
		{"lowest_ask", &snap.LowestAsk},
		{"highest_bid", &snap.HighestBid},
		{"percent_change", &snap.PercentChange},
		{"base_volume", &snap.BaseVolume},
		{"quote_volume", &snap.QuoteVolume},
		{"high_24h", &snap.High24h},
		{"low_24h", &snap.Low24h},
	}
	for _, d := range decimals {
		s, ok := vals[d.field]
		if !ok {
			continue
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return domain.TickerSnapshot{}, fmt.Errorf("parse %s: %w", d.field, err)
		}
		*d.dst = v
	}

	var err error
	if s, ok := vals["id"]; ok {
		if snap.ID, err = strconv.ParseInt(s, 10, 64); err != nil {
			return domain.TickerSnapshot{}, fmt.Errorf("parse id: %w", err)
		}
	}
	snap.IsFrozen, _ = strconv.ParseBool(vals["is_frozen"])
	if s, ok := vals["ts"]; ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return domain.TickerSnapshot{}, fmt.Errorf("parse ts: %w", err)
		}
		snap.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return snap, nil
}

// Compile-time interface check.
var _ domain.TickerCache = (*TickerCache)(nil)
