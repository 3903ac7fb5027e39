package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// BookCache implements domain.BookCache using Redis sorted sets and hashes
// for each instrument's book.
//
// Key schema (under the client prefix):
//
//	book:{inst}:bids      - sorted set of bid prices (score = price)
//	book:{inst}:asks      - sorted set of ask prices (score = price)
//	book:{inst}:bid:size  - hash mapping price -> quantity for bids
//	book:{inst}:ask:size  - hash mapping price -> quantity for asks
//	book:{inst}:meta      - hash with seq, has_seq, synced, frozen, ts
type BookCache struct {
	c   *Client
	ttl time.Duration
}

// NewBookCache creates a BookCache. A positive ttl expires books that stop
// being refreshed.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{c: c, ttl: ttl}
}

type bookKeys struct {
	bids, asks, bidSize, askSize, meta string
}

func (bc *BookCache) keys(instrument string) bookKeys {
	return bookKeys{
		bids:    bc.c.Key("book", instrument, "bids"),
		asks:    bc.c.Key("book", instrument, "asks"),
		bidSize: bc.c.Key("book", instrument, "bid", "size"),
		askSize: bc.c.Key("book", instrument, "ask", "size"),
		meta:    bc.c.Key("book", instrument, "meta"),
	}
}

// SetBook atomically replaces the stored book for view.Instrument.
func (bc *BookCache) SetBook(ctx context.Context, view domain.BookView) error {
	k := bc.keys(view.Instrument)
	pipe := bc.c.Underlying().TxPipeline()

	pipe.Del(ctx, k.bids, k.asks, k.bidSize, k.askSize, k.meta)
	addLevels(ctx, pipe, k.bids, k.bidSize, view.Bids)
	addLevels(ctx, pipe, k.asks, k.askSize, view.Asks)
	pipe.HSet(ctx, k.meta, bookMeta(view))

	if bc.ttl > 0 {
		for _, key := range []string{k.bids, k.asks, k.bidSize, k.askSize, k.meta} {
			pipe.Expire(ctx, key, bc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", view.Instrument, err)
	}
	return nil
}

func addLevels(ctx context.Context, pipe redis.Pipeliner, zKey, hKey string, levels []domain.PriceLevel) {
	for _, lvl := range levels {
		price := lvl.Price.String()
		pipe.ZAdd(ctx, zKey, redis.Z{Score: lvl.Price.InexactFloat64(), Member: price})
		pipe.HSet(ctx, hKey, price, lvl.Quantity.String())
	}
}

// GetBook reconstructs a BookView from Redis. It returns domain.ErrNotFound
// if nothing is stored for the instrument.
func (bc *BookCache) GetBook(ctx context.Context, instrument string) (domain.BookView, error) {
	k := bc.keys(instrument)
	pipe := bc.c.Underlying().Pipeline()

	bidsCmd := pipe.ZRevRangeWithScores(ctx, k.bids, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, k.asks, 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, k.bidSize)
	askSizeCmd := pipe.HGetAll(ctx, k.askSize)
	metaCmd := pipe.HGetAll(ctx, k.meta)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.BookView{}, fmt.Errorf("redis: get book %s: %w", instrument, err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return domain.BookView{}, domain.ErrNotFound
	}

	view := domain.BookView{Instrument: instrument}
	if err := parseBookMeta(meta, &view); err != nil {
		return domain.BookView{}, fmt.Errorf("redis: get book %s: %w", instrument, err)
	}

	bidsZ, _ := bidsCmd.Result()
	bidSizes, _ := bidSizeCmd.Result()
	asksZ, _ := asksCmd.Result()
	askSizes, _ := askSizeCmd.Result()
	view.Bids = parseLevels(bidsZ, bidSizes)
	view.Asks = parseLevels(asksZ, askSizes)
	return view, nil
}

func bookMeta(view domain.BookView) map[string]interface{} {
	return map[string]interface{}{
		"seq":     strconv.FormatInt(view.LastSequence, 10),
		"has_seq": strconv.FormatBool(view.HasSequence),
		"synced":  strconv.FormatBool(view.Synchronized),
		"frozen":  strconv.FormatBool(view.Frozen),
		"ts":      strconv.FormatInt(view.UpdatedAt.UnixNano(), 10),
	}
}

func parseBookMeta(meta map[string]string, view *domain.BookView) error {
	var err error
	if s, ok := meta["seq"]; ok {
		if view.LastSequence, err = strconv.ParseInt(s, 10, 64); err != nil {
			return fmt.Errorf("parse seq: %w", err)
		}
	}
	view.HasSequence, _ = strconv.ParseBool(meta["has_seq"])
	view.Synchronized, _ = strconv.ParseBool(meta["synced"])
	view.Frozen, _ = strconv.ParseBool(meta["frozen"])
	if s, ok := meta["ts"]; ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parse ts: %w", err)
		}
		view.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return nil
}

// parseLevels keeps the order of zs. Members that are not valid decimals
// are skipped.
func parseLevels(zs []redis.Z, sizes map[string]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(member)
		if err != nil {
			continue
		}
		qty := decimal.Zero
		if s, ok := sizes[member]; ok {
			qty, _ = decimal.NewFromString(s)
		}
		out = append(out, domain.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
