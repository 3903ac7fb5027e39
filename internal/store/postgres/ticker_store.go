package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// TickerStore implements domain.TickerStore. Each save replaces the table
// contents with the given registry snapshot.
type TickerStore struct {
	pool *pgxpool.Pool
}

// NewTickerStore creates a new TickerStore backed by the given connection pool.
func NewTickerStore(pool *pgxpool.Pool) *TickerStore {
	return &TickerStore{pool: pool}
}

// Decimals travel as text so NUMERIC keeps full precision both ways.
const upsertTicker = `
	INSERT INTO tickers (
		instrument, exchange_id, last, lowest_ask, highest_bid,
		percent_change, base_volume, quote_volume, is_frozen,
		high_24h, low_24h, updated_at, checkpointed_at
	) VALUES (
		$1, $2, $3::numeric, $4::numeric, $5::numeric,
		$6::numeric, $7::numeric, $8::numeric, $9,
		$10::numeric, $11::numeric, $12, NOW()
	)
	ON CONFLICT (instrument) DO UPDATE SET
		exchange_id     = EXCLUDED.exchange_id,
		last            = EXCLUDED.last,
		lowest_ask      = EXCLUDED.lowest_ask,
		highest_bid     = EXCLUDED.highest_bid,
		percent_change  = EXCLUDED.percent_change,
		base_volume     = EXCLUDED.base_volume,
		quote_volume    = EXCLUDED.quote_volume,
		is_frozen       = EXCLUDED.is_frozen,
		high_24h        = EXCLUDED.high_24h,
		low_24h         = EXCLUDED.low_24h,
		updated_at      = EXCLUDED.updated_at,
		checkpointed_at = NOW()`

// SaveTickers upserts every ticker and deletes instruments no longer listed,
// in one transaction.
func (s *TickerStore) SaveTickers(ctx context.Context, tickers []domain.TickerSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save tickers: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	instruments := make([]string, 0, len(tickers))
	for _, t := range tickers {
		batch.Queue(upsertTicker, tickerArgs(t)...)
		instruments = append(instruments, t.Instrument)
	}
	batch.Queue(`DELETE FROM tickers WHERE NOT (instrument = ANY($1))`, instruments)
	batch.Queue(`INSERT INTO checkpoints (tickers) VALUES ($1)`, len(tickers))

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("postgres: save tickers: statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: save tickers: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save tickers: commit: %w", err)
	}
	return nil
}

func tickerArgs(t domain.TickerSnapshot) []any {
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return []any{
		t.Instrument, t.ID, t.Last.String(), t.LowestAsk.String(), t.HighestBid.String(),
		t.PercentChange.String(), t.BaseVolume.String(), t.QuoteVolume.String(), t.IsFrozen,
		t.High24h.String(), t.Low24h.String(), updated,
	}
}

// LoadTickers returns the last checkpoint ordered by instrument.
func (s *TickerStore) LoadTickers(ctx context.Context) ([]domain.TickerFields, error) {
	const query = `
		SELECT instrument, exchange_id, last::text, lowest_ask::text, highest_bid::text,
			percent_change::text, base_volume::text, quote_volume::text, is_frozen,
			high_24h::text, low_24h::text
		FROM tickers
		ORDER BY instrument`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load tickers: %w", err)
	}
	defer rows.Close()

	var out []domain.TickerFields
	for rows.Next() {
		f, err := scanTicker(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: load tickers: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load tickers: %w", err)
	}
	return out, nil
}

// LastCheckpoint returns when tickers were last saved, or ErrNotFound.
func (s *TickerStore) LastCheckpoint(ctx context.Context) (time.Time, int, error) {
	var (
		at time.Time
		n  int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT created_at, tickers FROM checkpoints ORDER BY created_at DESC LIMIT 1`,
	).Scan(&at, &n)
	if err == pgx.ErrNoRows {
		return time.Time{}, 0, domain.ErrNotFound
	}
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("postgres: last checkpoint: %w", err)
	}
	return at, n, nil
}

func scanTicker(row pgx.Row) (domain.TickerFields, error) {
	var (
		f   domain.TickerFields
		num [8]string
	)
	if err := row.Scan(
		&f.Instrument, &f.ID, &num[0], &num[1], &num[2],
		&num[3], &num[4], &num[5], &f.IsFrozen,
		&num[6], &num[7],
	); err != nil {
		return domain.TickerFields{}, err
	}

	dst := []*decimal.Decimal{
		&f.Last, &f.LowestAsk, &f.HighestBid,
		&f.PercentChange, &f.BaseVolume, &f.QuoteVolume,
		&f.High24h, &f.Low24h,
	}
	for i, s := range num {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return domain.TickerFields{}, fmt.Errorf("ticker %s: column %d: %w", f.Instrument, i, err)
		}
		*dst[i] = d
	}
	return f, nil
}

// Compile-time interface check.
var _ domain.TickerStore = (*TickerStore)(nil)
