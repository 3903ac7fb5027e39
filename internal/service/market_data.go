// Package service holds the read side and the background jobs built on the
// in-memory books and ticker registry: query access for the API, mirroring
// into Redis, checkpointing to Postgres and candle archiving to S3.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/alanyoungcy/marketsync/internal/candle"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

// TickerReader is the read surface of the ticker registry.
type TickerReader interface {
	Get(instrument string) (domain.TickerSnapshot, error)
	Snapshots(withHistory bool) []domain.TickerSnapshot
	Instruments() []string
}

// BookReader is the read surface of the order book directory.
type BookReader interface {
	View(instrument string, depth int) (domain.BookView, error)
	Instruments() []string
}

// Instruments lists what the process currently tracks.
type Instruments struct {
	Tickers []string `json:"tickers"`
	Books   []string `json:"books"`
}

// BookStatus is the per-book summary reported by health checks.
type BookStatus struct {
	Instrument   string `json:"instrument"`
	Synchronized bool   `json:"synchronized"`
	LastSequence int64  `json:"last_sequence"`
}

// MarketDataService answers queries against live market state.
type MarketDataService struct {
	tickers       TickerReader
	books         BookReader
	archives      domain.ArchiveStore
	archivePrefix string
}

// NewMarketDataService creates a MarketDataService. archives may be nil when
// S3 archiving is disabled.
func NewMarketDataService(tickers TickerReader, books BookReader, archives domain.ArchiveStore, archivePrefix string) *MarketDataService {
	if archivePrefix == "" {
		archivePrefix = "candles"
	}
	return &MarketDataService{
		tickers:       tickers,
		books:         books,
		archives:      archives,
		archivePrefix: archivePrefix,
	}
}

func (s *MarketDataService) GetTicker(_ context.Context, instrument string) (domain.TickerSnapshot, error) {
	snap, err := s.tickers.Get(instrument)
	if err != nil {
		return domain.TickerSnapshot{}, fmt.Errorf("market_data: get ticker %q: %w", instrument, err)
	}
	snap.History = nil
	return snap, nil
}

// ListTickers returns every ticker without history, sorted by instrument.
func (s *MarketDataService) ListTickers(_ context.Context) []domain.TickerSnapshot {
	return s.tickers.Snapshots(false)
}

// GetOrderBook returns up to depth levels per side; depth <= 0 means all.
func (s *MarketDataService) GetOrderBook(_ context.Context, instrument string, depth int) (domain.BookView, error) {
	view, err := s.books.View(instrument, depth)
	if err != nil {
		return domain.BookView{}, fmt.Errorf("market_data: get order book %q: %w", instrument, err)
	}
	return view, nil
}

func (s *MarketDataService) Instruments(_ context.Context) Instruments {
	return Instruments{
		Tickers: s.tickers.Instruments(),
		Books:   s.books.Instruments(),
	}
}

// Candles buckets the instrument's ticker history. period accepts the names
// in candle.Periods or any positive Go duration.
func (s *MarketDataService) Candles(_ context.Context, instrument, period string) ([]domain.Candle, error) {
	d, err := candle.ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	snap, err := s.tickers.Get(instrument)
	if err != nil {
		return nil, fmt.Errorf("market_data: candles %q: %w", instrument, err)
	}
	return candle.Build(snap.History, d), nil
}

// BookStatuses summarises every tracked book.
func (s *MarketDataService) BookStatuses(_ context.Context) []BookStatus {
	var out []BookStatus
	for _, inst := range s.books.Instruments() {
		v, err := s.books.View(inst, 1)
		if err != nil {
			continue
		}
		out = append(out, BookStatus{Instrument: inst, Synchronized: v.Synchronized, LastSequence: v.LastSequence})
	}
	return out
}

// ArchivesEnabled reports whether ListArchives has a backing store.
func (s *MarketDataService) ArchivesEnabled() bool { return s.archives != nil }

// ListArchives returns the stored candle documents for instrument, newest
// first.
func (s *MarketDataService) ListArchives(ctx context.Context, instrument string) ([]domain.BlobInfo, error) {
	if s.archives == nil {
		return nil, fmt.Errorf("market_data: archives: %w", domain.ErrNotFound)
	}
	prefix := strings.TrimRight(s.archivePrefix, "/") + "/" + instrument + "/"
	items, err := s.archives.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("market_data: list archives %q: %w", instrument, err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Path > items[j].Path })
	return items, nil
}

// LatestArchive returns the most recently written candle document for
// instrument.
func (s *MarketDataService) LatestArchive(ctx context.Context, instrument string) (domain.CandleArchive, error) {
	items, err := s.ListArchives(ctx, instrument)
	if err != nil {
		return domain.CandleArchive{}, err
	}
	if len(items) == 0 {
		return domain.CandleArchive{}, fmt.Errorf("market_data: latest archive %q: %w", instrument, domain.ErrNotFound)
	}
	doc, err := s.archives.ReadArchive(ctx, items[0].Path)
	if err != nil {
		return domain.CandleArchive{}, fmt.Errorf("market_data: latest archive %q: %w", instrument, err)
	}
	return doc, nil
}
