package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/candle"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// TickerHistory provides the ticker snapshots to archive.
// *ticker.Registry satisfies it.
type TickerHistory interface {
	Snapshots(withHistory bool) []domain.TickerSnapshot
}

type multipartPutter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// CandleArchiver uploads candles built from ticker history. Each run only
// covers observations newer than the previous run for that instrument.
type CandleArchiver struct {
	writer  domain.BlobWriter
	tickers TickerHistory
	prefix  string
	period  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	since map[string]time.Time
}

// NewCandleArchiver creates a CandleArchiver writing under prefix.
func NewCandleArchiver(writer domain.BlobWriter, tickers TickerHistory, prefix string, period time.Duration, logger *slog.Logger) *CandleArchiver {
	if prefix == "" {
		prefix = "candles"
	}
	return &CandleArchiver{
		writer:  writer,
		tickers: tickers,
		prefix:  prefix,
		period:  period,
		logger:  logger.With(slog.String("component", "candle_archiver")),
		now:     time.Now,
		since:   make(map[string]time.Time),
	}
}

// Archive writes one document per instrument with new observations and
// returns how many were written. Failed uploads are retried next run.
func (a *CandleArchiver) Archive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	written := 0
	var errs []error

	for _, snap := range a.tickers.Snapshots(true) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		fresh := newerThan(snap.History, a.since[snap.Instrument])
		if len(fresh) == 0 {
			continue
		}

		doc := domain.CandleArchive{
			Instrument:  snap.Instrument,
			Period:      a.period.String(),
			From:        fresh[0].Time,
			To:          fresh[len(fresh)-1].Time,
			GeneratedAt: now,
			Candles:     candle.Build(fresh, a.period),
		}
		buf, err := json.Marshal(doc)
		if err != nil {
			errs = append(errs, fmt.Errorf("s3blob: marshal candles %s: %w", snap.Instrument, err))
			continue
		}

		path := ArchivePath(a.prefix, snap.Instrument, now)
		if err := a.upload(ctx, path, buf); err != nil {
			errs = append(errs, err)
			continue
		}
		a.since[snap.Instrument] = doc.To
		written++
		a.logger.DebugContext(ctx, "candles archived",
			slog.String("instrument", snap.Instrument),
			slog.String("path", path),
			slog.Int("candles", len(doc.Candles)),
		)
	}

	return written, errors.Join(errs...)
}

func (a *CandleArchiver) upload(ctx context.Context, path string, buf []byte) error {
	if mp, ok := a.writer.(multipartPutter); ok && len(buf) > multipartThreshold {
		return mp.PutMultipart(ctx, path, bytes.NewReader(buf), "application/json", minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), "application/json")
}

func newerThan(history []domain.TickerObservation, since time.Time) []domain.TickerObservation {
	for i, obs := range history {
		if obs.Time.After(since) {
			return history[i:]
		}
	}
	return nil
}

// ArchivePath builds the key for an archive document:
//
//	{prefix}/{instrument}/2025/01/31/235959.json
func ArchivePath(prefix, instrument string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%s/%s.json", prefix, instrument, at.Format("2006/01/02/150405"))
}

// InstrumentPrefix is the listing prefix for one instrument's archives.
func InstrumentPrefix(prefix, instrument string) string {
	if prefix == "" {
		prefix = "candles"
	}
	return prefix + "/" + instrument + "/"
}
