package s3blob

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

type memWriter struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if w.fail {
		return errors.New("bucket unavailable")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[path] = b
	return nil
}

type staticHistory []domain.TickerSnapshot

func (s staticHistory) Snapshots(bool) []domain.TickerSnapshot { return s }

func history(t0 time.Time, lasts ...int64) []domain.TickerObservation {
	out := make([]domain.TickerObservation, len(lasts))
	for i, l := range lasts {
		out[i] = domain.TickerObservation{Time: t0.Add(time.Duration(i) * 30 * time.Second), Last: decimal.NewFromInt(l)}
	}
	return out
}

func TestArchivePath(t *testing.T) {
	at := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, "candles/BTC_ETH/2025/01/31/235959.json", ArchivePath("candles", "BTC_ETH", at))
	assert.Equal(t, "candles/BTC_ETH/", InstrumentPrefix("", "BTC_ETH"))
}

func TestCandleArchiver_WritesOnlyNewObservations(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := domain.TickerSnapshot{
		TickerFields: domain.TickerFields{Instrument: "BTC_ETH"},
		History:      history(t0, 10, 11, 12, 9),
	}
	w := &memWriter{}
	a := NewCandleArchiver(w, staticHistory{snap, {TickerFields: domain.TickerFields{Instrument: "EMPTY"}}}, "candles", time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return t0.Add(time.Hour) }

	n, err := a.Archive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	raw, ok := w.objects["candles/BTC_ETH/2025/01/01/010000.json"]
	require.True(t, ok)
	var doc domain.CandleArchive
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "BTC_ETH", doc.Instrument)
	assert.Equal(t, "1m0s", doc.Period)
	require.Len(t, doc.Candles, 2)
	assert.Equal(t, 3, doc.Candles[0].Count)

	// Nothing new since the last run.
	n, err = a.Archive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCandleArchiver_FailedUploadRetried(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := domain.TickerSnapshot{TickerFields: domain.TickerFields{Instrument: "BTC_ETH"}, History: history(t0, 1, 2)}
	w := &memWriter{fail: true}
	a := NewCandleArchiver(w, staticHistory{snap}, "", time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := a.Archive(context.Background())
	assert.Error(t, err)
	assert.Zero(t, n)

	w.fail = false
	n, err = a.Archive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
