package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

const (
	checkpointLockKey = "checkpoint:tickers"

	// AlertCheckpointFailed is raised when a checkpoint write fails.
	AlertCheckpointFailed = "checkpoint_failed"
)

// Alerter receives operator alerts. *notify.Notifier implements it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CheckpointService periodically saves the ticker registry so a cold start
// can recover without the exchange. With a lock manager only one replica
// writes per interval.
type CheckpointService struct {
	tickers  TickerReader
	store    domain.TickerStore
	locks    domain.LockManager
	alerter  Alerter
	interval time.Duration
	logger   *slog.Logger
}

// NewCheckpointService creates a CheckpointService. locks and alerter may be nil.
func NewCheckpointService(
	tickers TickerReader,
	store domain.TickerStore,
	locks domain.LockManager,
	alerter Alerter,
	interval time.Duration,
	logger *slog.Logger,
) *CheckpointService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CheckpointService{
		tickers:  tickers,
		store:    store,
		locks:    locks,
		alerter:  alerter,
		interval: interval,
		logger:   logger.With(slog.String("component", "checkpoint")),
	}
}

// Checkpoint saves the registry once. An empty registry is never saved so a
// fresh process cannot wipe the previous checkpoint. Returns whether a save
// happened.
func (s *CheckpointService) Checkpoint(ctx context.Context) (bool, error) {
	snaps := s.tickers.Snapshots(false)
	if len(snaps) == 0 {
		return false, nil
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, checkpointLockKey, s.interval)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "checkpoint held by another replica")
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("checkpoint: acquire lock: %w", err)
		}
		defer unlock()
	}

	if err := s.store.SaveTickers(ctx, snaps); err != nil {
		return false, fmt.Errorf("checkpoint: save %d tickers: %w", len(snaps), err)
	}
	s.logger.DebugContext(ctx, "tickers checkpointed", slog.Int("count", len(snaps)))
	return true, nil
}

// Run checkpoints every interval and once more on shutdown.
func (s *CheckpointService) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.runOnce(final)
			cancel()
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		}
	}
}

func (s *CheckpointService) runOnce(ctx context.Context) {
	if _, err := s.Checkpoint(ctx); err != nil {
		s.logger.ErrorContext(ctx, "checkpoint failed", slog.String("error", err.Error()))
		if s.alerter != nil {
			_ = s.alerter.Notify(ctx, AlertCheckpointFailed, "Ticker checkpoint failed", err.Error())
		}
	}
}
