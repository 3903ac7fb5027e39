package service

import (
	"context"
	"log/slog"
	"time"
)

// Archiver writes one batch of archive documents. *s3blob.CandleArchiver
// implements it.
type Archiver interface {
	Archive(ctx context.Context) (int, error)
}

// ArchiveService runs an Archiver on a fixed interval.
type ArchiveService struct {
	archiver Archiver
	interval time.Duration
	logger   *slog.Logger
}

func NewArchiveService(a Archiver, interval time.Duration, logger *slog.Logger) *ArchiveService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ArchiveService{
		archiver: a,
		interval: interval,
		logger:   logger.With(slog.String("component", "archive")),
	}
}

// Run archives every interval until ctx is done. Failed instruments are
// retried on the next tick.
func (s *ArchiveService) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			start := time.Now()
			n, err := s.archiver.Archive(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "archive run failed",
					slog.Int("written", n),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.logger.InfoContext(ctx, "archive run complete",
				slog.Int("written", n),
				slog.Duration("elapsed", time.Since(start)),
			)
		}
	}
}
