package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// ArchiveScheduler periodically moves cycle history older than a retention
// window to cold storage.
type ArchiveScheduler struct {
	archiver  domain.Archiver
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiveScheduler creates a scheduler. Zero interval defaults to a day,
// zero retention to 30 days.
func NewArchiveScheduler(archiver domain.Archiver, interval, retention time.Duration, logger *slog.Logger) *ArchiveScheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &ArchiveScheduler{
		archiver:  archiver,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "archive_scheduler")),
	}
}

// Cutoff is the instant before which history is archived.
func (s *ArchiveScheduler) Cutoff() time.Time {
	return s.now().UTC().Add(-s.retention).Truncate(time.Hour)
}

// RunOnce archives everything older than Cutoff.
func (s *ArchiveScheduler) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.Cutoff()
	n, err := s.archiver.ArchiveCycles(ctx, cutoff)
	if err != nil {
		return n, err
	}
	s.logger.InfoContext(ctx, "archive run finished",
		slog.Time("cutoff", cutoff),
		slog.Int64("cycles", n),
	)
	return n, nil
}

// Run archives once per interval until ctx is cancelled. Failed runs are
// logged and retried on the next tick.
func (s *ArchiveScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
