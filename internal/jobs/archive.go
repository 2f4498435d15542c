package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// ArchiveRunner moves old terminal positions to blob storage on schedule.
type ArchiveRunner struct {
	archiver  domain.Archiver
	retention time.Duration
	logger    *slog.Logger
}

// NewArchiveRunner wires the archive handler. retention is how long terminal
// positions stay in the hot store before becoming eligible; zero takes 30
// days.
func NewArchiveRunner(archiver domain.Archiver, retention time.Duration, logger *slog.Logger) *ArchiveRunner {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &ArchiveRunner{
		archiver:  archiver,
		retention: retention,
		logger:    logger.With(slog.String("component", "archive-runner")),
	}
}

// Handle is the queue handler for archive jobs. An explicit cutoff in the
// payload wins; otherwise the cutoff is now minus the retention window.
func (r *ArchiveRunner) Handle(ctx context.Context, job domain.Job) error {
	var payload domain.ArchivePayload
	if err := domain.DecodePayload(job.Payload, &payload); err != nil {
		return err
	}

	before := payload.Before
	if before.IsZero() {
		before = time.Now().UTC().Add(-r.retention)
	}

	count, err := r.archiver.ArchivePositions(ctx, before)
	if err != nil {
		return err
	}
	if count > 0 {
		r.logger.Info("archive run complete",
			slog.Int64("archived", count),
			slog.Time("before", before),
		)
	}
	return nil
}
