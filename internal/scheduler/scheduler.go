// Package scheduler owns the canonical recurring job schedule. It is the
// only place that registers repeatable jobs, so the set of periodic work is
// auditable in one file.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/queue"
)

// Registrar is the slice of the queue the scheduler drives.
type Registrar interface {
	RegisterRepeatable(ctx context.Context, key, jobType string, period time.Duration, payload any, opts queue.Options) error
	RemoveRepeatable(ctx context.Context, key string) error
	ListRepeatables(ctx context.Context) ([]string, error)
}

// Intervals configures the period of each recurring job. Zero values take
// the defaults from DefaultIntervals.
type Intervals struct {
	HealthUpdate    time.Duration
	InterestAccrual time.Duration
	PriceRefresh    time.Duration
	Archive         time.Duration
}

// DefaultIntervals returns the production schedule.
func DefaultIntervals() Intervals {
	return Intervals{
		HealthUpdate:    30 * time.Second,
		InterestAccrual: 5 * time.Minute,
		PriceRefresh:    60 * time.Second,
		Archive:         24 * time.Hour,
	}
}

func (iv Intervals) withDefaults() Intervals {
	def := DefaultIntervals()
	if iv.HealthUpdate <= 0 {
		iv.HealthUpdate = def.HealthUpdate
	}
	if iv.InterestAccrual <= 0 {
		iv.InterestAccrual = def.InterestAccrual
	}
	if iv.PriceRefresh <= 0 {
		iv.PriceRefresh = def.PriceRefresh
	}
	if iv.Archive <= 0 {
		iv.Archive = def.Archive
	}
	return iv
}

// Scheduler registers the monitoring schedule against a queue.
type Scheduler struct {
	reg       Registrar
	intervals Intervals
	symbols   []string
	logger    *slog.Logger
}

// New builds a Scheduler. symbols is the token set the price refresh job
// covers.
func New(reg Registrar, intervals Intervals, symbols []string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		reg:       reg,
		intervals: intervals.withDefaults(),
		symbols:   symbols,
		logger:    logger.With(slog.String("component", "scheduler")),
	}
}

type def struct {
	key     string
	jobType string
	period  time.Duration
	payload any
	opts    queue.Options
}

func (s *Scheduler) defs() []def {
	return []def{
		{
			key:     "health-update",
			jobType: domain.JobTypeHealthUpdate,
			period:  s.intervals.HealthUpdate,
			payload: domain.HealthUpdatePayload{},
		},
		{
			key:     "interest-accrual",
			jobType: domain.JobTypeInterestAccrual,
			period:  s.intervals.InterestAccrual,
			payload: domain.InterestAccrualPayload{},
		},
		{
			key:     "price-refresh",
			jobType: domain.JobTypePriceRefresh,
			period:  s.intervals.PriceRefresh,
			payload: domain.PriceRefreshPayload{Symbols: s.symbols},
		},
		{
			key:     "archive",
			jobType: domain.JobTypeArchive,
			period:  s.intervals.Archive,
			payload: domain.ArchivePayload{},
		},
	}
}

// Start clears any repeatable definitions persisted by a previous process,
// then registers the current schedule. Calling Start twice yields the same
// schedule, not a doubled one.
func (s *Scheduler) Start(ctx context.Context) error {
	stale, err := s.reg.ListRepeatables(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list stale schedule: %w", err)
	}
	for _, key := range stale {
		if err := s.reg.RemoveRepeatable(ctx, key); err != nil {
			return fmt.Errorf("scheduler: clear stale schedule: %w", err)
		}
	}

	for _, d := range s.defs() {
		if err := s.reg.RegisterRepeatable(ctx, d.key, d.jobType, d.period, d.payload, d.opts); err != nil {
			return fmt.Errorf("scheduler: register %s: %w", d.key, err)
		}
		s.logger.Info("schedule registered",
			slog.String("job", d.key),
			slog.Duration("period", d.period),
		)
	}
	return nil
}
