package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/engine"
	"github.com/dedlyfi/loanbroker/internal/jobs"
	"github.com/dedlyfi/loanbroker/internal/queue"
	"github.com/dedlyfi/loanbroker/internal/scheduler"
	"github.com/dedlyfi/loanbroker/internal/service"
)

// MonitorMode runs the full monitoring loop: scheduled health updates,
// interest accrual, price refresh, liquidation execution, notifications, and
// archival.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return a.runMonitor(ctx, deps, false)
}

// WatchMode runs the same monitoring loop but never submits transactions:
// liquidation opportunities are evaluated and logged only.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode, liquidations will not be submitted")
	return a.runMonitor(ctx, deps, true)
}

func (a *App) runMonitor(ctx context.Context, deps *Dependencies, dryRun bool) error {
	positions := service.NewPositionService(deps.PositionStore, deps.FeeConfigStore, a.logger)
	if stats, err := positions.Stats(ctx); err != nil {
		a.logger.Warn("platform stats unavailable at startup",
			slog.String("error", err.Error()),
		)
	} else {
		a.logger.Info("platform snapshot",
			slog.Int64("total_positions", stats.TotalPositions),
			slog.Int64("active_positions", stats.ActivePositions),
			slog.Int64("at_risk", stats.AtRiskCount),
			slog.Int64("liquidatable", stats.LiquidatableCount),
		)
	}

	a.registerHandlers(deps, dryRun)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Queue.Run(ctx)
	})
	g.Go(func() error {
		a.consumeJobEvents(ctx, deps)
		return nil
	})

	sched := scheduler.New(deps.Queue, scheduler.Intervals{
		HealthUpdate:    a.cfg.Monitor.HealthInterval.Duration,
		InterestAccrual: a.cfg.Monitor.AccrualInterval.Duration,
		PriceRefresh:    a.cfg.Monitor.PriceInterval.Duration,
		Archive:         a.cfg.Monitor.ArchiveInterval.Duration,
	}, a.cfg.Monitor.Symbols, a.logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("app: start schedule: %w", err)
	}

	return g.Wait()
}

// registerHandlers binds every job type to its handler and execution policy.
func (a *App) registerHandlers(deps *Dependencies, dryRun bool) {
	logger := a.logger
	q := deps.Queue

	evaluator := engine.NewEvaluator(engine.EvaluatorConfig{
		MinProfitUSD: a.cfg.Monitor.MinProfitUSD,
		GasUnits:     a.cfg.Monitor.GasUnits,
		NativeSymbol: a.cfg.Monitor.NativeSymbol,
	}, deps.ChainReader, deps.PriceCache)

	health := jobs.NewHealthUpdater(deps.PositionStore, deps.ChainReader, deps.PriceCache, q, logger)
	q.RegisterHandler(domain.JobTypeHealthUpdate, queue.Policy{
		Concurrency: 1,
		MaxAttempts: 1,
		Lease:       2 * time.Minute,
	}, health.Handle)

	accrual := jobs.NewInterestAccrual(deps.PositionStore, logger)
	q.RegisterHandler(domain.JobTypeInterestAccrual, queue.Policy{
		Concurrency: 1,
		MaxAttempts: 1,
		Lease:       2 * time.Minute,
	}, accrual.Handle)

	prices := jobs.NewPriceRefresher(deps.PriceSource, deps.PriceCache, logger)
	q.RegisterHandler(domain.JobTypePriceRefresh, queue.Policy{
		Concurrency: 1,
		MaxAttempts: 2,
		Backoff:     queue.Backoff{Base: 5 * time.Second, Max: 30 * time.Second},
		Lease:       time.Minute,
	}, prices.Handle)

	if dryRun || deps.ChainWriter == nil {
		q.RegisterHandler(domain.JobTypeLiquidation, queue.Policy{
			Concurrency: 1,
			MaxAttempts: 1,
			Lease:       time.Minute,
		}, a.dryRunLiquidation(evaluator, deps))
	} else {
		liquidator := engine.NewLiquidator(
			deps.PositionStore,
			deps.ChainReader,
			deps.ChainWriter,
			deps.LockManager,
			evaluator,
			logger,
		)
		runner := jobs.NewLiquidationRunner(liquidator, deps.PositionStore, q, logger)
		// One liquidation at a time. The per-position lock already guards
		// against double submission, but a single in-flight transaction
		// also keeps nonce management trivial.
		q.RegisterHandler(domain.JobTypeLiquidation, queue.Policy{
			Concurrency: 1,
			MaxAttempts: 3,
			Backoff:     queue.Backoff{Base: 5 * time.Second, Max: time.Minute},
			Lease:       5 * time.Minute,
		}, runner.Handle)
	}

	dispatcher := jobs.NewDispatcher(deps.Notifier, deps.Suppressor, logger)
	q.RegisterHandler(domain.JobTypeNotification, queue.Policy{
		Concurrency: 4,
		MaxAttempts: 1,
		Lease:       time.Minute,
	}, dispatcher.Handle)

	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		archive := jobs.NewArchiveRunner(deps.Archiver, retention, logger)
		q.RegisterHandler(domain.JobTypeArchive, queue.Policy{
			Concurrency: 1,
			MaxAttempts: 1,
			Lease:       10 * time.Minute,
		}, archive.Handle)
	} else {
		q.RegisterHandler(domain.JobTypeArchive, queue.Policy{
			Concurrency: 1,
			MaxAttempts: 1,
			Lease:       time.Minute,
		}, func(ctx context.Context, _ domain.Job) error {
			return nil
		})
	}
}

// dryRunLiquidation evaluates a liquidation candidate and logs the verdict
// without touching the chain.
func (a *App) dryRunLiquidation(evaluator *engine.Evaluator, deps *Dependencies) queue.Handler {
	logger := a.logger.With(slog.String("component", "dry-run-liquidator"))
	return func(ctx context.Context, job domain.Job) error {
		var payload domain.LiquidationPayload
		if err := domain.DecodePayload(job.Payload, &payload); err != nil {
			return err
		}
		pos, err := deps.PositionStore.FindByID(ctx, payload.PositionID)
		if err != nil {
			return err
		}
		cand, err := evaluator.Evaluate(ctx, pos)
		if err != nil {
			return err
		}
		logger.Info("would liquidate",
			slog.String("position_id", pos.ID),
			slog.Float64("health_factor", payload.HealthFactor),
			slog.Float64("net_profit_usd", cand.NetProfitUSD),
			slog.Bool("profitable", cand.Profitable),
		)
		return nil
	}
}

// consumeJobEvents drains the queue's lifecycle event stream into the log
// and fans terminal failures out to the notification channels.
func (a *App) consumeJobEvents(ctx context.Context, deps *Dependencies) {
	logger := a.logger.With(slog.String("component", "job-events"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-deps.Queue.Events():
			switch ev.Kind {
			case domain.JobEventCompleted:
				logger.Debug("job completed",
					slog.String("job_id", ev.JobID),
					slog.String("job_type", ev.JobType),
					slog.Int("attempts", ev.Attempts),
				)
			case domain.JobEventStalled:
				logger.Warn("job stalled",
					slog.String("job_id", ev.JobID),
					slog.String("job_type", ev.JobType),
				)
			case domain.JobEventFailed:
				logger.Error("job failed",
					slog.String("job_id", ev.JobID),
					slog.String("job_type", ev.JobType),
					slog.Int("attempts", ev.Attempts),
					slog.String("error", ev.Err),
				)
				if err := deps.Notifier.Notify(ctx, domain.AlertError,
					"Job failed: "+ev.JobType,
					fmt.Sprintf("Job %s (%s) failed after %d attempts: %s", ev.JobID, ev.JobType, ev.Attempts, ev.Err),
				); err != nil {
					logger.Warn("failure notification not delivered",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
