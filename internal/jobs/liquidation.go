package jobs

import (
	"context"
	"log/slog"

	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/engine"
	"github.com/dedlyfi/loanbroker/internal/queue"
)

// LiquidationRunner adapts the liquidation executor to the queue and fans a
// settled liquidation out to the notification channel.
type LiquidationRunner struct {
	liquidator *engine.Liquidator
	store      domain.PositionStore
	enq        Enqueuer
	logger     *slog.Logger
}

// NewLiquidationRunner wires the liquidation handler.
func NewLiquidationRunner(
	liquidator *engine.Liquidator,
	store domain.PositionStore,
	enq Enqueuer,
	logger *slog.Logger,
) *LiquidationRunner {
	return &LiquidationRunner{
		liquidator: liquidator,
		store:      store,
		enq:        enq,
		logger:     logger.With(slog.String("component", "liquidation-runner")),
	}
}

// Handle is the queue handler for liquidation jobs. Errors from the executor
// are transient and returned for retry; aborted and terminally failed
// attempts complete the job so the queue never re-runs them.
func (r *LiquidationRunner) Handle(ctx context.Context, job domain.Job) error {
	var payload domain.LiquidationPayload
	if err := domain.DecodePayload(job.Payload, &payload); err != nil {
		r.logger.Error("liquidation payload undecodable, dropping",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	result, err := r.liquidator.Liquidate(ctx, payload.PositionID)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case engine.OutcomeSettled:
		r.notifySettled(ctx, payload)
	case engine.OutcomeAborted:
		r.logger.Info("liquidation aborted",
			slog.String("position_id", payload.PositionID),
			slog.String("reason", result.Reason),
		)
	case engine.OutcomeFailedTerminal:
		// Already logged loudly by the executor. Complete the job so the
		// queue does not burn gas on a repeat.
	}
	return nil
}

func (r *LiquidationRunner) notifySettled(ctx context.Context, payload domain.LiquidationPayload) {
	pos, err := r.store.FindByID(ctx, payload.PositionID)
	if err != nil {
		r.logger.Warn("settled position lookup failed",
			slog.String("position_id", payload.PositionID),
			slog.String("error", err.Error()),
		)
		return
	}
	_, err = r.enq.Enqueue(ctx, domain.JobTypeNotification, domain.NotificationPayload{
		Kind:         domain.AlertLiquidation,
		PositionID:   pos.ID,
		UserAddress:  pos.UserAddress,
		HealthFactor: pos.HealthFactor,
	}, queue.Options{})
	if err != nil {
		r.logger.Error("liquidation notification enqueue failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}
