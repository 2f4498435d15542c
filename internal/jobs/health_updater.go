// Package jobs holds the queue handlers behind each scheduled job type:
// health-factor updates, interest accrual, price refresh, notification
// dispatch, and terminal-position archival.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/queue"
)

// Enqueuer is the slice of the queue handlers use to fan out follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts queue.Options) (string, error)
}

// HealthSummary aggregates one health-update run.
type HealthSummary struct {
	Updated      int
	AtRisk       int
	Liquidatable int
	Failed       int
	// Estimated counts positions whose health factor came from the local
	// price-based recomputation because the on-chain read failed.
	Estimated int
}

// HealthUpdater recomputes health factors for active positions. The contract
// read is authoritative; when it fails the updater falls back to recomputing
// from cached prices so one flaky RPC call does not blind the monitor.
type HealthUpdater struct {
	store  domain.PositionStore
	reader domain.ChainReader
	prices domain.PriceCache
	enq    Enqueuer
	logger *slog.Logger
}

// NewHealthUpdater wires the health-update handler.
func NewHealthUpdater(
	store domain.PositionStore,
	reader domain.ChainReader,
	prices domain.PriceCache,
	enq Enqueuer,
	logger *slog.Logger,
) *HealthUpdater {
	return &HealthUpdater{
		store:  store,
		reader: reader,
		prices: prices,
		enq:    enq,
		logger: logger.With(slog.String("component", "health-updater")),
	}
}

// Handle is the queue handler for health-update jobs.
func (h *HealthUpdater) Handle(ctx context.Context, job domain.Job) error {
	var payload domain.HealthUpdatePayload
	if err := domain.DecodePayload(job.Payload, &payload); err != nil {
		return err
	}
	summary, err := h.Run(ctx, payload.PositionIDs)
	if err != nil {
		return err
	}
	h.logger.Info("health update complete",
		slog.Int("updated", summary.Updated),
		slog.Int("at_risk", summary.AtRisk),
		slog.Int("liquidatable", summary.Liquidatable),
		slog.Int("failed", summary.Failed),
		slog.Int("estimated", summary.Estimated),
	)
	return nil
}

// Run updates health factors for the given position ids, or all active
// positions when ids is empty. One position's failure never aborts the
// batch.
func (h *HealthUpdater) Run(ctx context.Context, ids []string) (HealthSummary, error) {
	var summary HealthSummary

	positions, err := h.loadTargets(ctx, ids)
	if err != nil {
		return summary, err
	}

	for _, pos := range positions {
		if pos.Status != domain.PositionStatusActive {
			continue
		}
		if err := h.updateOne(ctx, pos, &summary); err != nil {
			summary.Failed++
			h.logger.Warn("health update failed for position",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return summary, nil
}

func (h *HealthUpdater) loadTargets(ctx context.Context, ids []string) ([]domain.Position, error) {
	if len(ids) == 0 {
		return h.store.FindActive(ctx)
	}
	positions := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		pos, err := h.store.FindByID(ctx, id)
		if err != nil {
			h.logger.Warn("position lookup failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (h *HealthUpdater) updateOne(ctx context.Context, pos domain.Position, summary *HealthSummary) error {
	hf, collateralUSD, estimated, err := h.healthFactor(ctx, pos)
	if err != nil {
		return err
	}
	if estimated {
		summary.Estimated++
		// The recompute already priced the collateral; keep the stored
		// valuation in step with the health factor derived from it.
		pos.CollateralValueUSD = collateralUSD
	}

	pos.HealthFactor = hf
	if err := h.store.Save(ctx, pos); err != nil {
		return err
	}
	summary.Updated++

	switch {
	case hf < domain.MinHealthFactor:
		summary.Liquidatable++
		h.enqueueLiquidation(ctx, pos, hf)
	case hf < domain.WarnHealthFactor:
		summary.AtRisk++
		h.enqueueWarning(ctx, pos, hf)
	}
	return nil
}

// healthFactor reads the contract, falling back to a local recompute from
// cached prices. It reports the collateral valuation behind a fallback
// result and whether the fallback was used.
func (h *HealthUpdater) healthFactor(ctx context.Context, pos domain.Position) (hf, collateralUSD float64, estimated bool, err error) {
	hf, err = h.reader.HealthFactor(ctx, pos.OnChainID)
	if err == nil {
		return hf, 0, false, nil
	}
	chainErr := err

	price, _, err := h.prices.GetPrice(ctx, pos.TokenSymbol)
	if err != nil {
		return 0, 0, false, chainErr
	}
	collateralUSD = pos.CollateralAmount * price
	debt := pos.CurrentDebt(time.Now().UTC())
	return domain.ComputeHealthFactor(collateralUSD, debt), collateralUSD, true, nil
}

func (h *HealthUpdater) enqueueLiquidation(ctx context.Context, pos domain.Position, hf float64) {
	_, err := h.enq.Enqueue(ctx, domain.JobTypeLiquidation, domain.LiquidationPayload{
		PositionID:   pos.ID,
		OnChainID:    pos.OnChainID,
		HealthFactor: hf,
	}, queue.Options{Priority: 1, MaxAttempts: 3})
	if err != nil {
		h.logger.Error("liquidation enqueue failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Warn("position liquidatable",
		slog.String("position_id", pos.ID),
		slog.Float64("health_factor", hf),
	)
}

func (h *HealthUpdater) enqueueWarning(ctx context.Context, pos domain.Position, hf float64) {
	_, err := h.enq.Enqueue(ctx, domain.JobTypeNotification, domain.NotificationPayload{
		Kind:         domain.AlertHealthWarning,
		PositionID:   pos.ID,
		UserAddress:  pos.UserAddress,
		HealthFactor: hf,
	}, queue.Options{})
	if err != nil {
		h.logger.Error("warning enqueue failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}
