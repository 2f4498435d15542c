package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// InterestAccrual rolls accrued interest forward on every active position so
// the stored debt view tracks what the contract will charge at repayment.
type InterestAccrual struct {
	store  domain.PositionStore
	logger *slog.Logger
}

// NewInterestAccrual wires the interest-accrual handler.
func NewInterestAccrual(store domain.PositionStore, logger *slog.Logger) *InterestAccrual {
	return &InterestAccrual{
		store:  store,
		logger: logger.With(slog.String("component", "interest-accrual")),
	}
}

// Handle is the queue handler for interest-accrual jobs.
func (a *InterestAccrual) Handle(ctx context.Context, _ domain.Job) error {
	positions, err := a.store.FindActive(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	updated, failed := 0, 0
	for _, pos := range positions {
		accrued := domain.AccruedInterest(pos.BorrowAmount, pos.AnnualRate, pos.CreatedAt, now)
		if accrued == pos.AccruedInterest {
			continue
		}
		pos.AccruedInterest = accrued
		if err := a.store.Save(ctx, pos); err != nil {
			failed++
			a.logger.Warn("accrual save failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		updated++
	}

	a.logger.Info("interest accrual complete",
		slog.Int("updated", updated),
		slog.Int("failed", failed),
	)
	return nil
}
