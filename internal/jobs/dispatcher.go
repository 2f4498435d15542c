package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/notify"
)

// warnWindow is how long a delivered warning suppresses repeats for the same
// position and kind.
const warnWindow = time.Hour

// Dispatcher delivers user-facing alerts through the configured notification
// channels, deduplicating repeats through the suppressor. Delivery is best
// effort: Handle never returns an error, so a broken notification channel
// cannot clog the queue with retries.
type Dispatcher struct {
	notifier   *notify.Notifier
	suppressor domain.WarnSuppressor
	logger     *slog.Logger
}

// NewDispatcher wires the notification handler.
func NewDispatcher(notifier *notify.Notifier, suppressor domain.WarnSuppressor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier:   notifier,
		suppressor: suppressor,
		logger:     logger.With(slog.String("component", "dispatcher")),
	}
}

// Handle is the queue handler for notification jobs.
func (d *Dispatcher) Handle(ctx context.Context, job domain.Job) error {
	var payload domain.NotificationPayload
	if err := domain.DecodePayload(job.Payload, &payload); err != nil {
		d.logger.Error("notification payload undecodable, dropping",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	key := string(payload.Kind) + ":" + payload.PositionID
	first, err := d.suppressor.Suppress(ctx, key, warnWindow)
	if err != nil {
		// Fail open: a broken suppressor means a duplicate warning, not a
		// missed one.
		d.logger.Warn("suppressor unavailable, sending anyway",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		first = true
	}
	if !first {
		return nil
	}

	title, message := d.render(payload)
	if err := d.notifier.Notify(ctx, payload.Kind, title, message); err != nil {
		d.logger.Error("notification delivery failed",
			slog.String("position_id", payload.PositionID),
			slog.String("kind", string(payload.Kind)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (d *Dispatcher) render(p domain.NotificationPayload) (title, message string) {
	switch p.Kind {
	case domain.AlertHealthWarning:
		title = "Position at risk"
		message = fmt.Sprintf(
			"Position %s (owner %s) health factor dropped to %.3f. Add collateral or repay to avoid liquidation.",
			p.PositionID, p.UserAddress, p.HealthFactor,
		)
	case domain.AlertLiquidation:
		title = "Position liquidated"
		message = fmt.Sprintf(
			"Position %s (owner %s) was liquidated at health factor %.3f.",
			p.PositionID, p.UserAddress, p.HealthFactor,
		)
	default:
		title = string(p.Kind)
		message = fmt.Sprintf("Position %s (owner %s), health factor %.3f.",
			p.PositionID, p.UserAddress, p.HealthFactor,
		)
	}
	return title, message
}
