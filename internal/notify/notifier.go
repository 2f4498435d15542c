// Package notify fans operator alerts out to the configured channels.
// Alerts are typed by domain.AlertKind so the event filter and the channel
// senders can key formatting and routing off the kind rather than parsing
// message text.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// Alert is one operator-facing notification.
type Alert struct {
	Kind  domain.AlertKind
	Title string
	Body  string
}

// Sender delivers alerts over one channel (Telegram, Discord, ...).
type Sender interface {
	Send(ctx context.Context, alert Alert) error
	Name() string
}

// Notifier filters alerts by kind and delivers the survivors to every
// sender. A failing sender never blocks delivery to the others.
type Notifier struct {
	senders []Sender
	allowed map[domain.AlertKind]bool
	logger  *slog.Logger
}

// NewNotifier builds a Notifier. kinds is the operator's event filter from
// configuration; an empty filter allows every kind.
func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.AlertKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[domain.AlertKind(strings.TrimSpace(k))] = true
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers one alert to every sender, unless the configured filter
// excludes its kind. Sender failures are joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, kind domain.AlertKind, title, body string) error {
	if len(n.allowed) > 0 && !n.allowed[kind] {
		n.logger.DebugContext(ctx, "alert filtered out",
			slog.String("kind", string(kind)),
		)
		return nil
	}
	if len(n.senders) == 0 {
		return nil
	}

	alert := Alert{Kind: kind, Title: title, Body: body}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, alert); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert delivered",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// icon returns the channel-agnostic marker prepended to an alert title.
func icon(kind domain.AlertKind) string {
	switch kind {
	case domain.AlertHealthWarning:
		return "⚠️" // warning sign
	case domain.AlertLiquidation:
		return "\U0001f528" // hammer
	case domain.AlertError:
		return "❌" // cross mark
	default:
		return "ℹ️" // information
	}
}
