package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// Embed sidebar colors per alert kind.
const (
	colorWarning = 0xF1C40F // amber
	colorSettled = 0xE67E22 // orange
	colorError   = 0xE74C3C // red
	colorNeutral = 0x95A5A6 // grey
)

// DiscordSender delivers alerts through a Discord webhook, rendered as
// embeds so the alert kind is visible as a color bar.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender builds a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type webhookRequest struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send posts the alert to the webhook. Discord returns 204 No Content on
// success.
func (d *DiscordSender) Send(ctx context.Context, alert Alert) error {
	payload := webhookRequest{
		Embeds: []discordEmbed{{
			Title:       fmt.Sprintf("%s %s", icon(alert.Kind), alert.Title),
			Description: alert.Body,
			Color:       embedColor(alert.Kind),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

func embedColor(kind domain.AlertKind) int {
	switch kind {
	case domain.AlertHealthWarning:
		return colorWarning
	case domain.AlertLiquidation:
		return colorSettled
	case domain.AlertError:
		return colorError
	default:
		return colorNeutral
	}
}
