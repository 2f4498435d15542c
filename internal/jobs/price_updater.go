package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// PriceRefresher pulls fresh USD prices from the oracle into the cache. A
// symbol that fails keeps its last cached value until the next refresh.
type PriceRefresher struct {
	source domain.PriceSource
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewPriceRefresher wires the price-refresh handler.
func NewPriceRefresher(source domain.PriceSource, cache domain.PriceCache, logger *slog.Logger) *PriceRefresher {
	return &PriceRefresher{
		source: source,
		cache:  cache,
		logger: logger.With(slog.String("component", "price-refresher")),
	}
}

// Handle is the queue handler for price-refresh jobs.
func (p *PriceRefresher) Handle(ctx context.Context, job domain.Job) error {
	var payload domain.PriceRefreshPayload
	if err := domain.DecodePayload(job.Payload, &payload); err != nil {
		return err
	}

	now := time.Now().UTC()
	refreshed, failed := 0, 0
	for _, symbol := range payload.Symbols {
		price, err := p.source.USDPrice(ctx, symbol)
		if err != nil {
			failed++
			p.logger.Warn("price fetch failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := p.cache.SetPrice(ctx, symbol, price, now); err != nil {
			failed++
			p.logger.Warn("price cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		refreshed++
	}

	p.logger.Info("price refresh complete",
		slog.Int("refreshed", refreshed),
		slog.Int("failed", failed),
	)
	return nil
}
