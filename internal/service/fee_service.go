package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// FeeService manages the platform fee configuration. Writes deactivate the
// previous record of the same type so exactly one active config per type
// remains authoritative.
type FeeService struct {
	fees   domain.FeeConfigStore
	logger *slog.Logger
}

// NewFeeService creates a FeeService.
func NewFeeService(fees domain.FeeConfigStore, logger *slog.Logger) *FeeService {
	return &FeeService{
		fees:   fees,
		logger: logger.With(slog.String("component", "fee-service")),
	}
}

// Set installs cfg as the active fee for its type. A zero ID gets a fresh
// one assigned.
func (s *FeeService) Set(ctx context.Context, cfg domain.FeeConfig) (domain.FeeConfig, error) {
	if cfg.Percentage < 0 || cfg.Percentage > 100 {
		return domain.FeeConfig{}, fmt.Errorf("service: set fee: percentage out of range: %w", domain.ErrInvalidInput)
	}
	switch cfg.Type {
	case domain.FeeTypeOrigination, domain.FeeTypeRepayment:
	default:
		return domain.FeeConfig{}, fmt.Errorf("service: set fee: unknown type %q: %w", cfg.Type, domain.ErrInvalidInput)
	}

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cfg.Active = true

	if err := s.fees.Upsert(ctx, cfg); err != nil {
		return domain.FeeConfig{}, fmt.Errorf("service: set fee: %w", err)
	}

	s.logger.Info("fee config updated",
		slog.String("type", string(cfg.Type)),
		slog.Float64("percentage", cfg.Percentage),
	)
	return cfg, nil
}

// Active returns the active fee config for the type.
func (s *FeeService) Active(ctx context.Context, t domain.FeeType) (domain.FeeConfig, error) {
	cfg, err := s.fees.ActiveByType(ctx, t)
	if err != nil {
		return domain.FeeConfig{}, fmt.Errorf("service: active fee %s: %w", t, err)
	}
	return cfg, nil
}

// List returns every fee config, active or not.
func (s *FeeService) List(ctx context.Context) ([]domain.FeeConfig, error) {
	cfgs, err := s.fees.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: list fees: %w", err)
	}
	return cfgs, nil
}
