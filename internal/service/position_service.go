// Package service holds the application-level operations exposed to the API
// layer: position origination, repayment, listing, and platform statistics.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// CreatePositionRequest carries the fields of a newly originated loan as
// confirmed on-chain.
type CreatePositionRequest struct {
	UserAddress    string
	Protocol       string
	AdapterAddress string
	TokenSymbol    string
	TokenAddress   string
	AnnualRate     float64
	LTV            float64

	CollateralAmount   float64
	CollateralValueUSD float64
	BorrowAmount       float64

	TxHash      string
	OnChainID   uint64
	BlockNumber *int64
	Network     string
}

// RepayQuote itemizes what a repayment settles.
type RepayQuote struct {
	Principal       float64
	AccruedInterest float64
	RepaymentFee    float64
	TotalDue        float64
}

// PositionService manages loan positions: origination, repayment, listing,
// and platform statistics.
type PositionService struct {
	positions domain.PositionStore
	fees      domain.FeeConfigStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService.
func NewPositionService(positions domain.PositionStore, fees domain.FeeConfigStore, logger *slog.Logger) *PositionService {
	return &PositionService{
		positions: positions,
		fees:      fees,
		logger:    logger.With(slog.String("component", "position-service")),
	}
}

// Create records a confirmed loan. Creation is idempotent on the funding
// transaction hash: re-submitting the same transaction returns the already
// recorded position instead of a duplicate.
func (s *PositionService) Create(ctx context.Context, req CreatePositionRequest) (domain.Position, error) {
	if req.TxHash == "" || req.UserAddress == "" {
		return domain.Position{}, fmt.Errorf("service: create position: tx hash and user address required: %w", domain.ErrInvalidInput)
	}
	if req.BorrowAmount <= 0 || req.CollateralAmount <= 0 {
		return domain.Position{}, fmt.Errorf("service: create position: amounts must be positive: %w", domain.ErrInvalidInput)
	}

	fee := 0.0
	feeCfg, err := s.fees.ActiveByType(ctx, domain.FeeTypeOrigination)
	switch {
	case err == nil:
		fee = feeCfg.Amount(req.BorrowAmount)
	case errors.Is(err, domain.ErrNotFound):
		// No active fee config means no fee, not an error.
	default:
		return domain.Position{}, fmt.Errorf("service: origination fee lookup: %w", err)
	}

	now := time.Now().UTC()
	pos := domain.Position{
		ID:             uuid.New().String(),
		UserAddress:    req.UserAddress,
		Protocol:       req.Protocol,
		AdapterAddress: req.AdapterAddress,
		TokenSymbol:    req.TokenSymbol,
		TokenAddress:   req.TokenAddress,
		AnnualRate:     req.AnnualRate,
		LTV:            req.LTV,

		CollateralAmount:   req.CollateralAmount,
		CollateralValueUSD: req.CollateralValueUSD,
		BorrowAmount:       req.BorrowAmount,
		PlatformFee:        fee,
		NetDisbursed:       req.BorrowAmount - fee,
		HealthFactor:       domain.ComputeHealthFactor(req.CollateralValueUSD, req.BorrowAmount),

		TxHash:      req.TxHash,
		OnChainID:   req.OnChainID,
		BlockNumber: req.BlockNumber,
		Network:     req.Network,

		Status:    domain.PositionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			existing, findErr := s.positions.FindByTxHash(ctx, req.TxHash)
			if findErr != nil {
				return domain.Position{}, fmt.Errorf("service: duplicate position lookup: %w", findErr)
			}
			s.logger.Info("position already recorded for tx",
				slog.String("tx_hash", req.TxHash),
				slog.String("position_id", existing.ID),
			)
			return existing, nil
		}
		return domain.Position{}, fmt.Errorf("service: create position: %w", err)
	}

	s.logger.Info("position created",
		slog.String("position_id", pos.ID),
		slog.String("user", pos.UserAddress),
		slog.Float64("borrowed", pos.BorrowAmount),
		slog.Float64("health_factor", pos.HealthFactor),
	)
	return pos, nil
}

// Quote prices a repayment of the position as of now.
func (s *PositionService) Quote(ctx context.Context, positionID string) (RepayQuote, error) {
	pos, err := s.positions.FindByID(ctx, positionID)
	if err != nil {
		return RepayQuote{}, fmt.Errorf("service: quote %s: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusActive {
		return RepayQuote{}, fmt.Errorf("service: quote %s: %w", positionID, domain.ErrNotActive)
	}
	return s.quote(ctx, pos)
}

func (s *PositionService) quote(ctx context.Context, pos domain.Position) (RepayQuote, error) {
	interest := domain.AccruedInterest(pos.BorrowAmount, pos.AnnualRate, pos.CreatedAt, time.Now().UTC())

	fee := 0.0
	feeCfg, err := s.fees.ActiveByType(ctx, domain.FeeTypeRepayment)
	switch {
	case err == nil:
		fee = feeCfg.Amount(pos.BorrowAmount + interest)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return RepayQuote{}, fmt.Errorf("service: repayment fee lookup: %w", err)
	}

	return RepayQuote{
		Principal:       pos.BorrowAmount,
		AccruedInterest: interest,
		RepaymentFee:    fee,
		TotalDue:        pos.BorrowAmount + interest + fee,
	}, nil
}

// Repay settles a position against its confirmed repayment transaction. Only
// active positions can be repaid; a terminal or unknown position returns
// ErrNotActive or ErrNotFound unchanged so the API layer can map them to
// distinct responses.
func (s *PositionService) Repay(ctx context.Context, positionID, txHash string) (domain.Position, error) {
	if txHash == "" {
		return domain.Position{}, fmt.Errorf("service: repay %s: tx hash required: %w", positionID, domain.ErrInvalidInput)
	}

	pos, err := s.positions.FindByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: repay %s: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusActive {
		return domain.Position{}, fmt.Errorf("service: repay %s: status %s: %w", positionID, pos.Status, domain.ErrNotActive)
	}

	q, err := s.quote(ctx, pos)
	if err != nil {
		return domain.Position{}, err
	}

	now := time.Now().UTC()
	pos.Status = domain.PositionStatusRepaid
	pos.AccruedInterest = q.AccruedInterest
	pos.RepaidAt = &now
	pos.RepaymentTxHash = txHash
	total := q.TotalDue
	pos.RepaymentAmount = &total

	if err := s.positions.Save(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("service: repay %s: %w", positionID, err)
	}

	s.logger.Info("position repaid",
		slog.String("position_id", pos.ID),
		slog.Float64("total_due", q.TotalDue),
		slog.Float64("interest", q.AccruedInterest),
		slog.Float64("fee", q.RepaymentFee),
	)
	return pos, nil
}

// Get returns one position by id.
func (s *PositionService) Get(ctx context.Context, positionID string) (domain.Position, error) {
	pos, err := s.positions.FindByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: get %s: %w", positionID, err)
	}
	return pos, nil
}

// ListByUser returns a user's positions, newest first, narrowed by the
// filter.
func (s *PositionService) ListByUser(ctx context.Context, userAddress string, f domain.PositionFilter) ([]domain.Position, error) {
	if userAddress == "" {
		return nil, fmt.Errorf("service: list positions: user address required: %w", domain.ErrInvalidInput)
	}
	positions, err := s.positions.ListByUser(ctx, userAddress, f)
	if err != nil {
		return nil, fmt.Errorf("service: list positions for %s: %w", userAddress, err)
	}
	return positions, nil
}

// Stats returns platform-wide aggregates.
func (s *PositionService) Stats(ctx context.Context) (domain.PlatformStats, error) {
	stats, err := s.positions.Stats(ctx)
	if err != nil {
		return domain.PlatformStats{}, fmt.Errorf("service: stats: %w", err)
	}
	return stats, nil
}
