package domain

import (
	"context"
	"time"
)

// PositionFilter narrows user-scoped position listings.
type PositionFilter struct {
	Status   PositionStatus
	Protocol string
	Limit    int
	Offset   int
}

// PlatformStats is a point-in-time aggregate over all positions.
type PlatformStats struct {
	TotalPositions  int64
	ActivePositions int64
	TotalBorrowed   float64
	TotalRepaid     float64
	AtRiskCount     int64
	LiquidatableCount int64
}

// PositionStore persists loan positions. Store unavailability is a transient
// error: implementations propagate it and callers retry per their own job
// policy.
type PositionStore interface {
	// Create inserts a new position. It returns ErrAlreadyExists when a
	// position with the same transaction hash is already recorded.
	Create(ctx context.Context, p Position) error
	// Save replaces all mutable fields of a position. ErrNotFound when the
	// id is unknown.
	Save(ctx context.Context, p Position) error
	FindByID(ctx context.Context, id string) (Position, error)
	FindByTxHash(ctx context.Context, txHash string) (Position, error)
	// FindActive returns every position with status active.
	FindActive(ctx context.Context) ([]Position, error)
	// FindByRiskBelow returns active positions whose health factor is below
	// the threshold, sorted ascending (worst first).
	FindByRiskBelow(ctx context.Context, threshold float64) ([]Position, error)
	// FindTerminalBefore returns positions that reached a terminal state
	// before the cutoff, for archival.
	FindTerminalBefore(ctx context.Context, before time.Time) ([]Position, error)
	ListByUser(ctx context.Context, userAddress string, f PositionFilter) ([]Position, error)
	Stats(ctx context.Context) (PlatformStats, error)
}

// FeeConfigStore persists platform fee configuration.
type FeeConfigStore interface {
	// ActiveByType returns the single authoritative active record for the
	// fee type, or ErrNotFound when no active record exists.
	ActiveByType(ctx context.Context, t FeeType) (FeeConfig, error)
	Upsert(ctx context.Context, cfg FeeConfig) error
	List(ctx context.Context) ([]FeeConfig, error)
}
