package domain

import (
	"math"
	"time"
)

// PositionStatus tracks the lifecycle of a loan position.
type PositionStatus string

const (
	PositionStatusPending    PositionStatus = "pending"
	PositionStatusActive     PositionStatus = "active"
	PositionStatusRepaid     PositionStatus = "repaid"
	PositionStatusLiquidated PositionStatus = "liquidated"
	PositionStatusClosed     PositionStatus = "closed"
)

// Terminal reports whether the status is final. Terminal positions persist
// for audit and accept no further field mutation.
func (s PositionStatus) Terminal() bool {
	switch s {
	case PositionStatusRepaid, PositionStatusLiquidated, PositionStatusClosed:
		return true
	}
	return false
}

// validPositionTransitions defines the allowed status transitions. Status is
// monotonic: once a position reaches a terminal state it never leaves it.
var validPositionTransitions = map[PositionStatus][]PositionStatus{
	PositionStatusPending: {PositionStatusActive, PositionStatusClosed},
	PositionStatusActive:  {PositionStatusRepaid, PositionStatusLiquidated, PositionStatusClosed},
}

// CanTransition reports whether a position may move from one status to
// another.
func CanTransition(from, to PositionStatus) bool {
	for _, s := range validPositionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Risk thresholds shared by the health-factor updater and the liquidation
// engine. A position with a health factor below WarnHealthFactor is at risk;
// below MinHealthFactor it is liquidatable.
const (
	LiquidationThreshold = 0.80
	MinHealthFactor      = 1.0
	WarnHealthFactor     = 1.2
)

// Position represents one collateralized loan.
type Position struct {
	ID          string
	UserAddress string

	// Loan terms
	Protocol       string
	AdapterAddress string
	TokenSymbol    string
	TokenAddress   string
	AnnualRate     float64 // APR as a fraction, e.g. 0.052
	LTV            float64 // loan-to-value at origination, 0..1

	// Economics
	CollateralAmount   float64
	CollateralValueUSD float64
	BorrowAmount       float64
	PlatformFee        float64
	NetDisbursed       float64
	AccruedInterest    float64
	HealthFactor       float64

	// Chain data
	TxHash      string // immutable once set, unique
	OnChainID   uint64
	BlockNumber *int64
	Network     string

	Status PositionStatus

	// Repayment data
	RepaidAt        *time.Time
	RepaymentTxHash string
	RepaymentAmount *float64

	// Liquidation data
	LiquidatedAt      *time.Time
	LiquidationTxHash string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CurrentDebt returns the principal plus interest accrued through now.
func (p Position) CurrentDebt(now time.Time) float64 {
	return p.BorrowAmount + AccruedInterest(p.BorrowAmount, p.AnnualRate, p.CreatedAt, now)
}

// AtRisk reports whether the position is close enough to the liquidation
// threshold to warrant a user warning.
func (p Position) AtRisk() bool {
	return p.HealthFactor < WarnHealthFactor
}

// Liquidatable reports whether the position may be liquidated.
func (p Position) Liquidatable() bool {
	return p.HealthFactor < MinHealthFactor
}

// ComputeHealthFactor derives the health factor from the risk-adjusted
// collateral value and the outstanding debt. A non-positive debt yields +Inf
// (nothing owed, nothing to liquidate) rather than a division error.
func ComputeHealthFactor(collateralValueUSD, debtUSD float64) float64 {
	if debtUSD <= 0 {
		return math.Inf(1)
	}
	return collateralValueUSD * LiquidationThreshold / debtUSD
}

// AccruedInterest computes simple-APR interest on principal between from and
// to. It returns zero when the window is empty or inverted.
func AccruedInterest(principal, annualRate float64, from, to time.Time) float64 {
	elapsed := to.Sub(from)
	if elapsed <= 0 {
		return 0
	}
	years := elapsed.Hours() / (24 * 365)
	return principal * annualRate * years
}
