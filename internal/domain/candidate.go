package domain

// LiquidationCandidate is the profitability evaluator's verdict on one
// position. It is ephemeral: produced during evaluation, consumed by the
// liquidation executor, never stored.
type LiquidationCandidate struct {
	Position            Position
	CurrentDebtUSD      float64
	CollateralValueUSD  float64
	LiquidationBonusUSD float64
	EstimatedGasCostUSD float64
	NetProfitUSD        float64
	Profitable          bool
}
