package domain

import (
	"context"
	"math/big"
)

// ProtocolConfig mirrors the lending contract's on-chain configuration. All
// rates are basis points; the contract is the source of truth and nothing
// here is hard-coded.
type ProtocolConfig struct {
	LiquidationThresholdBps uint64
	LiquidationBonusBps     uint64
	OriginationFeeBps       uint64
	RepaymentFeeBps         uint64
}

// Receipt is the outcome of a confirmed transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// ChainReader queries on-chain loan state. Implementations never mutate
// chain state.
type ChainReader interface {
	// HealthFactor reads the contract's health factor for a position,
	// already scaled to a float (1.0 = liquidation threshold).
	HealthFactor(ctx context.Context, onChainID uint64) (float64, error)
	// CurrentDebt reads principal plus on-chain accrual, in USD.
	CurrentDebt(ctx context.Context, onChainID uint64) (float64, error)
	ProtocolConfig(ctx context.Context) (ProtocolConfig, error)
	// GasPrice returns the current suggested gas price in wei.
	GasPrice(ctx context.Context) (*big.Int, error)
}

// ChainWriter submits liquidation transactions. SubmitLiquidation wraps
// stale-position reverts in ErrStalePosition so callers can distinguish a
// stale local view from a genuine failure. Submissions are serialized per
// signer; reads may run concurrently.
type ChainWriter interface {
	SubmitLiquidation(ctx context.Context, onChainID uint64) (txHash string, err error)
	// WaitConfirmed blocks until the transaction is mined or the context
	// expires.
	WaitConfirmed(ctx context.Context, txHash string) (Receipt, error)
}

// PriceSource resolves a collateral token symbol to its USD price. The
// actual oracle lives outside this subsystem.
type PriceSource interface {
	USDPrice(ctx context.Context, symbol string) (float64, error)
}
