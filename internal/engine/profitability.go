// Package engine holds the liquidation decision logic: the profitability
// evaluator that decides whether a liquidation is worth submitting, and the
// executor that carries a profitable one through to settlement.
package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// Evaluator defaults. GasUnits approximates a liquidate call; the real cost
// is re-read from the receipt after settlement.
const (
	DefaultMinProfitUSD = 50.0
	DefaultGasUnits     = 300_000
)

const weiPerEther = 1e18

// EvaluatorConfig tunes the profitability gate.
type EvaluatorConfig struct {
	// MinProfitUSD is the floor below which a liquidation is skipped even
	// when nominally profitable.
	MinProfitUSD float64
	// GasUnits is the assumed gas consumption of one liquidate call.
	GasUnits uint64
	// NativeSymbol is the gas token's price symbol, e.g. "ETH".
	NativeSymbol string
}

// Evaluator decides whether liquidating a position clears the profit floor.
// It holds no state beyond its configuration; every input is read fresh per
// evaluation.
type Evaluator struct {
	cfg    EvaluatorConfig
	reader domain.ChainReader
	prices domain.PriceCache
}

// NewEvaluator builds an Evaluator. Zero config fields take the package
// defaults.
func NewEvaluator(cfg EvaluatorConfig, reader domain.ChainReader, prices domain.PriceCache) *Evaluator {
	if cfg.MinProfitUSD <= 0 {
		cfg.MinProfitUSD = DefaultMinProfitUSD
	}
	if cfg.GasUnits == 0 {
		cfg.GasUnits = DefaultGasUnits
	}
	if cfg.NativeSymbol == "" {
		cfg.NativeSymbol = "ETH"
	}
	return &Evaluator{cfg: cfg, reader: reader, prices: prices}
}

// Evaluate prices a liquidation of pos:
//
//	profit = collateral value + liquidation bonus - current debt - gas cost
//
// A candidate is profitable only when profit strictly exceeds the configured
// floor; a liquidation that nets exactly the floor is skipped. Missing
// or zero inputs fail safe: the candidate comes back unprofitable rather
// than erroring the batch.
func (e *Evaluator) Evaluate(ctx context.Context, pos domain.Position) (domain.LiquidationCandidate, error) {
	cand := domain.LiquidationCandidate{Position: pos}

	debt, err := e.reader.CurrentDebt(ctx, pos.OnChainID)
	if err != nil {
		return cand, fmt.Errorf("engine: current debt for %s: %w", pos.ID, err)
	}
	cand.CurrentDebtUSD = debt

	price, _, err := e.prices.GetPrice(ctx, pos.TokenSymbol)
	if err != nil {
		return cand, fmt.Errorf("engine: price for %s: %w", pos.TokenSymbol, err)
	}
	cand.CollateralValueUSD = pos.CollateralAmount * price

	cfg, err := e.reader.ProtocolConfig(ctx)
	if err != nil {
		return cand, fmt.Errorf("engine: protocol config: %w", err)
	}
	cand.LiquidationBonusUSD = cand.CollateralValueUSD * float64(cfg.LiquidationBonusBps) / 10_000

	gasCost, err := e.gasCostUSD(ctx)
	if err != nil {
		return cand, fmt.Errorf("engine: gas cost: %w", err)
	}
	cand.EstimatedGasCostUSD = gasCost

	cand.NetProfitUSD = cand.CollateralValueUSD + cand.LiquidationBonusUSD - cand.CurrentDebtUSD - cand.EstimatedGasCostUSD

	// A zero collateral price or zero debt means stale data, not free
	// money.
	if cand.CollateralValueUSD <= 0 || cand.CurrentDebtUSD <= 0 {
		cand.Profitable = false
		return cand, nil
	}

	cand.Profitable = cand.NetProfitUSD > e.cfg.MinProfitUSD
	return cand, nil
}

// gasCostUSD converts the node's suggested gas price into the USD cost of
// one liquidate call.
func (e *Evaluator) gasCostUSD(ctx context.Context) (float64, error) {
	gasPrice, err := e.reader.GasPrice(ctx)
	if err != nil {
		return 0, err
	}
	nativePrice, _, err := e.prices.GetPrice(ctx, e.cfg.NativeSymbol)
	if err != nil {
		return 0, err
	}

	wei := new(big.Float).SetInt(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(e.cfg.GasUnits)))
	eth, _ := new(big.Float).Quo(wei, big.NewFloat(weiPerEther)).Float64()
	return eth * nativePrice, nil
}
