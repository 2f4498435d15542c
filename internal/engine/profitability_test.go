package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

type fakeReader struct {
	health  map[uint64]float64
	healthE map[uint64]error
	debt    map[uint64]float64
	cfg     domain.ProtocolConfig
	gas     *big.Int
}

func (f *fakeReader) HealthFactor(_ context.Context, id uint64) (float64, error) {
	if err, ok := f.healthE[id]; ok {
		return 0, err
	}
	return f.health[id], nil
}

func (f *fakeReader) CurrentDebt(_ context.Context, id uint64) (float64, error) {
	return f.debt[id], nil
}

func (f *fakeReader) ProtocolConfig(context.Context) (domain.ProtocolConfig, error) {
	return f.cfg, nil
}

func (f *fakeReader) GasPrice(context.Context) (*big.Int, error) {
	return f.gas, nil
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) SetPrice(_ context.Context, symbol string, price float64, _ time.Time) error {
	f.prices[symbol] = price
	return nil
}

func (f *fakePrices) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	p, ok := f.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

func (f *fakePrices) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func newTestEvaluator(reader *fakeReader, prices *fakePrices) *Evaluator {
	return NewEvaluator(EvaluatorConfig{
		MinProfitUSD: 50,
		GasUnits:     1_000_000,
		NativeSymbol: "ETH",
	}, reader, prices)
}

func TestEvaluateProfitable(t *testing.T) {
	// Collateral worth 2500, 5% bonus, 1700 debt, $10 of gas:
	// 2500 + 125 - 1700 - 10 = 915 profit.
	reader := &fakeReader{
		debt: map[uint64]float64{7: 1700},
		cfg:  domain.ProtocolConfig{LiquidationBonusBps: 500},
		gas:  big.NewInt(5_000_000_000), // 5 gwei * 1M units = 0.005 ETH
	}
	prices := &fakePrices{prices: map[string]float64{"ETH": 2000}}

	pos := domain.Position{
		ID:               "p1",
		OnChainID:        7,
		TokenSymbol:      "ETH",
		CollateralAmount: 1.25,
	}

	cand, err := newTestEvaluator(reader, prices).Evaluate(context.Background(), pos)
	require.NoError(t, err)

	assert.InDelta(t, 2500.0, cand.CollateralValueUSD, 1e-6)
	assert.InDelta(t, 125.0, cand.LiquidationBonusUSD, 1e-6)
	assert.InDelta(t, 10.0, cand.EstimatedGasCostUSD, 1e-6)
	assert.InDelta(t, 915.0, cand.NetProfitUSD, 1e-6)
	assert.True(t, cand.Profitable)
}

func TestEvaluateBelowFloor(t *testing.T) {
	// Nominal profit of 40 stays under the 50 floor.
	reader := &fakeReader{
		debt: map[uint64]float64{7: 2450},
		cfg:  domain.ProtocolConfig{LiquidationBonusBps: 0},
		gas:  big.NewInt(5_000_000_000),
	}
	prices := &fakePrices{prices: map[string]float64{"ETH": 2000}}

	pos := domain.Position{OnChainID: 7, TokenSymbol: "ETH", CollateralAmount: 1.25}
	cand, err := newTestEvaluator(reader, prices).Evaluate(context.Background(), pos)
	require.NoError(t, err)

	assert.InDelta(t, 40.0, cand.NetProfitUSD, 1e-6)
	assert.False(t, cand.Profitable)
}

func TestEvaluateExactlyAtFloorNotProfitable(t *testing.T) {
	// Collateral 2500, no bonus, 2440 debt, $10 of gas nets exactly 50.
	// The floor is exclusive: a liquidation must beat it, not meet it.
	reader := &fakeReader{
		debt: map[uint64]float64{7: 2440},
		cfg:  domain.ProtocolConfig{LiquidationBonusBps: 0},
		gas:  big.NewInt(5_000_000_000),
	}
	prices := &fakePrices{prices: map[string]float64{"ETH": 2000}}

	pos := domain.Position{OnChainID: 7, TokenSymbol: "ETH", CollateralAmount: 1.25}
	cand, err := newTestEvaluator(reader, prices).Evaluate(context.Background(), pos)
	require.NoError(t, err)

	assert.InDelta(t, 50.0, cand.NetProfitUSD, 1e-6)
	assert.False(t, cand.Profitable)
}

func TestEvaluateZeroInputsNotProfitable(t *testing.T) {
	reader := &fakeReader{
		debt: map[uint64]float64{7: 0},
		cfg:  domain.ProtocolConfig{LiquidationBonusBps: 500},
		gas:  big.NewInt(5_000_000_000),
	}
	prices := &fakePrices{prices: map[string]float64{"ETH": 2000}}

	pos := domain.Position{OnChainID: 7, TokenSymbol: "ETH", CollateralAmount: 1.25}
	cand, err := newTestEvaluator(reader, prices).Evaluate(context.Background(), pos)
	require.NoError(t, err)
	assert.False(t, cand.Profitable, "zero debt must never look like free money")
}

func TestEvaluateMissingPrice(t *testing.T) {
	reader := &fakeReader{
		debt: map[uint64]float64{7: 1700},
		gas:  big.NewInt(5_000_000_000),
	}
	prices := &fakePrices{prices: map[string]float64{}}

	pos := domain.Position{OnChainID: 7, TokenSymbol: "WBTC", CollateralAmount: 1}
	_, err := newTestEvaluator(reader, prices).Evaluate(context.Background(), pos)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
