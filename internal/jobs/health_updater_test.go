package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedlyfi/loanbroker/internal/domain"
	"github.com/dedlyfi/loanbroker/internal/queue"
)

type fakeStore struct {
	positions map[string]domain.Position
	saveErrs  map[string]error
}

func (f *fakeStore) Create(_ context.Context, p domain.Position) error {
	f.positions[p.ID] = p
	return nil
}

func (f *fakeStore) Save(_ context.Context, p domain.Position) error {
	if err := f.saveErrs[p.ID]; err != nil {
		return err
	}
	f.positions[p.ID] = p
	return nil
}

func (f *fakeStore) FindByID(_ context.Context, id string) (domain.Position, error) {
	p, ok := f.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) FindByTxHash(_ context.Context, _ string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakeStore) FindActive(_ context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.positions {
		if p.Status == domain.PositionStatusActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) FindByRiskBelow(_ context.Context, _ float64) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeStore) FindTerminalBefore(_ context.Context, _ time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeStore) ListByUser(_ context.Context, _ string, _ domain.PositionFilter) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeStore) Stats(_ context.Context) (domain.PlatformStats, error) {
	return domain.PlatformStats{}, nil
}

type fakeReader struct {
	health  map[uint64]float64
	healthE map[uint64]error
}

func (f *fakeReader) HealthFactor(_ context.Context, id uint64) (float64, error) {
	if err, ok := f.healthE[id]; ok {
		return 0, err
	}
	hf, ok := f.health[id]
	if !ok {
		return 0, errors.New("unknown position")
	}
	return hf, nil
}

func (f *fakeReader) CurrentDebt(_ context.Context, _ uint64) (float64, error) { return 0, nil }

func (f *fakeReader) ProtocolConfig(context.Context) (domain.ProtocolConfig, error) {
	return domain.ProtocolConfig{}, nil
}

func (f *fakeReader) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(0), nil }

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
	out := map[string]float64{}
	for _, s := range symbols {
		if p, ok := f.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

type enqueued struct {
	jobType string
	payload any
	opts    queue.Options
}

type fakeEnqueuer struct {
	jobs []enqueued
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, jobType string, payload any, opts queue.Options) (string, error) {
	f.jobs = append(f.jobs, enqueued{jobType: jobType, payload: payload, opts: opts})
	return "job-1", nil
}

func (f *fakeEnqueuer) byType(jobType string) []enqueued {
	var out []enqueued
	for _, j := range f.jobs {
		if j.jobType == jobType {
			out = append(out, j)
		}
	}
	return out
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activePosition(id string, onChain uint64) domain.Position {
	return domain.Position{
		ID:               id,
		OnChainID:        onChain,
		TokenSymbol:      "ETH",
		CollateralAmount: 1,
		BorrowAmount:     1000,
		Status:           domain.PositionStatusActive,
		CreatedAt:        time.Now().UTC().Add(-time.Hour),
	}
}

func TestRunClassifiesPositions(t *testing.T) {
	store := &fakeStore{positions: map[string]domain.Position{
		"healthy":      activePosition("healthy", 1),
		"at-risk":      activePosition("at-risk", 2),
		"liquidatable": activePosition("liquidatable", 3),
	}}
	reader := &fakeReader{health: map[uint64]float64{1: 1.5, 2: 1.1, 3: 0.9}}
	enq := &fakeEnqueuer{}

	h := NewHealthUpdater(store, reader, &fakePrices{prices: map[string]float64{}}, enq, discard())
	summary, err := h.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Updated)
	assert.Equal(t, 1, summary.AtRisk)
	assert.Equal(t, 1, summary.Liquidatable)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Estimated)

	liqs := enq.byType(domain.JobTypeLiquidation)
	require.Len(t, liqs, 1)
	payload := liqs[0].payload.(domain.LiquidationPayload)
	assert.Equal(t, "liquidatable", payload.PositionID)
	assert.Equal(t, 1, liqs[0].opts.Priority, "liquidations jump the queue")
	assert.Equal(t, 3, liqs[0].opts.MaxAttempts)

	warns := enq.byType(domain.JobTypeNotification)
	require.Len(t, warns, 1)
	assert.Equal(t, "at-risk", warns[0].payload.(domain.NotificationPayload).PositionID)
}

func TestRunContinuesPastFailures(t *testing.T) {
	store := &fakeStore{positions: map[string]domain.Position{
		"ok-1":   activePosition("ok-1", 1),
		"broken": activePosition("broken", 2),
		"ok-2":   activePosition("ok-2", 3),
	}}
	// The broken position fails both on-chain and the price fallback.
	store.positions["broken"] = func(p domain.Position) domain.Position {
		p.TokenSymbol = "UNPRICED"
		return p
	}(store.positions["broken"])

	reader := &fakeReader{
		health:  map[uint64]float64{1: 1.4, 3: 1.4},
		healthE: map[uint64]error{2: errors.New("rpc down")},
	}

	h := NewHealthUpdater(store, reader, &fakePrices{prices: map[string]float64{}}, &fakeEnqueuer{}, discard())
	summary, err := h.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Updated)
	assert.Equal(t, 1, summary.Failed)
}

func TestRunFallsBackToCachedPrices(t *testing.T) {
	pos := activePosition("p1", 1)
	store := &fakeStore{positions: map[string]domain.Position{"p1": pos}}
	reader := &fakeReader{healthE: map[uint64]error{1: errors.New("rpc down")}}
	// 1 ETH at 2000 against 1000 debt: 2000 * 0.80 / ~1000 = ~1.6.
	prices := &fakePrices{prices: map[string]float64{"ETH": 2000}}

	h := NewHealthUpdater(store, reader, prices, &fakeEnqueuer{}, discard())
	summary, err := h.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Estimated)
	assert.InDelta(t, 1.6, store.positions["p1"].HealthFactor, 0.01)
	assert.InDelta(t, 2000.0, store.positions["p1"].CollateralValueUSD, 1e-6,
		"the valuation behind an estimated health factor must be persisted with it")
}

func TestRunSkipsInactivePositions(t *testing.T) {
	repaid := activePosition("repaid", 1)
	repaid.Status = domain.PositionStatusRepaid
	store := &fakeStore{positions: map[string]domain.Position{"repaid": repaid}}

	h := NewHealthUpdater(store, &fakeReader{health: map[uint64]float64{}}, &fakePrices{prices: map[string]float64{}}, &fakeEnqueuer{}, discard())
	summary, err := h.Run(context.Background(), []string{"repaid"})
	require.NoError(t, err)
	assert.Zero(t, summary.Updated)
}
