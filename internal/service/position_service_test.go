package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

type fakePositionStore struct {
	byID     map[string]domain.Position
	byTxHash map[string]domain.Position
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{
		byID:     map[string]domain.Position{},
		byTxHash: map[string]domain.Position{},
	}
}

func (f *fakePositionStore) Create(_ context.Context, p domain.Position) error {
	if _, ok := f.byTxHash[p.TxHash]; ok {
		return domain.ErrAlreadyExists
	}
	f.byID[p.ID] = p
	f.byTxHash[p.TxHash] = p
	return nil
}

func (f *fakePositionStore) Save(_ context.Context, p domain.Position) error {
	if _, ok := f.byID[p.ID]; !ok {
		return domain.ErrNotFound
	}
	f.byID[p.ID] = p
	f.byTxHash[p.TxHash] = p
	return nil
}

func (f *fakePositionStore) FindByID(_ context.Context, id string) (domain.Position, error) {
	p, ok := f.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePositionStore) FindByTxHash(_ context.Context, txHash string) (domain.Position, error) {
	p, ok := f.byTxHash[txHash]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePositionStore) FindActive(_ context.Context) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakePositionStore) FindByRiskBelow(_ context.Context, _ float64) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakePositionStore) FindTerminalBefore(_ context.Context, _ time.Time) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakePositionStore) ListByUser(_ context.Context, user string, _ domain.PositionFilter) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range f.byID {
		if p.UserAddress == user {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePositionStore) Stats(_ context.Context) (domain.PlatformStats, error) {
	return domain.PlatformStats{TotalPositions: int64(len(f.byID))}, nil
}

type fakeFeeStore struct {
	active map[domain.FeeType]domain.FeeConfig
}

func (f *fakeFeeStore) ActiveByType(_ context.Context, t domain.FeeType) (domain.FeeConfig, error) {
	cfg, ok := f.active[t]
	if !ok {
		return domain.FeeConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeFeeStore) Upsert(_ context.Context, cfg domain.FeeConfig) error {
	if f.active == nil {
		f.active = map[domain.FeeType]domain.FeeConfig{}
	}
	f.active[cfg.Type] = cfg
	return nil
}

func (f *fakeFeeStore) List(_ context.Context) ([]domain.FeeConfig, error) {
	var out []domain.FeeConfig
	for _, cfg := range f.active {
		out = append(out, cfg)
	}
	return out, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validRequest() CreatePositionRequest {
	return CreatePositionRequest{
		UserAddress:        "0xuser",
		Protocol:           "aave",
		TokenSymbol:        "ETH",
		AnnualRate:         0.05,
		LTV:                0.68,
		CollateralAmount:   1.25,
		CollateralValueUSD: 2500,
		BorrowAmount:       1700,
		TxHash:             "0xfund",
		OnChainID:          7,
		Network:            "sepolia",
	}
}

func TestCreatePosition(t *testing.T) {
	store := newFakePositionStore()
	fees := &fakeFeeStore{active: map[domain.FeeType]domain.FeeConfig{
		domain.FeeTypeOrigination: {Type: domain.FeeTypeOrigination, Percentage: 2, Active: true},
	}}
	svc := NewPositionService(store, fees, discard())

	pos, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, domain.PositionStatusActive, pos.Status)
	assert.InDelta(t, 34.0, pos.PlatformFee, 1e-9) // 2% of 1700
	assert.InDelta(t, 1666.0, pos.NetDisbursed, 1e-9)
	assert.InDelta(t, 2500*0.80/1700, pos.HealthFactor, 1e-9)
}

func TestCreatePositionIdempotentOnTxHash(t *testing.T) {
	store := newFakePositionStore()
	svc := NewPositionService(store, &fakeFeeStore{}, discard())

	first, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	second, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "re-submitting the same funding tx returns the original record")
	assert.Len(t, store.byID, 1)
}

func TestCreatePositionNoActiveFee(t *testing.T) {
	svc := NewPositionService(newFakePositionStore(), &fakeFeeStore{}, discard())

	pos, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Zero(t, pos.PlatformFee)
	assert.InDelta(t, 1700.0, pos.NetDisbursed, 1e-9)
}

func TestCreatePositionValidation(t *testing.T) {
	svc := NewPositionService(newFakePositionStore(), &fakeFeeStore{}, discard())

	req := validRequest()
	req.TxHash = ""
	_, err := svc.Create(context.Background(), req)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	req = validRequest()
	req.BorrowAmount = 0
	_, err = svc.Create(context.Background(), req)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestRepay(t *testing.T) {
	store := newFakePositionStore()
	fees := &fakeFeeStore{active: map[domain.FeeType]domain.FeeConfig{
		domain.FeeTypeRepayment: {Type: domain.FeeTypeRepayment, Percentage: 1, Active: true},
	}}
	svc := NewPositionService(store, fees, discard())

	created, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	repaid, err := svc.Repay(context.Background(), created.ID, "0xrepay")
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusRepaid, repaid.Status)
	assert.Equal(t, "0xrepay", repaid.RepaymentTxHash)
	require.NotNil(t, repaid.RepaidAt)
	require.NotNil(t, repaid.RepaymentAmount)
	// Total due covers principal, interest so far, and the 1% fee.
	assert.GreaterOrEqual(t, *repaid.RepaymentAmount, 1700.0)
}

func TestRepayNotActive(t *testing.T) {
	store := newFakePositionStore()
	svc := NewPositionService(store, &fakeFeeStore{}, discard())

	created, err := svc.Create(context.Background(), validRequest())
	require.NoError(t, err)

	_, err = svc.Repay(context.Background(), created.ID, "0xrepay")
	require.NoError(t, err)

	// Second repayment hits a terminal position.
	_, err = svc.Repay(context.Background(), created.ID, "0xagain")
	assert.True(t, errors.Is(err, domain.ErrNotActive))
}

func TestRepayUnknownPosition(t *testing.T) {
	svc := NewPositionService(newFakePositionStore(), &fakeFeeStore{}, discard())
	_, err := svc.Repay(context.Background(), "missing", "0xrepay")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestFeeServiceSet(t *testing.T) {
	fees := &fakeFeeStore{}
	svc := NewFeeService(fees, discard())

	cfg, err := svc.Set(context.Background(), domain.FeeConfig{
		Type:       domain.FeeTypeOrigination,
		Name:       "standard origination",
		Percentage: 2,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ID)
	assert.True(t, cfg.Active)

	_, err = svc.Set(context.Background(), domain.FeeConfig{Type: "bogus", Percentage: 2})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	_, err = svc.Set(context.Background(), domain.FeeConfig{Type: domain.FeeTypeRepayment, Percentage: 150})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}
