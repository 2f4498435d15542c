package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// Scales used by the lending contract.
var (
	healthFactorScale = new(big.Float).SetFloat64(1e18)
	usdScale          = new(big.Float).SetFloat64(1e6)
)

// Reader implements domain.ChainReader against the lending contract.
type Reader struct {
	c *Client
}

var _ domain.ChainReader = (*Reader)(nil)

// NewReader wraps a Client as a domain.ChainReader.
func NewReader(c *Client) *Reader {
	return &Reader{c: c}
}

func (r *Reader) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := r.c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	out, err := r.c.eth.CallContract(ctx, ethereum.CallMsg{
		To:   &r.c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	vals, err := r.c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return vals, nil
}

// HealthFactor reads the contract's 1e18 fixed-point health factor and
// returns it as a float. A position with no debt comes back as +Inf from the
// contract's max-uint sentinel, which still compares above every threshold.
func (r *Reader) HealthFactor(ctx context.Context, onChainID uint64) (float64, error) {
	vals, err := r.call(ctx, "getHealthFactor", new(big.Int).SetUint64(onChainID))
	if err != nil {
		return 0, err
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("chain: getHealthFactor: unexpected return type %T", vals[0])
	}
	hf, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), healthFactorScale).Float64()
	return hf, nil
}

// CurrentDebt reads principal plus on-chain accrued interest in USD.
func (r *Reader) CurrentDebt(ctx context.Context, onChainID uint64) (float64, error) {
	vals, err := r.call(ctx, "getCurrentDebt", new(big.Int).SetUint64(onChainID))
	if err != nil {
		return 0, err
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("chain: getCurrentDebt: unexpected return type %T", vals[0])
	}
	debt, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), usdScale).Float64()
	return debt, nil
}

// ProtocolConfig reads the contract's rate configuration.
func (r *Reader) ProtocolConfig(ctx context.Context) (domain.ProtocolConfig, error) {
	vals, err := r.call(ctx, "getConfig")
	if err != nil {
		return domain.ProtocolConfig{}, err
	}
	if len(vals) != 4 {
		return domain.ProtocolConfig{}, fmt.Errorf("chain: getConfig: expected 4 values, got %d", len(vals))
	}
	out := make([]uint64, 4)
	for i, v := range vals {
		raw, ok := v.(*big.Int)
		if !ok {
			return domain.ProtocolConfig{}, fmt.Errorf("chain: getConfig: unexpected return type %T", v)
		}
		out[i] = raw.Uint64()
	}
	return domain.ProtocolConfig{
		LiquidationThresholdBps: out[0],
		LiquidationBonusBps:     out[1],
		OriginationFeeBps:       out[2],
		RepaymentFeeBps:         out[3],
	}, nil
}

// GasPrice returns the node's suggested gas price in wei.
func (r *Reader) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := r.c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	return price, nil
}
