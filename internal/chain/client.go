// Package chain talks to the lending contract. The reader answers health
// and debt queries; the writer submits liquidations. Both share one RPC
// connection and one parsed ABI.
package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// lendingABI covers the four contract entry points this service uses. The
// scales match the contract: health factors are 1e18 fixed point, debt is
// 1e6 (USDC decimals), config rates are basis points.
const lendingABI = `[
  {"name":"getHealthFactor","type":"function","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getCurrentDebt","type":"function","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getConfig","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"liquidationThresholdBps","type":"uint256"},{"name":"liquidationBonusBps","type":"uint256"},{"name":"originationFeeBps","type":"uint256"},{"name":"repaymentFeeBps","type":"uint256"}]},
  {"name":"liquidate","type":"function","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[]}
]`

// ClientConfig holds the RPC endpoint and contract address.
type ClientConfig struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
}

// Client wraps the RPC connection and the parsed contract ABI.
type Client struct {
	eth      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  int64
}

// NewClient dials the RPC endpoint and parses the contract ABI.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.ContractAddress)
	}

	parsed, err := abi.JSON(strings.NewReader(lendingABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	return &Client{
		eth:      eth,
		abi:      parsed,
		contract: common.HexToAddress(cfg.ContractAddress),
		chainID:  cfg.ChainID,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}
