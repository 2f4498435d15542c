package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// gasMarginPct pads the node's gas estimate so liquidations survive small
// state changes between estimate and inclusion.
const gasMarginPct = 20

// receiptPollInterval paces WaitConfirmed's receipt polling.
const receiptPollInterval = 2 * time.Second

// staleReverts are the contract revert reasons that mean the local view of a
// position is out of date rather than the transaction being broken.
var staleReverts = []string{
	"Position is healthy",
	"Position not active",
}

// Writer implements domain.ChainWriter. Submissions are serialized behind a
// mutex so nonces stay ordered under concurrent liquidation attempts.
type Writer struct {
	c   *Client
	key *ecdsa.PrivateKey

	mu sync.Mutex
}

var _ domain.ChainWriter = (*Writer)(nil)

// NewWriter builds a Writer from a hex-encoded secp256k1 private key.
func NewWriter(c *Client, privateKeyHex string) (*Writer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}
	return &Writer{c: c, key: key}, nil
}

// SubmitLiquidation signs and broadcasts a liquidate call for the position.
// Reverts caused by the position already being healthy or closed come back
// as domain.ErrStalePosition.
func (w *Writer) SubmitLiquidation(ctx context.Context, onChainID uint64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := w.c.abi.Pack("liquidate", new(big.Int).SetUint64(onChainID))
	if err != nil {
		return "", fmt.Errorf("chain: pack liquidate: %w", err)
	}

	from := ethcrypto.PubkeyToAddress(w.key.PublicKey)

	nonce, err := w.c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("chain: pending nonce: %w", err)
	}

	gasPrice, err := w.c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: suggest gas price: %w", err)
	}

	msg := ethereum.CallMsg{
		From:     from,
		To:       &w.c.contract,
		GasPrice: gasPrice,
		Data:     data,
	}
	gasLimit, err := w.c.eth.EstimateGas(ctx, msg)
	if err != nil {
		if reason, stale := classifyRevert(err); stale {
			return "", fmt.Errorf("chain: liquidate %d: %s: %w", onChainID, reason, domain.ErrStalePosition)
		}
		return "", fmt.Errorf("chain: estimate gas: %w", err)
	}
	gasLimit = gasLimit * (100 + gasMarginPct) / 100

	tx, err := types.SignNewTx(w.key, types.LatestSignerForChainID(big.NewInt(w.c.chainID)), &types.LegacyTx{
		Nonce:    nonce,
		To:       &w.c.contract,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return "", fmt.Errorf("chain: sign liquidate: %w", err)
	}

	if err := w.c.eth.SendTransaction(ctx, tx); err != nil {
		if reason, stale := classifyRevert(err); stale {
			return "", fmt.Errorf("chain: liquidate %d: %s: %w", onChainID, reason, domain.ErrStalePosition)
		}
		return "", fmt.Errorf("chain: send liquidate: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitConfirmed polls for the transaction receipt until mined or the context
// expires.
func (w *Writer) WaitConfirmed(ctx context.Context, txHash string) (domain.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return domain.Receipt{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return domain.Receipt{}, fmt.Errorf("chain: receipt %s: %w", txHash, err)
		}

		select {
		case <-ctx.Done():
			return domain.Receipt{}, fmt.Errorf("chain: confirm %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// classifyRevert reports whether an RPC error carries a stale-position
// revert reason.
func classifyRevert(err error) (string, bool) {
	msg := err.Error()
	for _, reason := range staleReverts {
		if strings.Contains(msg, reason) {
			return reason, true
		}
	}
	return "", false
}
