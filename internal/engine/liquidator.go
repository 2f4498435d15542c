package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// Outcome is the terminal result of one liquidation attempt.
type Outcome string

const (
	// OutcomeSettled means the liquidation confirmed on-chain and the
	// position was marked liquidated.
	OutcomeSettled Outcome = "settled"
	// OutcomeAborted means the attempt stopped before spending gas: the
	// lock was held, the position recovered, or the profit floor was not
	// met. Aborts are normal operation, not errors.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailedTerminal means the transaction was mined and reverted.
	// The gas is spent and the attempt is never retried automatically.
	OutcomeFailedTerminal Outcome = "failed-terminal"
)

// Result reports how a liquidation attempt ended.
type Result struct {
	Outcome Outcome
	Reason  string
	TxHash  string
	Profit  float64
}

// lockTTL bounds how long a liquidation attempt may hold a position's lock.
const lockTTL = 3 * time.Minute

// Liquidator drives a single position through evaluation, submission, and
// confirmation. Concurrent attempts on the same position are serialized by a
// distributed lock; the loser aborts.
type Liquidator struct {
	store  domain.PositionStore
	reader domain.ChainReader
	writer domain.ChainWriter
	locks  domain.LockManager
	eval   *Evaluator
	logger *slog.Logger
}

// NewLiquidator wires the liquidation executor.
func NewLiquidator(
	store domain.PositionStore,
	reader domain.ChainReader,
	writer domain.ChainWriter,
	locks domain.LockManager,
	eval *Evaluator,
	logger *slog.Logger,
) *Liquidator {
	return &Liquidator{
		store:  store,
		reader: reader,
		writer: writer,
		locks:  locks,
		eval:   eval,
		logger: logger.With(slog.String("component", "liquidator")),
	}
}

// Liquidate attempts to liquidate the position. A returned error is
// transient and safe to retry; every non-retryable ending is reported
// through the Result instead.
func (l *Liquidator) Liquidate(ctx context.Context, positionID string) (Result, error) {
	unlock, err := l.locks.Acquire(ctx, "liquidate:"+positionID, lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return Result{Outcome: OutcomeAborted, Reason: "lock held by another attempt"}, nil
		}
		return Result{}, fmt.Errorf("engine: acquire lock for %s: %w", positionID, err)
	}
	defer unlock()

	pos, err := l.store.FindByID(ctx, positionID)
	if err != nil {
		return Result{}, fmt.Errorf("engine: load position %s: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusActive {
		return Result{Outcome: OutcomeAborted, Reason: "position no longer active"}, nil
	}

	// The scheduled snapshot that queued this job may be stale; the
	// contract decides.
	hf, err := l.reader.HealthFactor(ctx, pos.OnChainID)
	if err != nil {
		return Result{}, fmt.Errorf("engine: re-check health of %s: %w", positionID, err)
	}
	if hf >= domain.MinHealthFactor {
		l.logger.Info("position recovered, aborting",
			slog.String("position_id", positionID),
			slog.Float64("health_factor", hf),
		)
		return Result{Outcome: OutcomeAborted, Reason: "position recovered above threshold"}, nil
	}

	cand, err := l.eval.Evaluate(ctx, pos)
	if err != nil {
		return Result{}, err
	}
	if !cand.Profitable {
		l.logger.Info("liquidation below profit floor, skipping",
			slog.String("position_id", positionID),
			slog.Float64("net_profit_usd", cand.NetProfitUSD),
		)
		return Result{Outcome: OutcomeAborted, Reason: "below profit floor", Profit: cand.NetProfitUSD}, nil
	}

	txHash, err := l.writer.SubmitLiquidation(ctx, pos.OnChainID)
	if err != nil {
		if errors.Is(err, domain.ErrStalePosition) {
			return l.closeStale(ctx, pos)
		}
		return Result{}, fmt.Errorf("engine: submit liquidation of %s: %w", positionID, err)
	}

	l.logger.Info("liquidation submitted",
		slog.String("position_id", positionID),
		slog.String("tx_hash", txHash),
		slog.Float64("expected_profit_usd", cand.NetProfitUSD),
	)

	receipt, err := l.writer.WaitConfirmed(ctx, txHash)
	if err != nil {
		return Result{}, fmt.Errorf("engine: confirm liquidation of %s: %w", positionID, err)
	}

	if !receipt.Success {
		// Gas is spent and the state is ambiguous. This needs an operator,
		// not a retry loop.
		l.logger.Error("liquidation reverted on-chain",
			slog.String("position_id", positionID),
			slog.String("tx_hash", txHash),
			slog.Uint64("block", receipt.BlockNumber),
			slog.Uint64("gas_used", receipt.GasUsed),
		)
		return Result{Outcome: OutcomeFailedTerminal, Reason: "transaction reverted", TxHash: txHash}, nil
	}

	now := time.Now().UTC()
	pos.Status = domain.PositionStatusLiquidated
	pos.HealthFactor = hf
	pos.LiquidatedAt = &now
	pos.LiquidationTxHash = txHash
	if err := l.store.Save(ctx, pos); err != nil {
		// The chain settled; surface the store failure but report the hash
		// so reconciliation can finish the bookkeeping.
		return Result{Outcome: OutcomeSettled, TxHash: txHash, Profit: cand.NetProfitUSD},
			fmt.Errorf("engine: record liquidation of %s: %w", positionID, err)
	}

	l.logger.Info("liquidation settled",
		slog.String("position_id", positionID),
		slog.String("tx_hash", txHash),
		slog.Uint64("block", receipt.BlockNumber),
		slog.Float64("profit_usd", cand.NetProfitUSD),
	)
	return Result{Outcome: OutcomeSettled, TxHash: txHash, Profit: cand.NetProfitUSD}, nil
}

// closeStale reconciles a position the contract reports as already healthy
// or inactive: the local record moves to closed and the attempt aborts.
func (l *Liquidator) closeStale(ctx context.Context, pos domain.Position) (Result, error) {
	l.logger.Warn("contract rejected liquidation as stale, closing local record",
		slog.String("position_id", pos.ID),
	)
	if domain.CanTransition(pos.Status, domain.PositionStatusClosed) {
		pos.Status = domain.PositionStatusClosed
		if err := l.store.Save(ctx, pos); err != nil {
			return Result{}, fmt.Errorf("engine: close stale position %s: %w", pos.ID, err)
		}
	}
	return Result{Outcome: OutcomeAborted, Reason: "stale on-chain state"}, nil
}
