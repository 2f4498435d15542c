package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, user_address, protocol, adapter_address, token_symbol, token_address,
	annual_rate, ltv, collateral_amount, collateral_value_usd, borrow_amount,
	platform_fee, net_disbursed, accrued_interest, health_factor,
	tx_hash, on_chain_id, block_number, network, status,
	repaid_at, repayment_tx_hash, repayment_amount,
	liquidated_at, liquidation_tx_hash, created_at, updated_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string

	err := row.Scan(
		&p.ID, &p.UserAddress, &p.Protocol, &p.AdapterAddress, &p.TokenSymbol, &p.TokenAddress,
		&p.AnnualRate, &p.LTV, &p.CollateralAmount, &p.CollateralValueUSD, &p.BorrowAmount,
		&p.PlatformFee, &p.NetDisbursed, &p.AccruedInterest, &p.HealthFactor,
		&p.TxHash, &p.OnChainID, &p.BlockNumber, &p.Network, &status,
		&p.RepaidAt, &p.RepaymentTxHash, &p.RepaymentAmount,
		&p.LiquidatedAt, &p.LiquidationTxHash, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position. A duplicate transaction hash is reported as
// domain.ErrAlreadyExists so callers can treat it as a conflict rather than
// a failure.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, user_address, protocol, adapter_address, token_symbol, token_address,
			annual_rate, ltv, collateral_amount, collateral_value_usd, borrow_amount,
			platform_fee, net_disbursed, accrued_interest, health_factor,
			tx_hash, on_chain_id, block_number, network, status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserAddress, p.Protocol, p.AdapterAddress, p.TokenSymbol, p.TokenAddress,
		p.AnnualRate, p.LTV, p.CollateralAmount, p.CollateralValueUSD, p.BorrowAmount,
		p.PlatformFee, p.NetDisbursed, p.AccruedInterest, p.HealthFactor,
		p.TxHash, p.OnChainID, p.BlockNumber, p.Network, string(p.Status),
		p.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Save replaces all mutable fields of a position. Identity fields (id,
// tx_hash, created_at) are never updated.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			collateral_amount    = $2,
			collateral_value_usd = $3,
			borrow_amount        = $4,
			platform_fee         = $5,
			net_disbursed        = $6,
			accrued_interest     = $7,
			health_factor        = $8,
			status               = $9,
			repaid_at            = $10,
			repayment_tx_hash    = $11,
			repayment_amount     = $12,
			liquidated_at        = $13,
			liquidation_tx_hash  = $14,
			updated_at           = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID,
		p.CollateralAmount, p.CollateralValueUSD, p.BorrowAmount,
		p.PlatformFee, p.NetDisbursed, p.AccruedInterest, p.HealthFactor,
		string(p.Status),
		p.RepaidAt, p.RepaymentTxHash, p.RepaymentAmount,
		p.LiquidatedAt, p.LiquidationTxHash,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindByID retrieves a single position by its ID.
func (s *PositionStore) FindByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// FindByTxHash retrieves a position by its unique origination transaction hash.
func (s *PositionStore) FindByTxHash(ctx context.Context, txHash string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE tx_hash = $1`, txHash)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position by tx %s: %w", txHash, err)
	}
	return p, nil
}

// FindActive returns all active positions, worst health factor first so the
// most urgent candidates are processed earliest.
func (s *PositionStore) FindActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'active'
		 ORDER BY health_factor ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: find active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// FindByRiskBelow returns active positions with a health factor below the
// threshold, sorted ascending.
func (s *PositionStore) FindByRiskBelow(ctx context.Context, threshold float64) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'active' AND health_factor < $1
		 ORDER BY health_factor ASC`, threshold)
	if err != nil {
		return nil, fmt.Errorf("postgres: find positions below %.2f: %w", threshold, err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan at-risk positions: %w", err)
	}
	return positions, nil
}

// FindTerminalBefore returns repaid, liquidated, and closed positions whose
// last update is older than the cutoff.
func (s *PositionStore) FindTerminalBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('repaid', 'liquidated', 'closed') AND updated_at < $1
		 ORDER BY updated_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: find terminal positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal positions: %w", err)
	}
	return positions, nil
}

// ListByUser returns positions for the given user with optional filters.
func (s *PositionStore) ListByUser(ctx context.Context, userAddress string, f domain.PositionFilter) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE user_address = $1`
	args := []any{userAddress}
	argIdx := 2

	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Protocol != "" {
		query += fmt.Sprintf(" AND protocol = $%d", argIdx)
		args = append(args, f.Protocol)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list user positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan user positions: %w", err)
	}
	return positions, nil
}

// Stats aggregates platform-wide position counters.
func (s *PositionStore) Stats(ctx context.Context) (domain.PlatformStats, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COALESCE(SUM(borrow_amount), 0),
			COALESCE(SUM(repayment_amount) FILTER (WHERE status = 'repaid'), 0),
			COUNT(*) FILTER (WHERE status = 'active' AND health_factor < $1),
			COUNT(*) FILTER (WHERE status = 'active' AND health_factor < $2)
		FROM positions`

	var stats domain.PlatformStats
	err := s.pool.QueryRow(ctx, query, domain.WarnHealthFactor, domain.MinHealthFactor).Scan(
		&stats.TotalPositions,
		&stats.ActivePositions,
		&stats.TotalBorrowed,
		&stats.TotalRepaid,
		&stats.AtRiskCount,
		&stats.LiquidatableCount,
	)
	if err != nil {
		return domain.PlatformStats{}, fmt.Errorf("postgres: platform stats: %w", err)
	}
	return stats, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
