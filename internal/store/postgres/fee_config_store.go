package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dedlyfi/loanbroker/internal/domain"
)

// FeeConfigStore implements domain.FeeConfigStore using PostgreSQL.
type FeeConfigStore struct {
	pool *pgxpool.Pool
}

// NewFeeConfigStore creates a new FeeConfigStore backed by the given connection pool.
func NewFeeConfigStore(pool *pgxpool.Pool) *FeeConfigStore {
	return &FeeConfigStore{pool: pool}
}

const feeSelectCols = `id, fee_type, name, percentage, recipient_address, active, description, created_at, updated_at`

func scanFeeRow(row pgx.Row) (domain.FeeConfig, error) {
	var f domain.FeeConfig
	var feeType string
	err := row.Scan(
		&f.ID, &feeType, &f.Name, &f.Percentage, &f.RecipientAddress,
		&f.Active, &f.Description, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return domain.FeeConfig{}, err
	}
	f.Type = domain.FeeType(feeType)
	return f, nil
}

// ActiveByType returns the single active fee config for the given type.
func (s *FeeConfigStore) ActiveByType(ctx context.Context, t domain.FeeType) (domain.FeeConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+feeSelectCols+` FROM fee_configs WHERE fee_type = $1 AND active`, string(t))

	f, err := scanFeeRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FeeConfig{}, domain.ErrNotFound
		}
		return domain.FeeConfig{}, fmt.Errorf("postgres: active fee config %s: %w", t, err)
	}
	return f, nil
}

// Upsert inserts or replaces a fee config by id. Activating a config
// deactivates any other active config of the same type so the partial unique
// index never conflicts.
func (s *FeeConfigStore) Upsert(ctx context.Context, cfg domain.FeeConfig) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin fee upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	if cfg.Active {
		if _, err := tx.Exec(ctx,
			`UPDATE fee_configs SET active = FALSE, updated_at = NOW()
			 WHERE fee_type = $1 AND active AND id <> $2`,
			string(cfg.Type), cfg.ID,
		); err != nil {
			return fmt.Errorf("postgres: deactivate fee configs %s: %w", cfg.Type, err)
		}
	}

	const query = `
		INSERT INTO fee_configs (id, fee_type, name, percentage, recipient_address, active, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			fee_type          = EXCLUDED.fee_type,
			name              = EXCLUDED.name,
			percentage        = EXCLUDED.percentage,
			recipient_address = EXCLUDED.recipient_address,
			active            = EXCLUDED.active,
			description       = EXCLUDED.description,
			updated_at        = NOW()`

	if _, err := tx.Exec(ctx, query,
		cfg.ID, string(cfg.Type), cfg.Name, cfg.Percentage,
		cfg.RecipientAddress, cfg.Active, cfg.Description,
	); err != nil {
		return fmt.Errorf("postgres: upsert fee config %s: %w", cfg.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit fee upsert: %w", err)
	}
	return nil
}

// List returns all fee configs, active first.
func (s *FeeConfigStore) List(ctx context.Context) ([]domain.FeeConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+feeSelectCols+` FROM fee_configs ORDER BY active DESC, fee_type, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fee configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.FeeConfig
	for rows.Next() {
		f, err := scanFeeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fee config: %w", err)
		}
		configs = append(configs, f)
	}
	return configs, rows.Err()
}

// Compile-time interface check.
var _ domain.FeeConfigStore = (*FeeConfigStore)(nil)
