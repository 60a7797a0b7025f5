package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionStore = (*PositionStore)(nil)

// Upsert inserts or replaces a position snapshot keyed by its ID.
func (s *PositionStore) Upsert(ctx context.Context, p *domain.Position) error {
	if p == nil || p.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO positions (
			position_id, trader, pair_index,
			open_price, collateral, leverage, is_long, fee_mode, rollover_fee,
			take_profit, stop_loss, opened_at_ms
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7, $8, $9,
			$10, $11, $12
		)
		ON CONFLICT (position_id) DO UPDATE SET
			trader = EXCLUDED.trader,
			pair_index = EXCLUDED.pair_index,
			open_price = EXCLUDED.open_price,
			collateral = EXCLUDED.collateral,
			leverage = EXCLUDED.leverage,
			is_long = EXCLUDED.is_long,
			fee_mode = EXCLUDED.fee_mode,
			rollover_fee = EXCLUDED.rollover_fee,
			take_profit = EXCLUDED.take_profit,
			stop_loss = EXCLUDED.stop_loss,
			opened_at_ms = EXCLUDED.opened_at_ms
	`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Trader, p.PairIndex,
		p.OpenPrice, p.Collateral, p.Leverage, p.Long, string(p.FeeMode), p.RolloverFee,
		p.TakeProfit, p.StopLoss, p.OpenedAtMs,
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// GetByID retrieves a position by its ID. Returns ErrNotFound if not exists.
func (s *PositionStore) GetByID(ctx context.Context, id string) (*domain.Position, error) {
	query := `
		SELECT
			position_id, trader, pair_index,
			open_price, collateral, leverage, is_long, fee_mode, rollover_fee,
			take_profit, stop_loss, opened_at_ms
		FROM positions
		WHERE position_id = $1
	`

	row := s.pool.QueryRow(ctx, query, id)
	p, err := scanPosition(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position by id: %w", err)
	}
	return p, nil
}

// GetByTrader retrieves all positions for a trader, ordered by open time ASC.
func (s *PositionStore) GetByTrader(ctx context.Context, trader string) ([]*domain.Position, error) {
	query := `
		SELECT
			position_id, trader, pair_index,
			open_price, collateral, leverage, is_long, fee_mode, rollover_fee,
			take_profit, stop_loss, opened_at_ms
		FROM positions
		WHERE trader = $1
		ORDER BY opened_at_ms ASC, position_id ASC
	`

	rows, err := s.pool.Query(ctx, query, trader)
	if err != nil {
		return nil, fmt.Errorf("get positions by trader: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// Delete removes a position. Returns ErrNotFound if not exists.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE position_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanPosition scans a single row into a Position.
func scanPosition(row pgx.Row) (*domain.Position, error) {
	var p domain.Position
	var feeMode string

	err := row.Scan(
		&p.ID, &p.Trader, &p.PairIndex,
		&p.OpenPrice, &p.Collateral, &p.Leverage, &p.Long, &feeMode, &p.RolloverFee,
		&p.TakeProfit, &p.StopLoss, &p.OpenedAtMs,
	)
	if err != nil {
		return nil, err
	}

	p.FeeMode = domain.FeeMode(feeMode)
	return &p, nil
}

// scanPositions scans multiple rows into a slice of Position.
func scanPositions(rows pgx.Rows) ([]*domain.Position, error) {
	var positions []*domain.Position

	for rows.Next() {
		var p domain.Position
		var feeMode string

		err := rows.Scan(
			&p.ID, &p.Trader, &p.PairIndex,
			&p.OpenPrice, &p.Collateral, &p.Leverage, &p.Long, &feeMode, &p.RolloverFee,
			&p.TakeProfit, &p.StopLoss, &p.OpenedAtMs,
		)
		if err != nil {
			return nil, fmt.Errorf("scan position row: %w", err)
		}

		p.FeeMode = domain.FeeMode(feeMode)
		positions = append(positions, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position rows: %w", err)
	}

	return positions, nil
}
