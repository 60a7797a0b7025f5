package storage

import (
	"context"

	"perp-trading-core/internal/candles"
	"perp-trading-core/internal/domain"
)

// CandleStore provides access to persisted OHLC series. A series is keyed by
// (symbol, resolution); within a series bars are unique by bucket timestamp.
type CandleStore interface {
	// Upsert writes one bar, replacing any existing bar with the same
	// (symbol, resolution, timestamp) key. Live bars are rewritten on every
	// bucket roll, so replacement is the normal path.
	Upsert(ctx context.Context, symbol string, resolution candles.Resolution, c *domain.Candle) error

	// InsertBulk adds multiple bars. Returns ErrDuplicateKey if any bar's
	// key already exists or repeats within the batch.
	InsertBulk(ctx context.Context, symbol string, resolution candles.Resolution, bars []*domain.Candle) error

	// GetByRange retrieves bars with bucket timestamps within
	// [startMs, endMs] (inclusive), ordered by timestamp ASC.
	GetByRange(ctx context.Context, symbol string, resolution candles.Resolution, startMs, endMs int64) ([]*domain.Candle, error)

	// GetLatest retrieves the most recent bar of a series. Returns
	// ErrNotFound if the series is empty.
	GetLatest(ctx context.Context, symbol string, resolution candles.Resolution) (*domain.Candle, error)
}

// PositionStore provides access to position snapshots.
type PositionStore interface {
	// Upsert inserts or replaces a position snapshot keyed by its ID.
	Upsert(ctx context.Context, p *domain.Position) error

	// GetByID retrieves a position by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Position, error)

	// GetByTrader retrieves all positions for a trader, ordered by open time ASC.
	GetByTrader(ctx context.Context, trader string) ([]*domain.Position, error)

	// Delete removes a position. Returns ErrNotFound if not exists.
	Delete(ctx context.Context, id string) error
}
