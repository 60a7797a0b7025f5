package clickhouse

import (
	"context"
	"fmt"

	"perp-trading-core/internal/candles"
	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/storage"
)

// CandleStore implements storage.CandleStore using ClickHouse. The candles
// table is a ReplacingMergeTree keyed by (symbol, resolution, timestamp_ms),
// so Upsert is a plain insert and reads go through FINAL to collapse
// not-yet-merged versions of the same bar.
type CandleStore struct {
	conn *Conn
}

// NewCandleStore creates a new CandleStore.
func NewCandleStore(conn *Conn) *CandleStore {
	return &CandleStore{conn: conn}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

// Upsert writes one bar, replacing any existing bar with the same key.
func (s *CandleStore) Upsert(ctx context.Context, symbol string, resolution candles.Resolution, c *domain.Candle) error {
	if c == nil || symbol == "" || !resolution.Valid() {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO candles (
			symbol, resolution, timestamp_ms, open, high, low, close, volume
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := s.conn.Exec(ctx, query,
		symbol, string(resolution), uint64(c.TimestampMs),
		c.Open, c.High, c.Low, c.Close, c.Volume,
	)
	if err != nil {
		return fmt.Errorf("upsert candle: %w", err)
	}
	return nil
}

// InsertBulk adds multiple bars. Fails entire batch on duplicate key.
func (s *CandleStore) InsertBulk(ctx context.Context, symbol string, resolution candles.Resolution, bars []*domain.Candle) error {
	if len(bars) == 0 {
		return nil
	}
	if symbol == "" || !resolution.Valid() {
		return storage.ErrInvalidInput
	}

	// Check for intra-batch duplicates
	seen := make(map[int64]struct{}, len(bars))
	for _, c := range bars {
		if c == nil {
			return storage.ErrInvalidInput
		}
		if _, exists := seen[c.TimestampMs]; exists {
			return storage.ErrDuplicateKey
		}
		seen[c.TimestampMs] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for _, c := range bars {
		exists, err := s.exists(ctx, symbol, resolution, c.TimestampMs)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO candles (
			symbol, resolution, timestamp_ms, open, high, low, close, volume
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, c := range bars {
		err = batch.Append(
			symbol, string(resolution), uint64(c.TimestampMs),
			c.Open, c.High, c.Low, c.Close, c.Volume,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByRange retrieves bars within [startMs, endMs] (inclusive), ordered by timestamp ASC.
func (s *CandleStore) GetByRange(ctx context.Context, symbol string, resolution candles.Resolution, startMs, endMs int64) ([]*domain.Candle, error) {
	query := `
		SELECT timestamp_ms, open, high, low, close, volume
		FROM candles FINAL
		WHERE symbol = ? AND resolution = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		ORDER BY timestamp_ms ASC
	`

	rows, err := s.conn.Query(ctx, query, symbol, string(resolution), uint64(startMs), uint64(endMs))
	if err != nil {
		return nil, fmt.Errorf("query candles by range: %w", err)
	}
	defer rows.Close()

	return scanCandles(rows)
}

// GetLatest retrieves the most recent bar of a series.
func (s *CandleStore) GetLatest(ctx context.Context, symbol string, resolution candles.Resolution) (*domain.Candle, error) {
	query := `
		SELECT timestamp_ms, open, high, low, close, volume
		FROM candles FINAL
		WHERE symbol = ? AND resolution = ?
		ORDER BY timestamp_ms DESC
		LIMIT 1
	`

	rows, err := s.conn.Query(ctx, query, symbol, string(resolution))
	if err != nil {
		return nil, fmt.Errorf("query latest candle: %w", err)
	}
	defer rows.Close()

	bars, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, storage.ErrNotFound
	}
	return bars[0], nil
}

// exists checks if a bar with the given key exists.
func (s *CandleStore) exists(ctx context.Context, symbol string, resolution candles.Resolution, timestampMs int64) (bool, error) {
	query := `
		SELECT count(*) FROM candles
		WHERE symbol = ? AND resolution = ? AND timestamp_ms = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, symbol, string(resolution), uint64(timestampMs)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Rows interface for scanning
type chRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

// scanCandles scans multiple rows into a slice.
func scanCandles(rows chRows) ([]*domain.Candle, error) {
	var bars []*domain.Candle

	for rows.Next() {
		var c domain.Candle
		var timestampMs uint64

		err := rows.Scan(&timestampMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
		if err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}

		c.TimestampMs = int64(timestampMs)
		bars = append(bars, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}

	return bars, nil
}
