package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"perp-trading-core/internal/candles"
	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/storage"
)

// candleRow is one stored bar with its series identity.
type candleRow struct {
	symbol     string
	resolution candles.Resolution
	bar        domain.Candle
}

// CandleStore is an in-memory implementation of storage.CandleStore.
type CandleStore struct {
	mu   sync.RWMutex
	data map[string]*candleRow // keyed by (symbol, resolution, timestamp_ms)
}

// NewCandleStore creates a new in-memory candle store.
func NewCandleStore() *CandleStore {
	return &CandleStore{
		data: make(map[string]*candleRow),
	}
}

// candleKey generates a unique key for a bar.
func candleKey(symbol string, resolution candles.Resolution, timestampMs int64) string {
	return fmt.Sprintf("%s|%s|%d", symbol, resolution, timestampMs)
}

// Upsert writes one bar, replacing any existing bar with the same key.
func (s *CandleStore) Upsert(_ context.Context, symbol string, resolution candles.Resolution, c *domain.Candle) error {
	if c == nil || symbol == "" || !resolution.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := candleKey(symbol, resolution, c.TimestampMs)
	s.data[key] = &candleRow{symbol: symbol, resolution: resolution, bar: *c}
	return nil
}

// InsertBulk adds multiple bars. Fails entire batch on duplicate.
func (s *CandleStore) InsertBulk(_ context.Context, symbol string, resolution candles.Resolution, bars []*domain.Candle) error {
	if len(bars) == 0 {
		return nil
	}
	if symbol == "" || !resolution.Valid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Track keys in this batch to detect intra-batch duplicates
	batchKeys := make(map[string]struct{}, len(bars))

	// First pass: check for duplicates (existing + intra-batch)
	for _, c := range bars {
		if c == nil {
			return storage.ErrInvalidInput
		}
		key := candleKey(symbol, resolution, c.TimestampMs)

		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	for _, c := range bars {
		key := candleKey(symbol, resolution, c.TimestampMs)
		s.data[key] = &candleRow{symbol: symbol, resolution: resolution, bar: *c}
	}

	return nil
}

// GetByRange retrieves bars within [startMs, endMs] (inclusive), ordered by timestamp ASC.
func (s *CandleStore) GetByRange(_ context.Context, symbol string, resolution candles.Resolution, startMs, endMs int64) ([]*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Candle
	for _, row := range s.data {
		if row.symbol == symbol && row.resolution == resolution &&
			row.bar.TimestampMs >= startMs && row.bar.TimestampMs <= endMs {
			barCopy := row.bar
			result = append(result, &barCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TimestampMs < result[j].TimestampMs
	})

	return result, nil
}

// GetLatest retrieves the most recent bar of a series.
func (s *CandleStore) GetLatest(_ context.Context, symbol string, resolution candles.Resolution) (*domain.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *candleRow
	for _, row := range s.data {
		if row.symbol != symbol || row.resolution != resolution {
			continue
		}
		if latest == nil || row.bar.TimestampMs > latest.bar.TimestampMs {
			latest = row
		}
	}

	if latest == nil {
		return nil, storage.ErrNotFound
	}

	barCopy := latest.bar
	return &barCopy, nil
}

var _ storage.CandleStore = (*CandleStore)(nil)
