package memory

import (
	"context"
	"errors"
	"testing"

	"perp-trading-core/internal/candles"
	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/storage"
)

func TestCandleStore_InsertBulkAndGet(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	bars := []*domain.Candle{
		{TimestampMs: 60000, Open: 100, High: 105, Low: 99, Close: 103},
		{TimestampMs: 120000, Open: 103, High: 104, Low: 102, Close: 104},
	}

	err := store.InsertBulk(ctx, "Crypto.BTC/USD", candles.Res1m, bars)
	if err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	result, err := store.GetByRange(ctx, "Crypto.BTC/USD", candles.Res1m, 0, 200000)
	if err != nil {
		t.Fatalf("GetByRange failed: %v", err)
	}

	if len(result) != 2 {
		t.Errorf("Expected 2 bars, got %d", len(result))
	}
}

func TestCandleStore_UpsertReplaces(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	bar := &domain.Candle{TimestampMs: 60000, Open: 100, High: 105, Low: 99, Close: 103}
	if err := store.Upsert(ctx, "Crypto.BTC/USD", candles.Res1m, bar); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Same key, updated bar
	bar.High = 110
	bar.Close = 108
	if err := store.Upsert(ctx, "Crypto.BTC/USD", candles.Res1m, bar); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	result, _ := store.GetByRange(ctx, "Crypto.BTC/USD", candles.Res1m, 0, 100000)
	if len(result) != 1 {
		t.Fatalf("Expected 1 bar after replacement, got %d", len(result))
	}
	if result[0].High != 110 || result[0].Close != 108 {
		t.Errorf("Replacement did not take: %+v", result[0])
	}
}

func TestCandleStore_DuplicateKey(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	bars := []*domain.Candle{{TimestampMs: 60000, Open: 100, High: 100, Low: 100, Close: 100}}

	if err := store.InsertBulk(ctx, "Crypto.BTC/USD", candles.Res1m, bars); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	err := store.InsertBulk(ctx, "Crypto.BTC/USD", candles.Res1m, bars)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey, got %v", err)
	}
}

func TestCandleStore_IntraBatchDuplicate(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	bars := []*domain.Candle{
		{TimestampMs: 60000, Open: 100, High: 100, Low: 100, Close: 100},
		{TimestampMs: 60000, Open: 101, High: 101, Low: 101, Close: 101}, // duplicate key
	}

	err := store.InsertBulk(ctx, "Crypto.BTC/USD", candles.Res1m, bars)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("Expected ErrDuplicateKey for intra-batch duplicate, got %v", err)
	}

	// Verify nothing was inserted
	result, _ := store.GetByRange(ctx, "Crypto.BTC/USD", candles.Res1m, 0, 100000)
	if len(result) != 0 {
		t.Errorf("Expected 0 bars (rollback), got %d", len(result))
	}
}

func TestCandleStore_SeriesIsolation(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	bar := &domain.Candle{TimestampMs: 60000, Open: 100, High: 100, Low: 100, Close: 100}
	if err := store.Upsert(ctx, "Crypto.BTC/USD", candles.Res1m, bar); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.Upsert(ctx, "Crypto.BTC/USD", candles.Res5m, bar); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := store.Upsert(ctx, "Crypto.ETH/USD", candles.Res1m, bar); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	result, _ := store.GetByRange(ctx, "Crypto.BTC/USD", candles.Res1m, 0, 100000)
	if len(result) != 1 {
		t.Errorf("Expected 1 bar in BTC 1m series, got %d", len(result))
	}
}

func TestCandleStore_GetByRangeOrdered(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	bars := []*domain.Candle{
		{TimestampMs: 180000, Open: 3, High: 3, Low: 3, Close: 3},
		{TimestampMs: 60000, Open: 1, High: 1, Low: 1, Close: 1},
		{TimestampMs: 120000, Open: 2, High: 2, Low: 2, Close: 2},
	}

	if err := store.InsertBulk(ctx, "Crypto.BTC/USD", candles.Res1m, bars); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	result, _ := store.GetByRange(ctx, "Crypto.BTC/USD", candles.Res1m, 0, 200000)
	for i := 1; i < len(result); i++ {
		if result[i].TimestampMs < result[i-1].TimestampMs {
			t.Errorf("Results not ordered: %d < %d", result[i].TimestampMs, result[i-1].TimestampMs)
		}
	}

	// Inclusive bounds
	result, _ = store.GetByRange(ctx, "Crypto.BTC/USD", candles.Res1m, 60000, 120000)
	if len(result) != 2 {
		t.Errorf("Expected 2 bars in inclusive range, got %d", len(result))
	}
}

func TestCandleStore_GetLatest(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	if _, err := store.GetLatest(ctx, "Crypto.BTC/USD", candles.Res1m); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for empty series, got %v", err)
	}

	bars := []*domain.Candle{
		{TimestampMs: 60000, Close: 1},
		{TimestampMs: 180000, Close: 3},
		{TimestampMs: 120000, Close: 2},
	}
	if err := store.InsertBulk(ctx, "Crypto.BTC/USD", candles.Res1m, bars); err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	latest, err := store.GetLatest(ctx, "Crypto.BTC/USD", candles.Res1m)
	if err != nil {
		t.Fatalf("GetLatest failed: %v", err)
	}
	if latest.TimestampMs != 180000 {
		t.Errorf("Expected latest timestamp 180000, got %d", latest.TimestampMs)
	}
}

func TestCandleStore_InvalidInput(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	err := store.Upsert(ctx, "Crypto.BTC/USD", candles.Res1m, nil)
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for nil bar, got %v", err)
	}

	err = store.Upsert(ctx, "", candles.Res1m, &domain.Candle{})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty symbol, got %v", err)
	}

	err = store.Upsert(ctx, "Crypto.BTC/USD", "7", &domain.Candle{})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for unknown resolution, got %v", err)
	}
}

func TestCandleStore_EmptyBulk(t *testing.T) {
	store := NewCandleStore()
	ctx := context.Background()

	err := store.InsertBulk(ctx, "Crypto.BTC/USD", candles.Res1m, nil)
	if err != nil {
		t.Errorf("Empty bulk should succeed, got %v", err)
	}
}
