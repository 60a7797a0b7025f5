package candles

import (
	"math"
	"sort"

	"perp-trading-core/internal/domain"
)

// MergeHistory folds a fetched history page into an already-loaded series.
//
// Bars are deduplicated by bucket timestamp and the existing series wins a
// collision: a live bar may carry ticks the history endpoint has not
// aggregated yet. The result is sorted by timestamp ascending.
func MergeHistory(existing, fetched []domain.Candle) []domain.Candle {
	seen := make(map[int64]struct{}, len(existing))
	for _, c := range existing {
		seen[c.TimestampMs] = struct{}{}
	}

	merged := make([]domain.Candle, 0, len(existing)+len(fetched))
	merged = append(merged, existing...)
	for _, c := range fetched {
		if _, ok := seen[c.TimestampMs]; ok {
			continue
		}
		seen[c.TimestampMs] = struct{}{}
		merged = append(merged, c)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].TimestampMs < merged[j].TimestampMs
	})
	return merged
}

// ChangePercent returns the percentage move from the first bar's open to
// the last bar's close. An empty series or a zero first open yields NaN.
func ChangePercent(series []domain.Candle) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	first := series[0].Open
	if first == 0 {
		return math.NaN()
	}
	last := series[len(series)-1].Close
	return (last - first) / first * 100
}
