package candles

import (
	"perp-trading-core/internal/domain"
)

// Action describes what an Aggregator did with a tick.
type Action int

const (
	// ActionUpdate means the tick folded into the current candle in place.
	ActionUpdate Action = iota

	// ActionNew means the tick opened a new bucket; the returned candle is
	// the fresh bar and the previous one is final.
	ActionNew

	// ActionDrop means the tick's bucket is older than the current candle's
	// and was discarded. Ticks for a channel arrive in order; a tick behind
	// the current bucket is a replay or transport glitch, and folding it in
	// would rewrite a bar consumers already treat as final.
	ActionDrop
)

// Aggregator maintains the current in-progress candle for one
// (symbol, resolution) series. Each subscriber owns its own instance, so
// the same tick stream can feed several resolutions independently.
//
// Aggregator is not safe for concurrent use; the registry's dispatch
// goroutine is the only caller.
type Aggregator struct {
	resolution Resolution
	last       *domain.Candle
}

// NewAggregator returns an empty aggregator for the given resolution.
func NewAggregator(resolution Resolution) *Aggregator {
	return &Aggregator{resolution: resolution}
}

// Resolution returns the series resolution.
func (a *Aggregator) Resolution() Resolution {
	return a.resolution
}

// Seed installs the most recent historical bar as the current candle, so
// live ticks inside that bucket update it instead of opening a duplicate.
func (a *Aggregator) Seed(last domain.Candle) {
	c := last
	a.last = &c
}

// Last returns a copy of the current candle, or false when the series is
// still empty.
func (a *Aggregator) Last() (domain.Candle, bool) {
	if a.last == nil {
		return domain.Candle{}, false
	}
	return *a.last, true
}

// Apply folds one tick into the series and returns the resulting bar.
//
// The first tick of an empty series seeds a new candle. After that a tick
// either lands in the current bucket and updates high/low/close in place,
// opens the next bucket, or is dropped as stale. The returned candle is a
// copy; mutating it does not affect the aggregator.
func (a *Aggregator) Apply(tick domain.TradeTick) (domain.Candle, Action) {
	bucket := a.resolution.BucketStartMs(tick.TimestampMs)

	if a.last == nil {
		a.last = &domain.Candle{
			TimestampMs: bucket,
			Open:        tick.Price,
			High:        tick.Price,
			Low:         tick.Price,
			Close:       tick.Price,
		}
		return *a.last, ActionNew
	}

	lastBucket := a.resolution.BucketStartMs(a.last.TimestampMs)
	if bucket < lastBucket {
		return *a.last, ActionDrop
	}

	next := a.resolution.NextBucketStartMs(a.last.TimestampMs)
	if tick.TimestampMs >= next || bucket != lastBucket {
		a.last = &domain.Candle{
			TimestampMs: bucket,
			Open:        tick.Price,
			High:        tick.Price,
			Low:         tick.Price,
			Close:       tick.Price,
		}
		return *a.last, ActionNew
	}

	if tick.Price > a.last.High {
		a.last.High = tick.Price
	}
	if tick.Price < a.last.Low {
		a.last.Low = tick.Price
	}
	a.last.Close = tick.Price
	return *a.last, ActionUpdate
}
