package domain

// Candle represents one OHLCV bar in a time-bucketed price series.
// TimestampMs is always the resolution-aligned bucket start (UTC day/week
// boundaries for daily/weekly resolutions, a fixed grid from the epoch for
// intraday ones). Timestamps are unique and strictly increasing within a
// series; the most recent candle is mutated in place by live ticks until the
// next bucket boundary.
type Candle struct {
	TimestampMs int64   // bucket start, Unix milliseconds
	Open        float64 // first price in the bucket
	High        float64 // highest price in the bucket
	Low         float64 // lowest price in the bucket
	Close       float64 // last price in the bucket
	Volume      float64 // traded volume; zero for live bars (the tick stream carries no size)
}

// Valid reports whether the OHLC fields satisfy the candle invariant:
// low <= min(open, close) and high >= max(open, close).
func (c *Candle) Valid() bool {
	lo := c.Open
	if c.Close < lo {
		lo = c.Close
	}
	hi := c.Open
	if c.Close > hi {
		hi = c.Close
	}
	return c.Low <= lo && c.High >= hi
}
