// Package candles turns a stream of trade ticks into time-bucketed OHLC
// candles and reconciles live bars with fetched history.
package candles

import "time"

// Resolution identifies a candle bucket width. The string values are the
// chart vendor's resolution codes: a bare number is minutes, "D" is one
// UTC day, "1W" is one ISO week.
type Resolution string

const (
	Res1m  Resolution = "1"
	Res5m  Resolution = "5"
	Res4h  Resolution = "240"
	ResDay Resolution = "D"
	Res1w  Resolution = "1W"
)

// Resolutions lists every supported resolution, coarsest last.
var Resolutions = []Resolution{Res1m, Res5m, Res4h, ResDay, Res1w}

// Valid reports whether r is one of the supported resolution codes.
func (r Resolution) Valid() bool {
	switch r {
	case Res1m, Res5m, Res4h, ResDay, Res1w:
		return true
	}
	return false
}

// Seconds returns the nominal bucket width. Unknown codes fall back to one
// minute rather than failing, matching the upstream chart contract.
func (r Resolution) Seconds() int64 {
	switch r {
	case Res1m:
		return 60
	case Res5m:
		return 300
	case Res4h:
		return 14_400
	case ResDay:
		return 86_400
	case Res1w:
		return 604_800
	default:
		return 60
	}
}

// BucketStartMs aligns a timestamp down to the start of its bucket.
//
// Daily buckets start at UTC midnight and weekly buckets on Monday at UTC
// midnight; intraday buckets sit on a fixed grid of Seconds() from the
// epoch.
func (r Resolution) BucketStartMs(tsMs int64) int64 {
	switch r {
	case Res1w:
		return startOfWeek(tsMs).UnixMilli()
	case ResDay:
		return startOfDay(tsMs).UnixMilli()
	default:
		sec := tsMs / 1000
		step := r.Seconds()
		return (sec / step) * step * 1000
	}
}

// NextBucketStartMs returns the first boundary strictly after the bucket
// containing tsMs. Day and week advance by calendar arithmetic, so the
// result lands on the next UTC midnight or Monday even across DST or
// month-length changes; intraday advances by a fixed number of seconds.
func (r Resolution) NextBucketStartMs(tsMs int64) int64 {
	switch r {
	case Res1w:
		return startOfWeek(tsMs).AddDate(0, 0, 7).UnixMilli()
	case ResDay:
		return startOfDay(tsMs).AddDate(0, 0, 1).UnixMilli()
	default:
		sec := tsMs / 1000
		step := r.Seconds()
		return (sec/step + 1) * step * 1000
	}
}

func startOfDay(tsMs int64) time.Time {
	t := time.UnixMilli(tsMs).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfWeek(tsMs int64) time.Time {
	day := startOfDay(tsMs)
	// time.Weekday counts from Sunday; shift so Monday opens the week.
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
