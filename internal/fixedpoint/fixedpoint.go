// Package fixedpoint converts between the backend's scaled integer encoding
// and real-valued decimals.
//
// The venue puts every monetary and price field on the wire as an integer
// with an implied power-of-ten factor: prices carry 1e10, USDC amounts 1e6,
// and the PnL pipeline additionally uses 1e8, 1e12 and 1e18 intermediates.
// Descaling goes through decimal arithmetic so large amounts never round
// through a float64 on the way in; only the final display-level values drop
// to float64.
package fixedpoint

import (
	"math"

	"github.com/shopspring/decimal"
)

// Wire scale exponents used by the backend.
const (
	ExpUSDC    int32 = 6  // USDC amounts (collateral, fees)
	ExpPercent int32 = 8  // percent-profit intermediate
	ExpPrice   int32 = 10 // prices and fee-tier precision
	ExpPnl     int32 = 12 // PnL intermediate
	ExpWei     int32 = 18 // 18-decimal token amounts
)

// Descale converts a scaled integer into its exact decimal value:
// value / 10^exp. The conversion is lossless for any int64.
func Descale(value int64, exp int32) decimal.Decimal {
	return decimal.New(value, -exp)
}

// DescaleFloat is Descale for callers already in display-level float math.
func DescaleFloat(value int64, exp int32) float64 {
	f, _ := Descale(value, exp).Float64()
	return f
}

// ScaledString evaluates a price-feed value of the form value * 10^expo,
// where value arrives as a decimal string. Malformed input yields NaN, never
// an error: callers treat NaN as "data not yet available".
func ScaledString(value string, expo int32) float64 {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return math.NaN()
	}
	f, _ := d.Mul(decimal.New(1, expo)).Float64()
	return f
}

// Shares computes the effective quantity of the underlying controlled by a
// position: leverage * adjustedCollateral / entryPrice.
//
// A zero entry price or zero leverage makes shares undefined; both return 0
// rather than an infinity that would poison downstream PnL figures. NaN
// inputs propagate.
func Shares(leverage, adjustedCollateral, entryPrice float64) float64 {
	if math.IsNaN(leverage) || math.IsNaN(adjustedCollateral) || math.IsNaN(entryPrice) {
		return math.NaN()
	}
	if entryPrice == 0 || leverage == 0 {
		return 0
	}
	return leverage * adjustedCollateral / entryPrice
}
