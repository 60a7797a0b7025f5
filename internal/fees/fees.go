// Package fees reproduces the venue's two fee schedules client-side.
//
// Flat mode is simple display math and stays in float64. Tiered mode must
// match the venue's on-chain computation bit for bit, because the result is
// the exact fee charged on close. It therefore runs on arbitrary-precision
// integers with truncating division at every step, exactly as the contract
// does.
package fees

import "math/big"

// precision is the fixed-point factor shared by the tier table, tiered
// percent-profit values and per-mille fee rates.
const precision = 10_000_000_000 // 1e10

// Flat-schedule constants, 1e10 fixed point.
const (
	OpenFeeP      = 450_000_000 // 4.5 bps of position size
	CloseFeeP     = 450_000_000
	LimitOrderFeeP = 100_000_000
	MinLevPosUSDC = 10_000_000 // minimum leveraged position, 1e6 fixed point
)

// FlatFeeRate is OpenFeeP descaled: the fraction of position size charged on
// open and again on close under the flat schedule.
const FlatFeeRate = 0.00045

// tierP is the ascending list of percent-profit upper bounds (1e10 fixed
// point) and feesP the matching fee rates. A profit above every bound falls
// into the last tier.
var (
	tierP = []int64{
		10_000_000_000, 50_000_000_000, 250_000_000_000, 500_000_000_000,
		1_000_000_000_000, 2_500_000_000_000, 5_000_000_000_000,
		15_000_000_000_000, 25_000_000_000_000, 30_000_000_000_000,
	}
	feesP = []int64{
		800_000_000_000, 500_000_000_000, 450_000_000_000, 375_000_000_000,
		275_000_000_000, 250_000_000_000, 250_000_000_000, 225_000_000_000,
		150_000_000_000, 25_000_000_000,
	}
)

// Flat returns the flat-schedule fee on a position of collateral * leverage,
// in the same units as collateral. Zero-fee positions pay nothing.
func Flat(collateral, leverage float64, zeroFee bool) float64 {
	if zeroFee {
		return 0
	}
	return collateral * leverage * FlatFeeRate
}

// PnLBased returns the tiered closing fee for a position with the given
// collateral (1e6 fixed point) and percent profit (1e10 fixed point).
// A losing position pays no fee. The returned fee is 1e6 fixed point.
//
// Every division truncates toward zero, matching the venue's integer math;
// do not reorder or fold the division steps.
func PnLBased(collateral, percentProfit int64) int64 {
	if percentProfit < 0 {
		return 0
	}

	i := 0
	for ; i < len(tierP); i++ {
		if percentProfit < tierP[i] {
			break
		}
	}
	if i == len(tierP) {
		i--
	}

	prec := big.NewInt(precision)
	hundred := big.NewInt(100)

	pnl := new(big.Int).Mul(big.NewInt(collateral), big.NewInt(percentProfit))
	pnl.Quo(pnl, prec)
	pnl.Quo(pnl, hundred)

	fee := new(big.Int).Mul(big.NewInt(feesP[i]), pnl)
	fee.Quo(fee, prec)
	fee.Quo(fee, hundred)

	return fee.Int64()
}

// TierCount returns the number of profit tiers in the schedule.
func TierCount() int {
	return len(tierP)
}
