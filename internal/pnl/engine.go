// Package pnl computes live unrealized PnL, fees and liquidation figures for
// open leveraged positions.
//
// All functions are pure: position snapshot plus current price in, result
// out. Data-quality problems (missing price, zero leverage, zero open price)
// produce nil or zero/NaN sentinel results, never a panic or error, and
// display code decides how to fall back.
package pnl

import (
	"math"

	"perp-trading-core/internal/domain"
	"perp-trading-core/internal/fees"
	"perp-trading-core/internal/fixedpoint"
)

// Mode tags a Result with the fee schedule that produced it. The values
// match the backend's position type strings.
type Mode string

const (
	// ModeFlatFee is the flat 4.5 bps schedule.
	ModeFlatFee Mode = "nonZeroFeePerp"

	// ModeTieredFee is the PnL-based tiered schedule.
	ModeTieredFee Mode = "zeroFeePerp"
)

// liqThreshold is the percentage of adjusted collateral that may be eroded
// before the venue liquidates the position.
const liqThreshold = 85

// Result holds the display-level PnL figures for one position at one price.
// It is recomputed on every price tick and never persisted.
type Result struct {
	GrossPnl        float64 // price move times shares, before fees
	GrossPnlPercent float64 // gross PnL relative to collateral
	Fee             float64 // closing fee (flat) or tiered PnL fee
	RolloverFee     float64 // accrued rollover, flat mode only
	NetPnl          float64 // gross minus fees
	NetPnlPercent   float64 // net PnL relative to collateral, percent
	Mode            Mode
}

// Compute returns the PnL figures for a position at currentPrice (unscaled
// display units, e.g. 64231.5 for BTC/USD). A missing price (zero or NaN)
// yields nil, meaning "data not yet available".
func Compute(p domain.Position, currentPrice float64) *Result {
	if currentPrice == 0 || math.IsNaN(currentPrice) {
		return nil
	}
	if p.FeeMode == domain.FeeModeTiered {
		return computeTiered(p, currentPrice)
	}
	return computeFlat(p, currentPrice)
}

// computeFlat prices a flat-schedule position in display units.
func computeFlat(p domain.Position, currentPrice float64) *Result {
	openPrice := fixedpoint.DescaleFloat(p.OpenPrice, fixedpoint.ExpPrice)
	collateral := fixedpoint.DescaleFloat(p.Collateral, fixedpoint.ExpUSDC)
	rolloverFee := fixedpoint.DescaleFloat(p.RolloverFee, fixedpoint.ExpUSDC)

	openingFee := fees.Flat(collateral, p.Leverage, false)
	adjustedCollateral := collateral - openingFee
	shares := fixedpoint.Shares(p.Leverage, adjustedCollateral, openPrice)

	var grossPnl float64
	if p.Long {
		grossPnl = (currentPrice - openPrice) * shares
	} else {
		grossPnl = (openPrice - currentPrice) * shares
	}

	closingFee := fees.Flat(collateral, p.Leverage, false)
	netPnl := grossPnl - closingFee - rolloverFee

	grossPct := math.NaN()
	netPct := math.NaN()
	if collateral != 0 {
		grossPct = grossPnl / collateral * 100
		netPct = netPnl / collateral * 100
	}

	return &Result{
		GrossPnl:        grossPnl,
		GrossPnlPercent: grossPct,
		Fee:             closingFee,
		RolloverFee:     rolloverFee,
		NetPnl:          netPnl,
		NetPnlPercent:   netPct,
		Mode:            ModeFlatFee,
	}
}

// computeTiered prices a tiered-schedule position. The percent-profit and
// fee steps run on the raw scaled integers so the fee matches the venue
// exactly; only the final figures are descaled for display.
func computeTiered(p domain.Position, currentPrice float64) *Result {
	priceScale := math.Pow10(int(fixedpoint.ExpPrice))
	percentProfit := PercentProfit(p, currentPrice*priceScale)

	collateral := float64(p.Collateral)
	grossPnl := float64(percentProfit) / 1e12 * collateral
	fee := float64(fees.PnLBased(p.Collateral, percentProfit))
	netPnl := grossPnl - fee

	netPct := math.NaN()
	if collateral != 0 {
		netPct = netPnl / (collateral / 1e6) * 100
	}

	return &Result{
		GrossPnl:        grossPnl / 1e6,
		GrossPnlPercent: float64(percentProfit) / 1e10,
		Fee:             fee / 1e6,
		NetPnl:          netPnl / 1e6,
		NetPnlPercent:   netPct / 1e6,
		Mode:            ModeTieredFee,
	}
}

// PercentProfit computes the scaled percent-profit figure the tier lookup
// keys on: floor(((currentPrice - openPrice) * shares / collateral) * 1e8),
// sign flipped for shorts. currentPrice must carry the same 1e10 factor as
// the position's open price; the venue carries leverage at that factor too,
// so the unscaled Leverage field is rescaled here. Degenerate positions
// (zero open price or collateral) yield 0.
func PercentProfit(p domain.Position, currentPrice float64) int64 {
	openPrice := float64(p.OpenPrice)
	collateral := float64(p.Collateral)
	if openPrice == 0 || collateral == 0 {
		return 0
	}

	leverage := p.Leverage * 1e10
	shares := (leverage * collateral / openPrice) / 1e6

	var pnl float64
	if p.Long {
		pnl = (currentPrice - openPrice) * shares / collateral
	} else {
		pnl = (openPrice - currentPrice) * shares / collateral
	}
	return int64(math.Floor(pnl * 1e8))
}

// LiquidationPrice returns the full-loss price for a position: where the
// adjusted collateral is eroded to the venue's 85% threshold. Inputs are
// display units. The result is clamped to zero; degenerate inputs (zero
// leverage, zero adjusted collateral) also yield zero.
func LiquidationPrice(entryPrice, collateral, leverage, rolloverFee float64, long, zeroFee bool) float64 {
	openingFee := fees.Flat(collateral, leverage, zeroFee)
	adjustedCollateral := collateral - openingFee

	denom := adjustedCollateral * leverage
	if denom == 0 || math.IsNaN(denom) {
		return 0
	}

	distance := entryPrice * (adjustedCollateral*liqThreshold/100 - rolloverFee) / denom

	var liqPrice float64
	if long {
		liqPrice = entryPrice - distance
	} else {
		liqPrice = entryPrice + distance
	}

	if liqPrice > 0 {
		return liqPrice
	}
	return 0
}

// LiquidationForPosition is LiquidationPrice applied to a raw position
// snapshot, descaling its fields first.
func LiquidationForPosition(p domain.Position) float64 {
	return LiquidationPrice(
		fixedpoint.DescaleFloat(p.OpenPrice, fixedpoint.ExpPrice),
		fixedpoint.DescaleFloat(p.Collateral, fixedpoint.ExpUSDC),
		p.Leverage,
		fixedpoint.DescaleFloat(p.RolloverFee, fixedpoint.ExpUSDC),
		p.Long,
		p.FeeMode == domain.FeeModeTiered,
	)
}

// LiquidationDistancePercent returns how far the current price sits from the
// liquidation price, as a percentage of current price. The sign is preserved
// to indicate the direction of risk. A zero current price yields NaN.
func LiquidationDistancePercent(liqPrice, currentPrice float64) float64 {
	if currentPrice == 0 {
		return math.NaN()
	}
	return (liqPrice - currentPrice) / currentPrice * 100
}

// ProjectedNet returns the net PnL a position would realize if closed at
// exitPrice, in display units. The closing fee mirrors the opening fee on
// the entry position size. Degenerate inputs yield 0.
func ProjectedNet(entryPrice, exitPrice, collateral, leverage float64, long, zeroFee bool) float64 {
	if entryPrice == 0 || exitPrice == 0 || collateral == 0 || leverage == 0 {
		return 0
	}

	openingFee := fees.Flat(collateral, leverage, zeroFee)
	adjustedCollateral := collateral - openingFee
	shares := fixedpoint.Shares(leverage, adjustedCollateral, entryPrice)

	var grossPnl float64
	if long {
		grossPnl = (exitPrice - entryPrice) * shares
	} else {
		grossPnl = (entryPrice - exitPrice) * shares
	}

	closingFee := fees.Flat(collateral, leverage, zeroFee)
	return grossPnl - closingFee
}

// ExitPriceForNetPercent inverts ProjectedNet: the exit price at which the
// position's net PnL equals percent of collateral. Negative percents give
// stop-loss prices. Returns false when shares are degenerate.
func ExitPriceForNetPercent(entryPrice, collateral, leverage, percent float64, long, zeroFee bool) (float64, bool) {
	openingFee := fees.Flat(collateral, leverage, zeroFee)
	adjustedCollateral := collateral - openingFee
	shares := fixedpoint.Shares(leverage, adjustedCollateral, entryPrice)
	if shares <= 0 || math.IsNaN(shares) {
		return 0, false
	}

	closingFee := fees.Flat(collateral, leverage, zeroFee)
	targetNet := collateral * (percent / 100)
	delta := (targetNet + closingFee) / shares

	if long {
		return entryPrice + delta, true
	}
	return entryPrice - delta, true
}
