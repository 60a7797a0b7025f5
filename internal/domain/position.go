package domain

// FeeMode selects which of the venue's two fee schedules applies to a
// position.
type FeeMode string

const (
	// FeeModeFlat charges a fixed 4.5 bps of position size on open and close.
	FeeModeFlat FeeMode = "FLAT"

	// FeeModeTiered charges no opening fee; the closing fee is looked up from
	// the profit-tier table and taken out of realized PnL.
	FeeModeTiered FeeMode = "TIERED"
)

// IsValid checks if the fee mode is a valid value.
func (m FeeMode) IsValid() bool {
	return m == FeeModeFlat || m == FeeModeTiered
}

// Position is a snapshot of an open leveraged position as delivered by the
// trading backend. Monetary and price fields arrive pre-scaled by fixed-point
// factors and are treated as opaque integers until explicitly descaled:
// prices carry a 1e10 factor, USDC amounts a 1e6 factor.
//
// The computation core reads positions, it never creates or mutates them.
type Position struct {
	ID        string // backend position identifier
	Trader    string // owning account address
	PairIndex int    // venue pair index, keys the price feed

	OpenPrice   int64   // entry price, 1e10 fixed point
	Collateral  int64   // committed collateral, 1e6 fixed point (USDC)
	Leverage    float64 // position size multiplier
	Long        bool    // true for long, false for short
	FeeMode     FeeMode // fee schedule, see FeeMode
	RolloverFee int64   // accrued rollover fee, 1e6 fixed point

	TakeProfit *int64 // optional TP trigger price, 1e10 fixed point
	StopLoss   *int64 // optional SL trigger price, 1e10 fixed point

	OpenedAtMs int64 // open time, Unix milliseconds
}
