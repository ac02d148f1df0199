package settle

// Fee and refund arithmetic for settlement plans. The business formulas
// behind payout multipliers stay pluggable; only the venue's fixed fee split
// lives here.

// TotalFee returns collateral * feeRateBps / 10000.
func TotalFee(collateral, feeRateBps int64) int64 {
	return collateral * feeRateBps / 10000
}

// SplitFee divides a total fee into the keeper's share and the protocol's
// remainder. keeperSharePct is a whole percentage (0-100).
func SplitFee(totalFee, keeperSharePct int64) (keeperFee, protocolFee int64) {
	keeperFee = totalFee * keeperSharePct / 100
	protocolFee = totalFee - keeperFee
	return keeperFee, protocolFee
}

// Refund returns the trader's remainder after PnL and fees:
//
//	pnl >= 0: collateral + pnl - totalFee
//	pnl <  0: max(0, collateral - |pnl| - totalFee)
//
// The result is clamped at zero; a trader can never owe more than their
// collateral through this path.
func Refund(collateral, pnl, totalFee int64) int64 {
	refund := collateral + pnl - totalFee
	if refund < 0 {
		return 0
	}
	return refund
}

// PayoutMultiplier computes a bet's payout multiplier in basis points from
// its parameters. The venue's real formula is a business input, so it is
// injected; DefaultPayoutMultiplier is a placeholder used when none is
// configured.
type PayoutMultiplier func(entryPrice, targetPrice int64) int64

// DefaultPayoutMultiplier pays 2x minus nothing: 20000 bps.
func DefaultPayoutMultiplier(entryPrice, targetPrice int64) int64 {
	return 20000
}
