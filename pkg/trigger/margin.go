package trigger

import "github.com/openperp/keeper/pkg/store"

// MarginChecker is the default LiquidationChecker: liquidate once equity
// (collateral + unrealized PnL) falls below the maintenance margin of the
// position's notional.
type MarginChecker struct {
	MaintenanceMarginBps int64
}

func (c MarginChecker) ShouldLiquidate(price, collateral, size, entryPrice int64, side store.Side) bool {
	if size <= 0 {
		return false
	}

	diff := price - entryPrice
	if side == store.Short {
		diff = -diff
	}
	equity := collateral + diff*size

	notional := size * price
	if notional < 0 {
		notional = -notional
	}
	maintenance := notional * c.MaintenanceMarginBps / 10000

	return equity <= maintenance
}
