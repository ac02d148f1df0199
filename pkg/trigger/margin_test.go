package trigger

import (
	"testing"

	"github.com/openperp/keeper/pkg/store"
)

func TestMarginCheckerLong(t *testing.T) {
	// 5% maintenance margin.
	c := MarginChecker{MaintenanceMarginBps: 500}

	// Long 10 lots from 50000 with 100000 collateral.
	// At entry: equity = 100000, notional = 500000, maintenance = 25000.
	if c.ShouldLiquidate(50000, 100000, 10, 50000, store.Long) {
		t.Error("healthy position at entry flagged")
	}

	// Price drops to 43000: equity = 100000 + (43000-50000)*10 = 30000,
	// maintenance = 430000 * 5% = 21500. Still above water.
	if c.ShouldLiquidate(43000, 100000, 10, 50000, store.Long) {
		t.Error("position above maintenance flagged")
	}

	// Price drops to 42000: equity = 20000, maintenance = 21000. Under water.
	if !c.ShouldLiquidate(42000, 100000, 10, 50000, store.Long) {
		t.Error("under-water long not flagged")
	}
}

func TestMarginCheckerShort(t *testing.T) {
	c := MarginChecker{MaintenanceMarginBps: 500}

	// Short 10 lots from 50000 with 100000 collateral. A falling price helps.
	if c.ShouldLiquidate(45000, 100000, 10, 50000, store.Short) {
		t.Error("profitable short flagged")
	}

	// Price rises to 58000: equity = 100000 - 8000*10 = 20000,
	// maintenance = 580000 * 5% = 29000. Under water.
	if !c.ShouldLiquidate(58000, 100000, 10, 50000, store.Short) {
		t.Error("under-water short not flagged")
	}
}

func TestMarginCheckerZeroSize(t *testing.T) {
	c := MarginChecker{MaintenanceMarginBps: 500}
	if c.ShouldLiquidate(1, 0, 0, 50000, store.Long) {
		t.Error("zero-size position flagged")
	}
}
