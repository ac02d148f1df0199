package keeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/settle"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/trigger"
	"github.com/openperp/keeper/pkg/util"
)

// LiquidationMonitor scans open positions and liquidates the ones the risk
// collaborator marks under water.
type LiquidationMonitor struct {
	base
	checker trigger.LiquidationChecker
}

func NewLiquidationMonitor(
	st *store.Store,
	prices *price.Cache,
	seq *settle.Sequencer,
	checker trigger.LiquidationChecker,
	clock util.Clock,
	log *zap.SugaredLogger,
	metrics *Metrics,
	staleness time.Duration,
) *LiquidationMonitor {
	return &LiquidationMonitor{
		base:    newBase("liquidation_monitor", st, prices, seq, clock, log, metrics, staleness),
		checker: checker,
	}
}

func (m *LiquidationMonitor) Name() string { return m.name }

func (m *LiquidationMonitor) Scan(ctx context.Context) {
	now := m.clock.Now()
	open := store.PositionOpen
	positions := m.store.PositionsWhere(store.PositionFilter{Status: &open})

	for i := range positions {
		pos := positions[i]

		tick, ok := m.freshTick(pos.Symbol, now)
		if !ok {
			continue
		}
		if trigger.Liquidate(&pos, tick.Price, m.checker) != trigger.Fire {
			continue
		}

		m.metrics.Fires.WithLabelValues(m.name).Inc()
		m.log.Warnw("liquidation_triggered",
			"position", pos.ID, "owner", pos.Owner.Hex(), "symbol", pos.Symbol,
			"entry_price", pos.EntryPrice, "mark_price", tick.Price)
		m.observe("position", pos.ID, m.seq.SettleClosePosition(ctx, pos.ID, "", tick, "liquidated"))
	}
}
