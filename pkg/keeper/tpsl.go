package keeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openperp/keeper/pkg/auth"
	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/settle"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/trigger"
	"github.com/openperp/keeper/pkg/util"
)

// TPSLMonitor watches take-profit (LimitClose) and stop-loss orders attached
// to open positions and closes the position when one fires.
type TPSLMonitor struct {
	base
	validator *auth.Validator
}

func NewTPSLMonitor(
	st *store.Store,
	prices *price.Cache,
	seq *settle.Sequencer,
	validator *auth.Validator,
	clock util.Clock,
	log *zap.SugaredLogger,
	metrics *Metrics,
	staleness time.Duration,
) *TPSLMonitor {
	return &TPSLMonitor{
		base:      newBase("tpsl_monitor", st, prices, seq, clock, log, metrics, staleness),
		validator: validator,
	}
}

func (m *TPSLMonitor) Name() string { return m.name }

func (m *TPSLMonitor) Scan(ctx context.Context) {
	now := m.clock.Now()
	pending := store.OrderPending

	for _, kind := range []store.OrderKind{store.LimitClose, store.StopLoss} {
		k := kind
		orders := m.store.OrdersWhere(store.OrderFilter{Status: &pending, Kind: &k})

		for i := range orders {
			o := orders[i]
			if o.PositionID == "" {
				continue
			}

			pos, err := m.store.Position(o.PositionID)
			if err != nil || pos.Status != store.PositionOpen {
				continue
			}

			tick, ok := m.freshTick(pos.Symbol, now)
			if !ok {
				continue
			}

			var decision trigger.Decision
			outcome := "take_profit"
			if o.Kind == store.StopLoss {
				decision = trigger.StopLoss(pos.Side, o.TriggerPrice, tick.Price)
				outcome = "stop_loss"
			} else {
				decision = trigger.TakeProfit(pos.Side, o.TriggerPrice, tick.Price)
			}
			if decision != trigger.Fire {
				continue
			}

			if err := requireValid(m.validator, m.store, &o, m.log); err != nil {
				continue
			}

			m.metrics.Fires.WithLabelValues(m.name).Inc()
			m.observe("position", pos.ID, m.seq.SettleClosePosition(ctx, pos.ID, o.ID, tick, outcome))
		}
	}
}
