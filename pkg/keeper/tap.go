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

// TapExecutor fires time-windowed orders: tap-to-trade and grid cell orders.
// Orders past their window are expired here rather than waiting for the slow
// cleanup sweep, and grid cell statuses are derived after each fill.
type TapExecutor struct {
	base
	validator *auth.Validator
}

func NewTapExecutor(
	st *store.Store,
	prices *price.Cache,
	seq *settle.Sequencer,
	validator *auth.Validator,
	clock util.Clock,
	log *zap.SugaredLogger,
	metrics *Metrics,
	staleness time.Duration,
) *TapExecutor {
	return &TapExecutor{
		base:      newBase("tap_executor", st, prices, seq, clock, log, metrics, staleness),
		validator: validator,
	}
}

func (e *TapExecutor) Name() string { return e.name }

func (e *TapExecutor) Scan(ctx context.Context) {
	now := e.clock.Now()
	pending := store.OrderPending

	for _, kind := range []store.OrderKind{store.TapToTrade, store.GridCellOrder} {
		k := kind
		orders := e.store.OrdersWhere(store.OrderFilter{Status: &pending, Kind: &k})

		for i := range orders {
			o := orders[i]

			// The evaluator never expires; the owning loop does, once the
			// window has closed.
			if !o.WindowEnd.IsZero() && now.After(o.WindowEnd) {
				if err := e.store.TransitionOrder(o.ID, store.OrderExpired, nil); err != nil {
					e.log.Errorw("expire_transition_failed", "order", o.ID, "err", err)
				}
				continue
			}

			tick, ok := e.freshTick(o.Symbol, now)
			if !ok {
				continue
			}
			if trigger.TapToTrade(&o, tick.Price, now) != trigger.Fire {
				continue
			}

			if err := requireValid(e.validator, e.store, &o, e.log); err != nil {
				continue
			}

			e.metrics.Fires.WithLabelValues(e.name).Inc()
			err := e.seq.SettleOpenOrder(ctx, o.ID, tick)
			e.observe("order", o.ID, err)

			if err == nil && o.GridCellID != "" {
				if status, stErr := e.store.CellStatus(o.GridCellID, now); stErr == nil {
					e.log.Infow("grid_cell_updated", "cell", o.GridCellID, "status", status.String())
				}
			}
		}
	}
}
