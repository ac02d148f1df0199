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

// LimitExecutor fires pending limit-open orders whose trigger price has been
// crossed.
type LimitExecutor struct {
	base
	validator *auth.Validator
}

func NewLimitExecutor(
	st *store.Store,
	prices *price.Cache,
	seq *settle.Sequencer,
	validator *auth.Validator,
	clock util.Clock,
	log *zap.SugaredLogger,
	metrics *Metrics,
	staleness time.Duration,
) *LimitExecutor {
	return &LimitExecutor{
		base:      newBase("limit_executor", st, prices, seq, clock, log, metrics, staleness),
		validator: validator,
	}
}

func (e *LimitExecutor) Name() string { return e.name }

func (e *LimitExecutor) Scan(ctx context.Context) {
	now := e.clock.Now()
	pending := store.OrderPending
	kind := store.LimitOpen
	orders := e.store.OrdersWhere(store.OrderFilter{Status: &pending, Kind: &kind})

	for i := range orders {
		o := orders[i]

		tick, ok := e.freshTick(o.Symbol, now)
		if !ok {
			continue
		}
		if trigger.LimitOpen(&o, tick.Price) != trigger.Fire {
			continue
		}

		// Re-check authorization at execution time: a session key may have
		// expired since the order was accepted.
		if err := requireValid(e.validator, e.store, &o, e.log); err != nil {
			continue
		}

		e.metrics.Fires.WithLabelValues(e.name).Inc()
		e.observe("order", o.ID, e.seq.SettleOpenOrder(ctx, o.ID, tick))
	}
}

// requireValid re-validates an order's authorization and parks it as
// NeedsResign when the check fails, so the owner can re-sign instead of the
// keeper burning gas on a doomed call.
func requireValid(v *auth.Validator, st *store.Store, o *store.Order, log *zap.SugaredLogger) error {
	err := v.ValidateOrder(o)
	if err == nil {
		return nil
	}
	log.Warnw("order_authorization_invalid", "order", o.ID, "err", err)
	if txErr := st.TransitionOrder(o.ID, store.OrderNeedsResign, nil); txErr != nil {
		log.Errorw("needs_resign_transition_failed", "order", o.ID, "err", txErr)
	}
	return err
}
