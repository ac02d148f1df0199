package keeper

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/settle"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

// base carries the plumbing every loop handler shares.
type base struct {
	name      string
	store     *store.Store
	prices    *price.Cache
	seq       *settle.Sequencer
	clock     util.Clock
	log       *zap.SugaredLogger
	metrics   *Metrics
	staleness time.Duration
}

func newBase(
	name string,
	st *store.Store,
	prices *price.Cache,
	seq *settle.Sequencer,
	clock util.Clock,
	log *zap.SugaredLogger,
	metrics *Metrics,
	staleness time.Duration,
) base {
	return base{
		name:      name,
		store:     st,
		prices:    prices,
		seq:       seq,
		clock:     clock,
		log:       log.With("loop", name),
		metrics:   metrics,
		staleness: staleness,
	}
}

// freshTick returns the symbol's tick if it is younger than the loop's
// staleness bound. A stale or missing tick is skipped silently: it is not a
// failure, the next cycle re-evaluates.
func (b *base) freshTick(symbol string, now time.Time) (price.Tick, bool) {
	tick, ok := b.prices.Get(symbol)
	if !ok || b.prices.IsStale(symbol, now, b.staleness) {
		b.metrics.StaleSkips.WithLabelValues(b.name).Inc()
		return price.Tick{}, false
	}
	return tick, true
}

// observe classifies a settlement result: done, benign race, retry next
// tick, or partial failure needing an operator.
func (b *base) observe(entityKind, entityID string, err error) {
	switch {
	case err == nil:
		b.metrics.Settlements.WithLabelValues(b.name, "ok").Inc()
		b.log.Infow("settled", "entity_kind", entityKind, "entity", entityID)

	case errors.Is(err, settle.ErrNotActionable):
		// Double fire or trigger race: another path already owns the entity.

	case settle.IsPartialFailure(err):
		b.metrics.Settlements.WithLabelValues(b.name, "partial").Inc()
		b.metrics.PartialFailures.Inc()
		b.log.Errorw("settlement_partial_failure", "entity_kind", entityKind, "entity", entityID, "err", err)

	default:
		b.metrics.Settlements.WithLabelValues(b.name, "retry").Inc()
		b.log.Warnw("settlement_failed_will_retry", "entity_kind", entityKind, "entity", entityID, "err", err)
	}
}
