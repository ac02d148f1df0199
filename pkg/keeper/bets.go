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

// BetMonitor settles price-target bets: WON when a fresh tick lands inside
// the target band during the bet's window, LOST once the window has passed
// without a win.
type BetMonitor struct {
	base

	// bandFor returns the per-symbol half band width.
	bandFor func(symbol string) int64
}

func NewBetMonitor(
	st *store.Store,
	prices *price.Cache,
	seq *settle.Sequencer,
	bandFor func(symbol string) int64,
	clock util.Clock,
	log *zap.SugaredLogger,
	metrics *Metrics,
	staleness time.Duration,
) *BetMonitor {
	return &BetMonitor{
		base:    newBase("bet_monitor", st, prices, seq, clock, log, metrics, staleness),
		bandFor: bandFor,
	}
}

func (m *BetMonitor) Name() string { return m.name }

func (m *BetMonitor) Scan(ctx context.Context) {
	now := m.clock.Now()
	active := store.BetActive
	bets := m.store.BetsWhere(store.BetFilter{Status: &active})

	for i := range bets {
		b := bets[i]

		// A win needs a fresh tick inside the band. A loss only needs the
		// window to have closed; the last known tick (stale or not) is still
		// attached to the settlement for the record.
		tick, fresh := m.freshTick(b.Symbol, now)
		if fresh {
			switch trigger.Bet(&b, tick.Price, now, m.bandFor(b.Symbol)) {
			case trigger.BetWin:
				m.metrics.Fires.WithLabelValues(m.name).Inc()
				m.observe("bet", b.Key(), m.seq.SettleBet(ctx, b.Venue, b.ID, tick, true))
				continue
			case trigger.BetLose:
				m.metrics.Fires.WithLabelValues(m.name).Inc()
				m.observe("bet", b.Key(), m.seq.SettleBet(ctx, b.Venue, b.ID, tick, false))
				continue
			}
			continue
		}

		if now.After(b.TargetTime) {
			lastTick, ok := m.prices.Get(b.Symbol)
			if !ok {
				lastTick = price.Tick{Symbol: b.Symbol, PublishTime: now}
			}
			m.metrics.Fires.WithLabelValues(m.name).Inc()
			m.observe("bet", b.Key(), m.seq.SettleBet(ctx, b.Venue, b.ID, lastTick, false))
		}
	}
}
