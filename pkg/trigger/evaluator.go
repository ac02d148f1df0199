// Package trigger holds the pure decision functions that turn (entity,
// current price, current time) into fire/wait decisions. Nothing here has
// side effects; the keeper loops own all state changes.
package trigger

import (
	"time"

	"github.com/openperp/keeper/pkg/store"
)

type Decision int8

const (
	Wait Decision = iota
	Fire
)

func (d Decision) String() string {
	if d == Fire {
		return "fire"
	}
	return "wait"
}

// LiquidationChecker is the external risk-evaluation collaborator. The
// keeper only routes inputs to it; the predicate itself lives with the
// venue's risk engine.
type LiquidationChecker interface {
	ShouldLiquidate(price, collateral, size, entryPrice int64, side store.Side) bool
}

// LimitOpen fires when the market has crossed to or through the trigger in
// the direction that favors the entry: longs buy at or below trigger,
// shorts sell at or above.
func LimitOpen(o *store.Order, price int64) Decision {
	if o.Side == store.Long && price <= o.TriggerPrice {
		return Fire
	}
	if o.Side == store.Short && price >= o.TriggerPrice {
		return Fire
	}
	return Wait
}

// TakeProfit fires when the position's profit target is reached. side is the
// side of the position being closed.
func TakeProfit(side store.Side, triggerPrice, price int64) Decision {
	if side == store.Long && price >= triggerPrice {
		return Fire
	}
	if side == store.Short && price <= triggerPrice {
		return Fire
	}
	return Wait
}

// StopLoss fires when the market has moved against the position past the
// stop: mirror image of TakeProfit.
func StopLoss(side store.Side, triggerPrice, price int64) Decision {
	if side == store.Long && price <= triggerPrice {
		return Fire
	}
	if side == store.Short && price >= triggerPrice {
		return Fire
	}
	return Wait
}

// Liquidate delegates to the risk collaborator.
func Liquidate(p *store.Position, price int64, checker LiquidationChecker) Decision {
	if checker.ShouldLiquidate(price, p.Collateral, p.Size, p.EntryPrice, p.Side) {
		return Fire
	}
	return Wait
}

// TapToTrade is LimitOpen additionally gated by the order's time window.
// Outside the window the order simply waits; expiring it once now passes
// windowEnd is the owning loop's job, not the evaluator's.
func TapToTrade(o *store.Order, price int64, now time.Time) Decision {
	if !o.InWindow(now) {
		return Wait
	}
	return LimitOpen(o, price)
}

type BetOutcome int8

const (
	BetWait BetOutcome = iota
	BetWin
	BetLose
)

func (o BetOutcome) String() string {
	switch o {
	case BetWin:
		return "win"
	case BetLose:
		return "lose"
	default:
		return "wait"
	}
}

// Bet settles WON when a tick lands within the half-band around the target
// while the window [entryTime, targetTime] is open, and LOST once targetTime
// has passed without a win. halfBand is per-symbol configuration.
func Bet(b *store.Bet, price int64, now time.Time, halfBand int64) BetOutcome {
	inWindow := !now.Before(b.EntryTime) && !now.After(b.TargetTime)
	if inWindow && price >= b.TargetPrice-halfBand && price <= b.TargetPrice+halfBand {
		return BetWin
	}
	if now.After(b.TargetTime) {
		return BetLose
	}
	return BetWait
}
