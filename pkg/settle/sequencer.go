package settle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openperp/keeper/pkg/crypto"
	"github.com/openperp/keeper/pkg/ledger"
	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

// Sequencer turns fired triggers into executed settlement plans. For each
// plan it: (a) optimistically moves the entity into its in-progress status so
// the next poll tick cannot re-fire it, (b) reserves sequence numbers from
// the signer's nonce lease, (c) submits each call and awaits finality before
// the next, (d) commits the terminal status with transaction references, and
// (e) on failure rolls back in memory only if zero calls finalized, parking
// the entity as a partial failure otherwise.
type Sequencer struct {
	signer  *crypto.Signer
	client  ledger.Client
	nonces  *ledger.NonceManager
	store   *store.Store
	journal *store.Journal // optional; nil disables durable records
	planner *Planner
	clock   util.Clock
	log     *zap.SugaredLogger

	// maxAttempts caps settlement retries for orders; a fully rolled-back
	// order that keeps failing transport eventually parks as Failed.
	maxAttempts int
}

func NewSequencer(
	signer *crypto.Signer,
	client ledger.Client,
	nonces *ledger.NonceManager,
	st *store.Store,
	journal *store.Journal,
	planner *Planner,
	clock util.Clock,
	log *zap.SugaredLogger,
	maxAttempts int,
) *Sequencer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Sequencer{
		signer:      signer,
		client:      client,
		nonces:      nonces,
		store:       st,
		journal:     journal,
		planner:     planner,
		clock:       clock,
		log:         log,
		maxAttempts: maxAttempts,
	}
}

// runPlan submits the plan's calls in order under one nonce lease.
// Returns how many calls finalized successfully, their handles, the
// sequences used, and the first error encountered.
func (s *Sequencer) runPlan(ctx context.Context, plan *Plan) (finalized int, handles []string, seqs []uint64, err error) {
	lease, err := s.nonces.Acquire(ctx, s.signer.Address())
	if err != nil {
		return 0, nil, nil, fmt.Errorf("acquire nonce lease: %w", err)
	}

	for i := range plan.Calls {
		call := plan.Calls[i].Call
		call.Sequence = lease.Next()

		sig, err := s.signer.SignMessage(call.SigningBytes(s.signer.Address()))
		if err != nil {
			lease.Rollback()
			return finalized, handles, seqs, fmt.Errorf("sign call %d (%s): %w", i, plan.Calls[i].Kind, err)
		}

		handle, err := s.client.Submit(ctx, s.signer.Address(), call, sig)
		if err != nil {
			// Unknown whether the call landed; force a sequence re-query.
			lease.Desync()
			return finalized, handles, seqs, fmt.Errorf("submit call %d (%s): %w", i, plan.Calls[i].Kind, err)
		}

		receipt, err := s.client.AwaitFinality(ctx, handle)
		if err != nil {
			lease.Desync()
			return finalized, handles, seqs, fmt.Errorf("await call %d (%s): %w", i, plan.Calls[i].Kind, err)
		}
		if !receipt.Success {
			// The call finalized as a failure: its sequence is consumed.
			lease.Commit()
			return finalized, handles, seqs, fmt.Errorf("call %d (%s) reverted: %s", i, plan.Calls[i].Kind, receipt.Error)
		}

		finalized++
		handles = append(handles, string(handle))
		seqs = append(seqs, call.Sequence)
	}

	lease.Commit()
	return finalized, handles, seqs, nil
}

func (s *Sequencer) recordSettlement(plan *Plan, handles []string, seqs []uint64) {
	if s.journal == nil {
		return
	}
	rec := &store.SettlementRecord{
		EntityKind:  plan.EntityKind,
		EntityID:    plan.EntityID,
		PlanID:      plan.ID,
		Outcome:     plan.Outcome,
		Signer:      s.signer.Address().Hex(),
		Sequences:   seqs,
		Handles:     handles,
		CompletedAt: s.clock.Now(),
	}
	if err := s.journal.RecordSettlement(rec); err != nil {
		s.log.Errorw("journal_write_failed", "entity", plan.EntityID, "err", err)
	}
}

func (s *Sequencer) recordPartialFailure(pf *PartialFailureError, handles []string) {
	if s.journal == nil {
		return
	}
	rec := &store.PartialFailureRecord{
		EntityKind: pf.EntityKind,
		EntityID:   pf.EntityID,
		PlanID:     pf.PlanID,
		Signer:     s.signer.Address().Hex(),
		TotalCalls: pf.TotalCalls,
		Finalized:  pf.Finalized,
		Handles:    handles,
		FailedCall: pf.FailedCall,
		Reason:     pf.Reason,
		At:         s.clock.Now(),
	}
	if err := s.journal.RecordPartialFailure(rec); err != nil {
		s.log.Errorw("journal_write_failed", "entity", pf.EntityID, "err", err)
	}
}

func partialFailure(plan *Plan, finalized int, err error) *PartialFailureError {
	return &PartialFailureError{
		EntityKind: plan.EntityKind,
		EntityID:   plan.EntityID,
		PlanID:     plan.ID,
		TotalCalls: len(plan.Calls),
		Finalized:  finalized,
		FailedCall: finalized, // first non-finalized call
		Reason:     err.Error(),
	}
}

// SettleOpenOrder executes a fired open-side order (limit, tap, grid) and,
// on success, creates the resulting position in the store.
func (s *Sequencer) SettleOpenOrder(ctx context.Context, orderID string, tick price.Tick) error {
	o, err := s.store.Order(orderID)
	if err != nil {
		return err
	}
	if o.Status != store.OrderPending {
		return ErrNotActionable
	}

	// Optimistic: make the next tick idempotent against re-firing.
	if err := s.store.TransitionOrder(orderID, store.OrderExecuting, nil); err != nil {
		if store.IsTransitionError(err) {
			return ErrNotActionable
		}
		return err
	}

	plan, err := s.planner.OpenPlan(&o, tick)
	if err != nil {
		s.rollbackOrder(orderID, fmt.Sprintf("plan build: %v", err))
		return fmt.Errorf("build open plan for order %s: %w", orderID, err)
	}

	finalized, handles, seqs, err := s.runPlan(ctx, plan)
	switch {
	case err == nil:
		size := positionSize(o.Collateral, o.Leverage, tick.Price)
		if txErr := s.store.TransitionOrder(orderID, store.OrderExecuted, func(ord *store.Order) {
			ord.TxRefs = append(ord.TxRefs, handles...)
		}); txErr != nil {
			return txErr
		}
		if _, posErr := s.store.CreatePosition(&store.Position{
			Owner:      o.Owner,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Collateral: o.Collateral,
			Size:       size,
			Leverage:   o.Leverage,
			EntryPrice: tick.Price,
			Status:     store.PositionOpen,
		}); posErr != nil {
			s.log.Errorw("position_create_failed", "order", orderID, "err", posErr)
		}
		s.recordSettlement(plan, handles, seqs)
		return nil

	case finalized == 0:
		s.rollbackOrder(orderID, err.Error())
		return err

	default:
		pf := partialFailure(plan, finalized, err)
		if txErr := s.store.TransitionOrder(orderID, store.OrderPartialFailure, func(ord *store.Order) {
			ord.TxRefs = append(ord.TxRefs, handles...)
		}); txErr != nil {
			s.log.Errorw("partial_failure_transition_failed", "order", orderID, "err", txErr)
		}
		s.recordPartialFailure(pf, handles)
		return pf
	}
}

// rollbackOrder undoes the optimistic Executing transition after a plan that
// finalized nothing. Orders that keep failing park as Failed once the
// attempt budget is spent.
func (s *Sequencer) rollbackOrder(orderID, reason string) {
	o, err := s.store.Order(orderID)
	if err != nil {
		return
	}
	attempts := o.Attempts + 1

	target := store.OrderPending
	if attempts >= s.maxAttempts {
		target = store.OrderFailed
	}
	if err := s.store.TransitionOrder(orderID, target, func(ord *store.Order) {
		ord.Attempts = attempts
	}); err != nil {
		s.log.Errorw("order_rollback_failed", "order", orderID, "err", err)
		return
	}
	s.log.Warnw("settlement_rolled_back",
		"order", orderID, "attempts", attempts, "parked_failed", target == store.OrderFailed, "reason", reason)
}

// SettleClosePosition executes a fired close on a position. closeOrderID is
// the TP/SL order that fired, or empty for liquidations. outcome is recorded
// on the plan ("take_profit", "stop_loss", "liquidated").
func (s *Sequencer) SettleClosePosition(ctx context.Context, positionID, closeOrderID string, tick price.Tick, outcome string) error {
	pos, err := s.store.Position(positionID)
	if err != nil {
		return err
	}
	if pos.Status != store.PositionOpen {
		return ErrNotActionable
	}

	if err := s.store.TransitionPosition(positionID, store.PositionClosing, nil); err != nil {
		if store.IsTransitionError(err) {
			return ErrNotActionable
		}
		return err
	}
	if closeOrderID != "" {
		if err := s.store.TransitionOrder(closeOrderID, store.OrderExecuting, nil); err != nil {
			// The close order may already be settling elsewhere; undo and skip.
			s.rollbackPosition(positionID, "close order not actionable")
			if store.IsTransitionError(err) {
				return ErrNotActionable
			}
			return err
		}
	}

	var plan *Plan
	if outcome == "liquidated" {
		plan, err = s.planner.LiquidationPlan(&pos, tick)
	} else {
		plan, err = s.planner.ClosePlan(&pos, tick, outcome)
	}
	if err != nil {
		s.rollbackPosition(positionID, fmt.Sprintf("plan build: %v", err))
		s.rollbackCloseOrder(closeOrderID, "plan build failed")
		return fmt.Errorf("build close plan for position %s: %w", positionID, err)
	}

	finalized, handles, seqs, err := s.runPlan(ctx, plan)
	switch {
	case err == nil:
		if txErr := s.store.TransitionPosition(positionID, store.PositionClosed, func(p *store.Position) {
			p.TxRefs = append(p.TxRefs, handles...)
		}); txErr != nil {
			return txErr
		}
		if closeOrderID != "" {
			if txErr := s.store.TransitionOrder(closeOrderID, store.OrderExecuted, func(o *store.Order) {
				o.TxRefs = append(o.TxRefs, handles...)
			}); txErr != nil {
				s.log.Errorw("close_order_commit_failed", "order", closeOrderID, "err", txErr)
			}
		}
		s.recordSettlement(plan, handles, seqs)
		return nil

	case finalized == 0:
		s.rollbackPosition(positionID, err.Error())
		s.rollbackCloseOrder(closeOrderID, err.Error())
		return err

	default:
		pf := partialFailure(plan, finalized, err)
		if txErr := s.store.TransitionPosition(positionID, store.PositionPartialFailure, func(p *store.Position) {
			p.TxRefs = append(p.TxRefs, handles...)
		}); txErr != nil {
			s.log.Errorw("partial_failure_transition_failed", "position", positionID, "err", txErr)
		}
		if closeOrderID != "" {
			if txErr := s.store.TransitionOrder(closeOrderID, store.OrderPartialFailure, nil); txErr != nil {
				s.log.Errorw("partial_failure_transition_failed", "order", closeOrderID, "err", txErr)
			}
		}
		s.recordPartialFailure(pf, handles)
		return pf
	}
}

// rollbackPosition returns a Closing position to Open; positions are never
// parked as failed in memory, the next scan retries them.
func (s *Sequencer) rollbackPosition(positionID, reason string) {
	if err := s.store.TransitionPosition(positionID, store.PositionOpen, func(p *store.Position) {
		p.Attempts++
	}); err != nil {
		s.log.Errorw("position_rollback_failed", "position", positionID, "err", err)
		return
	}
	s.log.Warnw("settlement_rolled_back", "position", positionID, "reason", reason)
}

func (s *Sequencer) rollbackCloseOrder(closeOrderID, reason string) {
	if closeOrderID == "" {
		return
	}
	if err := s.store.TransitionOrder(closeOrderID, store.OrderPending, func(o *store.Order) {
		o.Attempts++
	}); err != nil {
		s.log.Errorw("order_rollback_failed", "order", closeOrderID, "err", err)
		return
	}
	s.log.Warnw("settlement_rolled_back", "order", closeOrderID, "reason", reason)
}

// SettleBet settles a price-target bet as won or lost.
func (s *Sequencer) SettleBet(ctx context.Context, venue, betID string, tick price.Tick, won bool) error {
	b, err := s.store.Bet(venue, betID)
	if err != nil {
		return err
	}
	if b.Status != store.BetActive {
		return ErrNotActionable
	}

	if err := s.store.TransitionBet(venue, betID, store.BetSettling, nil); err != nil {
		if store.IsTransitionError(err) {
			return ErrNotActionable
		}
		return err
	}

	plan, err := s.planner.BetPlan(&b, tick, won)
	if err != nil {
		s.rollbackBet(venue, betID, fmt.Sprintf("plan build: %v", err))
		return fmt.Errorf("build bet plan for %s/%s: %w", venue, betID, err)
	}

	terminal := store.BetLost
	if won {
		terminal = store.BetWon
	}

	finalized, handles, seqs, err := s.runPlan(ctx, plan)
	switch {
	case err == nil:
		if txErr := s.store.TransitionBet(venue, betID, terminal, func(bb *store.Bet) {
			bb.TxRefs = append(bb.TxRefs, handles...)
		}); txErr != nil {
			return txErr
		}
		s.recordSettlement(plan, handles, seqs)
		return nil

	case finalized == 0:
		s.rollbackBet(venue, betID, err.Error())
		return err

	default:
		pf := partialFailure(plan, finalized, err)
		if txErr := s.store.TransitionBet(venue, betID, store.BetPartialFailure, func(bb *store.Bet) {
			bb.TxRefs = append(bb.TxRefs, handles...)
		}); txErr != nil {
			s.log.Errorw("partial_failure_transition_failed", "bet", b.Key(), "err", txErr)
		}
		s.recordPartialFailure(pf, handles)
		return pf
	}
}

func (s *Sequencer) rollbackBet(venue, betID, reason string) {
	if err := s.store.TransitionBet(venue, betID, store.BetActive, func(b *store.Bet) {
		b.Attempts++
	}); err != nil {
		s.log.Errorw("bet_rollback_failed", "bet", store.BetKey(venue, betID), "err", err)
		return
	}
	s.log.Warnw("settlement_rolled_back", "bet", store.BetKey(venue, betID), "reason", reason)
}

// positionSize converts collateral and leverage at the fill price into lots.
func positionSize(collateral, leverage, price int64) int64 {
	if price <= 0 {
		return 0
	}
	return collateral * leverage / price
}

// Retryable reports whether a settlement error should simply be retried on
// the next poll tick (transport trouble or a benign race), as opposed to a
// partial failure needing an operator.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPartialFailure(err) {
		return false
	}
	if errors.Is(err, ErrNotActionable) {
		return false
	}
	return true
}
