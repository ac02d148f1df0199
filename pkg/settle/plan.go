package settle

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/openperp/keeper/params"
	"github.com/openperp/keeper/pkg/ledger"
	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/store"
)

// CallKind labels one step of a settlement plan.
type CallKind string

const (
	CallOpenPosition  CallKind = "open_position"
	CallClosePosition CallKind = "close_position"
	CallLiquidate     CallKind = "liquidate"
	CallProtocolFee   CallKind = "protocol_fee"
	CallKeeperFee     CallKind = "keeper_fee"
	CallRefund        CallKind = "refund"
	CallSettleBet     CallKind = "settle_bet"
)

// PlannedCall is one ledger call of a plan; its Sequence is assigned from
// the signer's nonce lease just before submission.
type PlannedCall struct {
	Kind CallKind
	Call ledger.Call
}

// Plan is the ordered list of ledger calls that fully realizes one trigger's
// outcome. All calls share one signer and strictly increasing sequences.
type Plan struct {
	ID         string
	EntityKind string // order | position | bet
	EntityID   string
	Outcome    string
	Calls      []PlannedCall
}

// Planner builds settlement plans. It owns the fee schedule, the target
// contract, and the price attestor.
type Planner struct {
	fees      params.Fees
	target    common.Address
	treasury  common.Address
	keeper    common.Address
	gasBudget uint64
	attestor  *price.Attestor
	payout    PayoutMultiplier
}

func NewPlanner(fees params.Fees, target, treasury, keeper common.Address, gasBudget uint64, attestor *price.Attestor, payout PayoutMultiplier) *Planner {
	if payout == nil {
		payout = DefaultPayoutMultiplier
	}
	return &Planner{
		fees:      fees,
		target:    target,
		treasury:  treasury,
		keeper:    keeper,
		gasBudget: gasBudget,
		attestor:  attestor,
		payout:    payout,
	}
}

// callPayload is the JSON body encoded into Call.Data.
type callPayload struct {
	Method      string             `json:"method"`
	Args        map[string]any     `json:"args"`
	Attestation *price.Attestation `json:"attestation,omitempty"`
}

func (p *Planner) encodeCall(kind CallKind, args map[string]any, att *price.Attestation) (ledger.Call, error) {
	data, err := json.Marshal(callPayload{Method: string(kind), Args: args, Attestation: att})
	if err != nil {
		return ledger.Call{}, fmt.Errorf("failed to encode %s call: %w", kind, err)
	}
	return ledger.Call{
		Target:    p.target,
		Data:      data,
		Value:     big.NewInt(0),
		GasBudget: p.gasBudget,
	}, nil
}

func (p *Planner) feeCalls(totalFee int64) ([]PlannedCall, error) {
	keeperFee, protocolFee := SplitFee(totalFee, p.fees.KeeperSharePct)

	var calls []PlannedCall
	if protocolFee > 0 {
		call, err := p.encodeCall(CallProtocolFee, map[string]any{
			"to": p.treasury.Hex(), "amount": protocolFee,
		}, nil)
		if err != nil {
			return nil, err
		}
		calls = append(calls, PlannedCall{Kind: CallProtocolFee, Call: call})
	}
	if keeperFee > 0 {
		call, err := p.encodeCall(CallKeeperFee, map[string]any{
			"to": p.keeper.Hex(), "amount": keeperFee,
		}, nil)
		if err != nil {
			return nil, err
		}
		calls = append(calls, PlannedCall{Kind: CallKeeperFee, Call: call})
	}
	return calls, nil
}

// OpenPlan realizes a fired open-side order: execute the trade at the
// attested price, then collect the fee split.
func (p *Planner) OpenPlan(o *store.Order, tick price.Tick) (*Plan, error) {
	att, err := p.attestor.Attest(o.Symbol, tick.Price)
	if err != nil {
		return nil, err
	}

	trade, err := p.encodeCall(CallOpenPosition, map[string]any{
		"owner":      o.Owner.Hex(),
		"symbol":     o.Symbol,
		"side":       o.Side.String(),
		"collateral": o.Collateral,
		"leverage":   o.Leverage,
		"price":      tick.Price,
		"orderId":    o.ID,
	}, att)
	if err != nil {
		return nil, err
	}

	calls := []PlannedCall{{Kind: CallOpenPosition, Call: trade}}
	feeCalls, err := p.feeCalls(TotalFee(o.Collateral, p.fees.RateBps))
	if err != nil {
		return nil, err
	}
	calls = append(calls, feeCalls...)

	return &Plan{
		ID:         uuid.NewString(),
		EntityKind: "order",
		EntityID:   o.ID,
		Outcome:    "open",
		Calls:      calls,
	}, nil
}

// ClosePlan realizes a TP/SL (or plain close) fire on a position: close the
// trade, collect fees, refund the trader's remainder.
func (p *Planner) ClosePlan(pos *store.Position, tick price.Tick, outcome string) (*Plan, error) {
	att, err := p.attestor.Attest(pos.Symbol, tick.Price)
	if err != nil {
		return nil, err
	}

	pnl := pos.PnL(tick.Price)
	totalFee := TotalFee(pos.Collateral, p.fees.RateBps)
	refund := Refund(pos.Collateral, pnl, totalFee)

	closeCall, err := p.encodeCall(CallClosePosition, map[string]any{
		"owner":      pos.Owner.Hex(),
		"symbol":     pos.Symbol,
		"side":       pos.Side.String(),
		"size":       pos.Size,
		"price":      tick.Price,
		"pnl":        pnl,
		"positionId": pos.ID,
	}, att)
	if err != nil {
		return nil, err
	}

	calls := []PlannedCall{{Kind: CallClosePosition, Call: closeCall}}
	feeCalls, err := p.feeCalls(totalFee)
	if err != nil {
		return nil, err
	}
	calls = append(calls, feeCalls...)

	if refund > 0 {
		refundCall, err := p.encodeCall(CallRefund, map[string]any{
			"to": pos.Owner.Hex(), "amount": refund,
		}, nil)
		if err != nil {
			return nil, err
		}
		calls = append(calls, PlannedCall{Kind: CallRefund, Call: refundCall})
	}

	return &Plan{
		ID:         uuid.NewString(),
		EntityKind: "position",
		EntityID:   pos.ID,
		Outcome:    outcome,
		Calls:      calls,
	}, nil
}

// LiquidationPlan is a ClosePlan variant whose core call is the liquidation
// entrypoint; any remainder after fees still goes back to the trader.
func (p *Planner) LiquidationPlan(pos *store.Position, tick price.Tick) (*Plan, error) {
	att, err := p.attestor.Attest(pos.Symbol, tick.Price)
	if err != nil {
		return nil, err
	}

	pnl := pos.PnL(tick.Price)
	totalFee := TotalFee(pos.Collateral, p.fees.RateBps)
	refund := Refund(pos.Collateral, pnl, totalFee)

	liq, err := p.encodeCall(CallLiquidate, map[string]any{
		"owner":      pos.Owner.Hex(),
		"symbol":     pos.Symbol,
		"side":       pos.Side.String(),
		"size":       pos.Size,
		"price":      tick.Price,
		"positionId": pos.ID,
	}, att)
	if err != nil {
		return nil, err
	}

	calls := []PlannedCall{{Kind: CallLiquidate, Call: liq}}
	feeCalls, err := p.feeCalls(totalFee)
	if err != nil {
		return nil, err
	}
	calls = append(calls, feeCalls...)

	if refund > 0 {
		refundCall, err := p.encodeCall(CallRefund, map[string]any{
			"to": pos.Owner.Hex(), "amount": refund,
		}, nil)
		if err != nil {
			return nil, err
		}
		calls = append(calls, PlannedCall{Kind: CallRefund, Call: refundCall})
	}

	return &Plan{
		ID:         uuid.NewString(),
		EntityKind: "position",
		EntityID:   pos.ID,
		Outcome:    "liquidated",
		Calls:      calls,
	}, nil
}

// BetPlan settles a price-target bet. A win pays betAmount scaled by the
// payout multiplier (minus the keeper's fee share); a loss forfeits the
// stake to the protocol in a single call.
func (p *Planner) BetPlan(b *store.Bet, tick price.Tick, won bool) (*Plan, error) {
	att, err := p.attestor.Attest(b.Symbol, tick.Price)
	if err != nil {
		return nil, err
	}

	outcome := "lost"
	if won {
		outcome = "won"
	}

	multiplier := b.PayoutMultiplierBps
	if multiplier == 0 {
		multiplier = p.payout(b.EntryPrice, b.TargetPrice)
	}
	payout := int64(0)
	if won {
		payout = b.BetAmount * multiplier / 10000
	}

	settleCall, err := p.encodeCall(CallSettleBet, map[string]any{
		"venue":  b.Venue,
		"betId":  b.ID,
		"owner":  b.Owner.Hex(),
		"won":    won,
		"payout": payout,
	}, att)
	if err != nil {
		return nil, err
	}
	calls := []PlannedCall{{Kind: CallSettleBet, Call: settleCall}}

	if won {
		feeCalls, err := p.feeCalls(TotalFee(b.BetAmount, p.fees.RateBps))
		if err != nil {
			return nil, err
		}
		calls = append(calls, feeCalls...)
	}

	return &Plan{
		ID:         uuid.NewString(),
		EntityKind: "bet",
		EntityID:   b.Key(),
		Outcome:    outcome,
		Calls:      calls,
	}, nil
}
