package settle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openperp/keeper/params"
	"github.com/openperp/keeper/pkg/crypto"
	"github.com/openperp/keeper/pkg/ledger"
	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

// callResult scripts the fake ledger's response to the n-th submitted call.
type callResult struct {
	submitErr  error
	receiptErr error
	revert     string // non-empty: finalize as a failed call
}

type fakeClient struct {
	mu           sync.Mutex
	startSeq     uint64
	seqQueries   int
	script       []callResult
	submitted    []ledger.Call
	receiptsByID map[ledger.Handle]callResult
}

func newFakeClient(startSeq uint64, script ...callResult) *fakeClient {
	return &fakeClient{
		startSeq:     startSeq,
		script:       script,
		receiptsByID: make(map[ledger.Handle]callResult),
	}
}

func (f *fakeClient) Submit(ctx context.Context, signer common.Address, call ledger.Call, sig []byte) (ledger.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := len(f.submitted)
	var res callResult
	if idx < len(f.script) {
		res = f.script[idx]
	}
	if res.submitErr != nil {
		return "", &ledger.TransportError{Op: "submit", Err: res.submitErr}
	}

	f.submitted = append(f.submitted, call)
	handle := ledger.Handle(fmt.Sprintf("h%d", idx))
	f.receiptsByID[handle] = res
	return handle, nil
}

func (f *fakeClient) AwaitFinality(ctx context.Context, handle ledger.Handle) (*ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := f.receiptsByID[handle]
	if res.receiptErr != nil {
		return nil, &ledger.TransportError{Op: "receipt", Err: res.receiptErr}
	}
	if res.revert != "" {
		return &ledger.Receipt{Handle: handle, Success: false, Error: res.revert}, nil
	}
	return &ledger.Receipt{Handle: handle, Success: true, GasUsed: 21000}, nil
}

func (f *fakeClient) Sequence(ctx context.Context, signer common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqQueries++
	return f.startSeq, nil
}

type testRig struct {
	seq    *Sequencer
	store  *store.Store
	client *fakeClient
	clock  *util.ManualClock
}

func newTestRig(t *testing.T, client *fakeClient, maxAttempts int) *testRig {
	t.Helper()

	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(clock)

	attestor := price.NewAttestor(signer, clock, 2*time.Second)
	planner := NewPlanner(
		params.Fees{RateBps: 10, KeeperSharePct: 30},
		common.HexToAddress("0xAA00000000000000000000000000000000000001"),
		common.HexToAddress("0xAA00000000000000000000000000000000000002"),
		signer.Address(),
		500_000,
		attestor,
		nil,
	)
	nonces := ledger.NewNonceManager(client)
	seq := NewSequencer(signer, client, nonces, st, nil, planner, clock, zap.NewNop().Sugar(), maxAttempts)

	return &testRig{seq: seq, store: st, client: client, clock: clock}
}

func (r *testRig) tick(symbol string, p int64) price.Tick {
	return price.Tick{Symbol: symbol, Price: p, PublishTime: r.clock.Now()}
}

func (r *testRig) pendingOrder(t *testing.T) string {
	t.Helper()
	id, err := r.store.CreateOrder(&store.Order{
		Owner:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Kind:         store.LimitOpen,
		Symbol:       "BTC",
		Side:         store.Long,
		TriggerPrice: 50000,
		Collateral:   100000,
		Leverage:     10,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return id
}

func TestSettleOpenOrderSuccess(t *testing.T) {
	client := newFakeClient(5)
	rig := newTestRig(t, client, 5)
	id := rig.pendingOrder(t)

	if err := rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	o, _ := rig.store.Order(id)
	if o.Status != store.OrderExecuted {
		t.Errorf("order status = %s, want executed", o.Status)
	}
	// open_position + protocol_fee (70) + keeper_fee (30): three calls.
	if len(o.TxRefs) != 3 {
		t.Errorf("txrefs = %v, want 3 handles", o.TxRefs)
	}

	// Sequences come from the ledger's reported cursor, strictly increasing.
	if len(client.submitted) != 3 {
		t.Fatalf("submitted %d calls, want 3", len(client.submitted))
	}
	for i, call := range client.submitted {
		if call.Sequence != 5+uint64(i) {
			t.Errorf("call %d sequence = %d, want %d", i, call.Sequence, 5+i)
		}
	}

	// The fill opens a position: size = 100000 * 10 / 50000 = 20 lots.
	positions := rig.store.PositionsWhere(store.PositionFilter{})
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	pos := positions[0]
	if pos.Size != 20 || pos.EntryPrice != 50000 || pos.Status != store.PositionOpen {
		t.Errorf("position = %+v", pos)
	}
}

func TestSettleOpenOrderIdempotent(t *testing.T) {
	client := newFakeClient(0)
	rig := newTestRig(t, client, 5)
	id := rig.pendingOrder(t)

	if err := rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000)); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	submitted := len(client.submitted)

	// A second fire on the same order is a benign race, not an error.
	err := rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000))
	if !errors.Is(err, ErrNotActionable) {
		t.Errorf("second settle err = %v, want ErrNotActionable", err)
	}
	if len(client.submitted) != submitted {
		t.Error("second settle submitted calls")
	}
	if Retryable(err) {
		t.Error("ErrNotActionable reported retryable")
	}
}

func TestSettleOpenOrderRollbackOnTotalFailure(t *testing.T) {
	client := newFakeClient(5, callResult{submitErr: errors.New("connection refused")})
	rig := newTestRig(t, client, 5)
	id := rig.pendingOrder(t)

	err := rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000))
	if err == nil {
		t.Fatal("settle succeeded, want transport error")
	}
	if !Retryable(err) {
		t.Errorf("transport failure not retryable: %v", err)
	}

	o, _ := rig.store.Order(id)
	if o.Status != store.OrderPending {
		t.Errorf("order status = %s, want pending (rolled back)", o.Status)
	}
	if o.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", o.Attempts)
	}
	if len(rig.store.PositionsWhere(store.PositionFilter{})) != 0 {
		t.Error("rollback left a position behind")
	}
}

func TestSettleOpenOrderParksFailedAfterAttemptBudget(t *testing.T) {
	client := newFakeClient(5,
		callResult{submitErr: errors.New("down")},
		callResult{submitErr: errors.New("down")},
	)
	rig := newTestRig(t, client, 2)
	id := rig.pendingOrder(t)

	rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000))
	o, _ := rig.store.Order(id)
	if o.Status != store.OrderPending || o.Attempts != 1 {
		t.Fatalf("after attempt 1: status=%s attempts=%d", o.Status, o.Attempts)
	}

	rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000))
	o, _ = rig.store.Order(id)
	if o.Status != store.OrderFailed {
		t.Errorf("after attempt 2: status = %s, want failed", o.Status)
	}
	if o.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", o.Attempts)
	}
}

func TestSettleOpenOrderPartialFailure(t *testing.T) {
	// First call lands, second reverts: the trade executed on the ledger but
	// the fee split did not. Never roll back in memory.
	client := newFakeClient(5,
		callResult{},
		callResult{revert: "insufficient treasury allowance"},
	)
	rig := newTestRig(t, client, 5)
	id := rig.pendingOrder(t)

	err := rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000))
	if !IsPartialFailure(err) {
		t.Fatalf("err = %v, want PartialFailureError", err)
	}

	var pf *PartialFailureError
	errors.As(err, &pf)
	if pf.Finalized != 1 || pf.TotalCalls != 3 || pf.FailedCall != 1 {
		t.Errorf("pf = %+v", pf)
	}
	if pf.EntityKind != "order" || pf.EntityID != id {
		t.Errorf("pf entity = %s/%s", pf.EntityKind, pf.EntityID)
	}
	if Retryable(err) {
		t.Error("partial failure reported retryable")
	}

	o, _ := rig.store.Order(id)
	if o.Status != store.OrderPartialFailure {
		t.Errorf("order status = %s, want settlement_partial_failure", o.Status)
	}
	// The finalized handle is preserved for the operator.
	if len(o.TxRefs) != 1 {
		t.Errorf("txrefs = %v, want the one finalized handle", o.TxRefs)
	}
}

func TestNonceDesyncForcesRequery(t *testing.T) {
	client := newFakeClient(5, callResult{receiptErr: errors.New("timeout")})
	rig := newTestRig(t, client, 5)
	id := rig.pendingOrder(t)

	rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000))
	if client.seqQueries != 1 {
		t.Fatalf("seq queries after first settle = %d, want 1", client.seqQueries)
	}

	// The receipt timeout left the on-ledger cursor unknown; the next plan
	// must re-query instead of trusting the cached counter.
	client.script = nil
	rig.seq.SettleOpenOrder(context.Background(), id, rig.tick("BTC", 50000))
	if client.seqQueries != 2 {
		t.Errorf("seq queries after second settle = %d, want 2", client.seqQueries)
	}
}

func TestSettleClosePositionTakeProfit(t *testing.T) {
	client := newFakeClient(0)
	rig := newTestRig(t, client, 5)

	posID, _ := rig.store.CreatePosition(&store.Position{
		Owner:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Symbol:     "BTC",
		Side:       store.Long,
		Collateral: 100000,
		Size:       20,
		Leverage:   10,
		EntryPrice: 50000,
	})
	orderID, _ := rig.store.CreateOrder(&store.Order{
		Owner:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Kind:         store.LimitClose,
		Symbol:       "BTC",
		Side:         store.Long,
		TriggerPrice: 52000,
		PositionID:   posID,
	})

	err := rig.seq.SettleClosePosition(context.Background(), posID, orderID, rig.tick("BTC", 52000), "take_profit")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}

	pos, _ := rig.store.Position(posID)
	if pos.Status != store.PositionClosed {
		t.Errorf("position status = %s, want closed", pos.Status)
	}
	o, _ := rig.store.Order(orderID)
	if o.Status != store.OrderExecuted {
		t.Errorf("close order status = %s, want executed", o.Status)
	}

	// close + protocol fee + keeper fee + refund (pnl positive).
	if len(client.submitted) != 4 {
		t.Errorf("submitted = %d calls, want 4", len(client.submitted))
	}
}

func TestSettleClosePositionRollback(t *testing.T) {
	client := newFakeClient(0, callResult{submitErr: errors.New("down")})
	rig := newTestRig(t, client, 5)

	posID, _ := rig.store.CreatePosition(&store.Position{
		Owner:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Symbol:     "BTC",
		Side:       store.Long,
		Collateral: 100000,
		Size:       20,
		EntryPrice: 50000,
	})
	orderID, _ := rig.store.CreateOrder(&store.Order{
		Owner:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Kind:       store.StopLoss,
		Symbol:     "BTC",
		Side:       store.Long,
		PositionID: posID,
	})

	err := rig.seq.SettleClosePosition(context.Background(), posID, orderID, rig.tick("BTC", 48000), "stop_loss")
	if err == nil {
		t.Fatal("settle succeeded, want failure")
	}

	// Positions always roll back to open; they never park as failed.
	pos, _ := rig.store.Position(posID)
	if pos.Status != store.PositionOpen {
		t.Errorf("position status = %s, want open", pos.Status)
	}
	o, _ := rig.store.Order(orderID)
	if o.Status != store.OrderPending {
		t.Errorf("close order status = %s, want pending", o.Status)
	}
}

func TestSettleBet(t *testing.T) {
	t.Run("won", func(t *testing.T) {
		client := newFakeClient(0)
		rig := newTestRig(t, client, 5)
		rig.store.CreateBet(&store.Bet{
			Venue: "v", ID: "b1",
			Owner:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Symbol:              "BTC",
			BetAmount:           100000,
			TargetPrice:         50000,
			PayoutMultiplierBps: 20000,
		})

		if err := rig.seq.SettleBet(context.Background(), "v", "b1", rig.tick("BTC", 50000), true); err != nil {
			t.Fatalf("settle: %v", err)
		}
		b, _ := rig.store.Bet("v", "b1")
		if b.Status != store.BetWon {
			t.Errorf("bet status = %s, want won", b.Status)
		}
		// settle_bet + the fee split on a win.
		if len(client.submitted) != 3 {
			t.Errorf("submitted = %d calls, want 3", len(client.submitted))
		}
	})

	t.Run("lost", func(t *testing.T) {
		client := newFakeClient(0)
		rig := newTestRig(t, client, 5)
		rig.store.CreateBet(&store.Bet{
			Venue: "v", ID: "b2",
			Owner:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Symbol:      "BTC",
			BetAmount:   100000,
			TargetPrice: 50000,
		})

		if err := rig.seq.SettleBet(context.Background(), "v", "b2", rig.tick("BTC", 40000), false); err != nil {
			t.Fatalf("settle: %v", err)
		}
		b, _ := rig.store.Bet("v", "b2")
		if b.Status != store.BetLost {
			t.Errorf("bet status = %s, want lost", b.Status)
		}
		// A loss is a single forfeit call, no fee split.
		if len(client.submitted) != 1 {
			t.Errorf("submitted = %d calls, want 1", len(client.submitted))
		}
	})

	t.Run("double settle is a race", func(t *testing.T) {
		client := newFakeClient(0)
		rig := newTestRig(t, client, 5)
		rig.store.CreateBet(&store.Bet{
			Venue: "v", ID: "b3",
			Owner:  common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Symbol: "BTC", BetAmount: 100,
		})

		rig.seq.SettleBet(context.Background(), "v", "b3", rig.tick("BTC", 40000), false)
		err := rig.seq.SettleBet(context.Background(), "v", "b3", rig.tick("BTC", 40000), false)
		if !errors.Is(err, ErrNotActionable) {
			t.Errorf("second settle err = %v, want ErrNotActionable", err)
		}
	})
}
