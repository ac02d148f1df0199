package keeper

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/openperp/keeper/params"
	"github.com/openperp/keeper/pkg/crypto"
	"github.com/openperp/keeper/pkg/ledger"
	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/settle"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

type betRig struct {
	store   *store.Store
	cache   *price.Cache
	clock   *util.ManualClock
	monitor *BetMonitor
	client  *okClient
}

func newBetRig(t *testing.T) *betRig {
	t.Helper()
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop().Sugar()

	keeperKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate keeper key: %v", err)
	}

	st := store.New(clock)
	cache := price.NewCache(clock, log, time.Hour, 8)
	client := &okClient{}

	attestor := price.NewAttestor(keeperKey, clock, 2*time.Second)
	planner := settle.NewPlanner(
		params.Fees{RateBps: 10, KeeperSharePct: 30},
		common.HexToAddress("0xAA00000000000000000000000000000000000001"),
		common.HexToAddress("0xAA00000000000000000000000000000000000002"),
		keeperKey.Address(),
		500_000,
		attestor,
		nil,
	)
	seq := settle.NewSequencer(keeperKey, client, ledger.NewNonceManager(client), st, nil,
		planner, clock, log, 5)

	metrics := NewMetrics(prometheus.NewRegistry())
	monitor := NewBetMonitor(st, cache, seq,
		func(string) int64 { return 200 }, clock, log, metrics, 30*time.Second)

	return &betRig{store: st, cache: cache, clock: clock, monitor: monitor, client: client}
}

// activeBet opens a bet targeting 110000 +/- the rig's 200 band, with a 60s
// window starting at the rig clock's current time.
func (r *betRig) activeBet(t *testing.T) *store.Bet {
	t.Helper()
	now := r.clock.Now()
	b := &store.Bet{
		Venue:               "kalshi",
		ID:                  "b1",
		Owner:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Symbol:              "BTC",
		BetAmount:           10000,
		TargetPrice:         110000,
		TargetTime:          now.Add(60 * time.Second),
		EntryPrice:          100000,
		EntryTime:           now,
		PayoutMultiplierBps: 18000,
	}
	if _, err := r.store.CreateBet(b); err != nil {
		t.Fatalf("create bet: %v", err)
	}
	return b
}

func (r *betRig) pushTick(t *testing.T, px int64, publishedAt time.Time) {
	t.Helper()
	err := r.cache.Update(price.Tick{
		Symbol:      "BTC",
		Price:       px,
		PublishTime: publishedAt,
		Source:      price.SourcePrimary,
	})
	if err != nil {
		t.Fatalf("cache update: %v", err)
	}
}

func (r *betRig) betStatus(t *testing.T) store.BetStatus {
	t.Helper()
	b, err := r.store.Bet("kalshi", "b1")
	if err != nil {
		t.Fatalf("bet: %v", err)
	}
	return b.Status
}

func TestBetMonitorWinsOnFreshInBandTick(t *testing.T) {
	r := newBetRig(t)
	r.activeBet(t)

	// Inside the window, inside the band, published now.
	r.clock.Advance(30 * time.Second)
	r.pushTick(t, 109900, r.clock.Now())
	r.monitor.Scan(context.Background())

	if got := r.betStatus(t); got != store.BetWon {
		t.Errorf("status = %s, want %s", got, store.BetWon)
	}
	// Payout, protocol fee, keeper fee.
	if r.client.calls() != 3 {
		t.Errorf("ledger calls = %d, want 3", r.client.calls())
	}
}

func TestBetMonitorWaitsOnOutOfBandTick(t *testing.T) {
	r := newBetRig(t)
	r.activeBet(t)

	r.clock.Advance(30 * time.Second)
	r.pushTick(t, 109000, r.clock.Now())
	r.monitor.Scan(context.Background())

	if got := r.betStatus(t); got != store.BetActive {
		t.Errorf("status = %s, want %s", got, store.BetActive)
	}
	if r.client.calls() != 0 {
		t.Errorf("ledger calls = %d, want 0", r.client.calls())
	}
}

func TestBetMonitorLosesAfterTargetTimeWithNoTick(t *testing.T) {
	r := newBetRig(t)
	r.activeBet(t)

	// No price was ever seen for the symbol; the loss is time-driven.
	r.clock.Advance(61 * time.Second)
	r.monitor.Scan(context.Background())

	if got := r.betStatus(t); got != store.BetLost {
		t.Errorf("status = %s, want %s", got, store.BetLost)
	}
	// A loss is a single forfeit call.
	if r.client.calls() != 1 {
		t.Errorf("ledger calls = %d, want 1", r.client.calls())
	}
}

func TestBetMonitorLosesOnStaleTickAfterTargetTime(t *testing.T) {
	r := newBetRig(t)
	r.activeBet(t)

	// An in-band tick exists but is 61s old against the 30s bound when the
	// window closes: too stale to win on, still a loss once time is up.
	r.pushTick(t, 110000, r.clock.Now())
	r.clock.Advance(61 * time.Second)
	r.monitor.Scan(context.Background())

	if got := r.betStatus(t); got != store.BetLost {
		t.Errorf("status = %s, want %s", got, store.BetLost)
	}
	if r.client.calls() != 1 {
		t.Errorf("ledger calls = %d, want 1", r.client.calls())
	}
}

func TestBetMonitorDoesNotLoseEarlyOnStaleTick(t *testing.T) {
	r := newBetRig(t)
	r.activeBet(t)

	// Stale tick but the window is still open: nothing to do yet.
	r.pushTick(t, 110000, r.clock.Now())
	r.clock.Advance(45 * time.Second)
	r.monitor.Scan(context.Background())

	if got := r.betStatus(t); got != store.BetActive {
		t.Errorf("status = %s, want %s", got, store.BetActive)
	}
	if r.client.calls() != 0 {
		t.Errorf("ledger calls = %d, want 0", r.client.calls())
	}
}
