package price

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openperp/keeper/pkg/util"
)

func newTestCache(queueSize int) (*Cache, *util.ManualClock) {
	clock := util.NewManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewCache(clock, zap.NewNop().Sugar(), 5*time.Minute, queueSize), clock
}

func tickAt(symbol string, price int64, at time.Time) Tick {
	return Tick{Symbol: symbol, Price: price, PublishTime: at, Source: SourcePrimary}
}

func TestUpdateRejectsOldTicks(t *testing.T) {
	cache, clock := newTestCache(4)
	now := clock.Now()

	// Older than max age, even on first sight of the symbol.
	err := cache.Update(tickAt("BTC", 50000, now.Add(-6*time.Minute)))
	if !errors.Is(err, ErrTickTooOld) {
		t.Errorf("err = %v, want ErrTickTooOld", err)
	}
	if _, ok := cache.Get("BTC"); ok {
		t.Error("rejected tick was stored")
	}
}

func TestUpdateRejectsNotNewer(t *testing.T) {
	cache, clock := newTestCache(4)
	now := clock.Now()

	if err := cache.Update(tickAt("BTC", 50000, now)); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Same publish time does not advance the cache.
	if err := cache.Update(tickAt("BTC", 50001, now)); !errors.Is(err, ErrNotNewer) {
		t.Errorf("same-time err = %v, want ErrNotNewer", err)
	}
	if err := cache.Update(tickAt("BTC", 50002, now.Add(-time.Second))); !errors.Is(err, ErrNotNewer) {
		t.Errorf("older err = %v, want ErrNotNewer", err)
	}

	got, _ := cache.Get("BTC")
	if got.Price != 50000 {
		t.Errorf("stored price = %d, want 50000 (first tick kept)", got.Price)
	}

	// A strictly newer tick replaces it.
	if err := cache.Update(tickAt("BTC", 50003, now.Add(time.Second))); err != nil {
		t.Fatalf("newer update: %v", err)
	}
	got, _ = cache.Get("BTC")
	if got.Price != 50003 {
		t.Errorf("stored price = %d, want 50003", got.Price)
	}
}

func TestIsStale(t *testing.T) {
	cache, clock := newTestCache(4)
	now := clock.Now()
	bound := 60 * time.Second

	// No tick at all is stale.
	if !cache.IsStale("BTC", now, bound) {
		t.Error("missing symbol should be stale")
	}

	cache.Update(tickAt("BTC", 50000, now))
	if cache.IsStale("BTC", now, bound) {
		t.Error("fresh tick reported stale")
	}
	// Exactly at the bound is still fresh; one instant past it is not.
	if cache.IsStale("BTC", now.Add(bound), bound) {
		t.Error("tick at bound reported stale")
	}
	if !cache.IsStale("BTC", now.Add(bound+time.Nanosecond), bound) {
		t.Error("tick past bound reported fresh")
	}
}

func TestSubscriberReceivesUpdates(t *testing.T) {
	cache, clock := newTestCache(4)
	now := clock.Now()

	sub := cache.Subscribe("test")
	defer cache.Unsubscribe(sub)

	cache.Update(tickAt("BTC", 50000, now))
	select {
	case got := <-sub.C():
		if got.Price != 50000 {
			t.Errorf("received price = %d, want 50000", got.Price)
		}
	default:
		t.Fatal("no tick delivered")
	}
}

func TestSubscriberOverflowDropsOldest(t *testing.T) {
	cache, clock := newTestCache(2)
	now := clock.Now()

	sub := cache.Subscribe("slow")
	defer cache.Unsubscribe(sub)

	// Fill the queue past capacity without draining.
	for i := int64(1); i <= 4; i++ {
		if err := cache.Update(tickAt("BTC", 50000+i, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	if sub.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", sub.Dropped())
	}

	// The two newest ticks survive, in order.
	want := []int64{50003, 50004}
	for i, w := range want {
		select {
		case got := <-sub.C():
			if got.Price != w {
				t.Errorf("tick %d price = %d, want %d", i, got.Price, w)
			}
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	// The cache itself always holds the newest.
	got, _ := cache.Get("BTC")
	if got.Price != 50004 {
		t.Errorf("cached price = %d, want 50004", got.Price)
	}
}

func TestDropHookObservesOverflow(t *testing.T) {
	cache, clock := newTestCache(1)
	now := clock.Now()

	var drops atomic.Int64
	cache.SetDropHook(func() { drops.Add(1) })

	sub := cache.Subscribe("slow")
	defer cache.Unsubscribe(sub)

	for i := int64(1); i <= 3; i++ {
		if err := cache.Update(tickAt("BTC", 50000+i, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}

	if drops.Load() != 2 {
		t.Errorf("hook drops = %d, want 2", drops.Load())
	}
	if sub.Dropped() != 2 {
		t.Errorf("subscription drops = %d, want 2", sub.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	cache, clock := newTestCache(2)
	sub := cache.Subscribe("gone")
	cache.Unsubscribe(sub)

	// Updates after unsubscribe are not delivered and do not panic.
	if err := cache.Update(tickAt("BTC", 50000, clock.Now())); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("closed subscription delivered a tick")
	}
}
