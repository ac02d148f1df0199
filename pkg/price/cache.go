package price

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openperp/keeper/pkg/util"
)

// Source identifies which collaborator produced a tick. Fallback data is
// usable but carries degraded confidence.
type Source int8

const (
	SourcePrimary Source = iota + 1
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourcePrimary:
		return "primary"
	case SourceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Tick is the latest observation for one symbol. Ticks are replaced, never
// mutated, on each update.
type Tick struct {
	Symbol      string    `json:"symbol"`
	Price       int64     `json:"price"` // fixed-point ticks
	Conf        int64     `json:"conf"`  // confidence interval, same scale
	Expo        int32     `json:"expo"`
	PublishTime time.Time `json:"publishTime"`
	Source      Source    `json:"source"`
}

var (
	// ErrTickTooOld rejects a tick older than the cache's max age, even on
	// first sight of the symbol.
	ErrTickTooOld = errors.New("price: tick older than max age")

	// ErrNotNewer rejects a tick whose publish time does not advance the
	// stored one.
	ErrNotNewer = errors.New("price: tick not newer than cached tick")
)

// Subscription is a bounded per-subscriber tick queue. When the queue is
// full the oldest tick is dropped and the drop counter incremented; slow
// subscribers never stall the update path.
type Subscription struct {
	name    string
	ch      chan Tick
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// C returns the tick channel.
func (s *Subscription) C() <-chan Tick { return s.ch }

// Dropped returns the number of ticks dropped due to overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) push(t Tick) (droppedOne bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- t:
			return droppedOne
		default:
		}
		// Queue full: drop the oldest and retry.
		select {
		case <-s.ch:
			s.dropped.Add(1)
			droppedOne = true
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Cache holds the latest tick per symbol plus the staleness policy.
type Cache struct {
	mu         sync.RWMutex
	clock      util.Clock
	log        *zap.SugaredLogger
	maxTickAge time.Duration
	queueSize  int

	ticks map[string]Tick
	subs  map[*Subscription]struct{}

	// onDrop is called once per overflow drop, on the update path.
	onDrop func()

	// sampleRate controls the observability sample of accepted updates.
	sampleRate float64
}

func NewCache(clock util.Clock, log *zap.SugaredLogger, maxTickAge time.Duration, queueSize int) *Cache {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Cache{
		clock:      clock,
		log:        log,
		maxTickAge: maxTickAge,
		queueSize:  queueSize,
		ticks:      make(map[string]Tick),
		subs:       make(map[*Subscription]struct{}),
		sampleRate: 0.01,
	}
}

// Update replaces the stored tick if the new one is newer, then fans the
// tick out to all subscribers.
func (c *Cache) Update(t Tick) error {
	now := c.clock.Now()
	if now.Sub(t.PublishTime) > c.maxTickAge {
		return ErrTickTooOld
	}

	c.mu.Lock()
	if cur, ok := c.ticks[t.Symbol]; ok && !t.PublishTime.After(cur.PublishTime) {
		c.mu.Unlock()
		return ErrNotNewer
	}
	c.ticks[t.Symbol] = t
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	onDrop := c.onDrop
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.push(t) {
			if onDrop != nil {
				onDrop()
			}
			c.log.Warnw("price_subscriber_overflow",
				"subscriber", sub.name, "symbol", t.Symbol, "dropped_total", sub.Dropped())
		}
	}

	if rand.Float64() < c.sampleRate {
		c.log.Infow("price_update_sample",
			"symbol", t.Symbol, "price", t.Price, "source", t.Source.String(),
			"publish_time", t.PublishTime)
	}
	return nil
}

// Get returns the latest tick for symbol, if any.
func (c *Cache) Get(symbol string) (Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[symbol]
	return t, ok
}

// All returns the full current snapshot.
func (c *Cache) All() []Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Tick, 0, len(c.ticks))
	for _, t := range c.ticks {
		out = append(out, t)
	}
	return out
}

// IsStale reports whether the tick for symbol is older than bound at now.
// A symbol with no tick at all is stale.
func (c *Cache) IsStale(symbol string, now time.Time, bound time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[symbol]
	if !ok {
		return true
	}
	return now.Sub(t.PublishTime) > bound
}

// SetDropHook registers fn to run once per overflow drop, letting a metrics
// counter observe drops without the cache importing one.
func (c *Cache) SetDropHook(fn func()) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

// Subscribe registers a named bounded subscriber.
func (c *Cache) Subscribe(name string) *Subscription {
	sub := &Subscription{name: name, ch: make(chan Tick, c.queueSize)}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes the subscription.
func (c *Cache) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
	sub.close()
}
