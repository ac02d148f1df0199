// Package keeper runs the five poll loops that watch the store, evaluate
// triggers against the price cache, and hand fired entities to the
// settlement sequencer.
package keeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/util"
)

// Handler is one loop's scan body. Scan must wrap per-entity work so one
// entity's failure never blocks the rest; the loop only guards against
// panics escaping the whole scan.
type Handler interface {
	Name() string
	Scan(ctx context.Context)
}

// Loop is the periodic engine shared by all five keeper loops:
// Stopped -> Running -> Stopped. A lower-frequency secondary timer sweeps
// expired entities. Stop only prevents new scans from starting; a scan in
// flight, settlements included, runs to completion.
type Loop struct {
	handler      Handler
	interval     time.Duration
	cleanupEvery time.Duration
	store        *store.Store
	clock        util.Clock
	log          *zap.SugaredLogger
	metrics      *Metrics

	symbols []string
	signer  string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Status is the read-side view of one loop.
type Status struct {
	Name     string   `json:"name"`
	Running  bool     `json:"running"`
	Interval string   `json:"interval"`
	Symbols  []string `json:"symbols"`
	Signer   string   `json:"signer"`
}

func NewLoop(
	handler Handler,
	interval, cleanupEvery time.Duration,
	st *store.Store,
	clock util.Clock,
	log *zap.SugaredLogger,
	metrics *Metrics,
	symbols []string,
	signer string,
) *Loop {
	return &Loop{
		handler:      handler,
		interval:     interval,
		cleanupEvery: cleanupEvery,
		store:        st,
		clock:        clock,
		log:          log.With("loop", handler.Name()),
		metrics:      metrics,
		symbols:      symbols,
		signer:       signer,
	}
}

// Start transitions Stopped -> Running.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("keeper: loop %s already running", l.handler.Name())
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.metrics.LoopRunning.WithLabelValues(l.handler.Name()).Set(1)

	go l.run(ctx, l.stopCh, l.doneCh)
	l.log.Infow("loop_started", "interval", l.interval.String())
	return nil
}

// Stop is safe to call from outside the loop. It blocks until the current
// scan (if any) has finished.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	done := l.doneCh
	l.mu.Unlock()

	<-done
	l.metrics.LoopRunning.WithLabelValues(l.handler.Name()).Set(0)
	l.log.Infow("loop_stopped")
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) Status() Status {
	return Status{
		Name:     l.handler.Name(),
		Running:  l.Running(),
		Interval: l.interval.String(),
		Symbols:  l.symbols,
		Signer:   l.signer,
	}
}

func (l *Loop) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	scanTimer := l.clock.After(l.interval)
	cleanupTimer := l.clock.After(l.cleanupEvery)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-scanTimer:
			l.safeScan(ctx)
			scanTimer = l.clock.After(l.interval)
		case <-cleanupTimer:
			l.cleanup()
			cleanupTimer = l.clock.After(l.cleanupEvery)
		}
	}
}

func (l *Loop) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorw("scan_panic", "panic", r)
		}
	}()
	l.handler.Scan(ctx)
	l.metrics.Scans.WithLabelValues(l.handler.Name()).Inc()
}

func (l *Loop) cleanup() {
	expired := l.store.CleanupExpired(l.clock.Now())
	if len(expired) > 0 {
		l.log.Infow("expired_entities_swept", "count", len(expired), "ids", expired)
	}
}
