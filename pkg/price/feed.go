package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openperp/keeper/params"
	"github.com/openperp/keeper/pkg/util"
)

// wireTick is the feed's wire format for one price update.
type wireTick struct {
	Symbol      string `json:"symbol"`
	Price       int64  `json:"price"`
	Conf        int64  `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"` // unix seconds
}

type subscribeMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Feed streams prices from the primary WebSocket source into the cache.
// When the primary stays down beyond the retry budget it polls the REST
// fallback (stamping Source=fallback) and keeps retrying the primary.
type Feed struct {
	cfg     params.Feed
	symbols []string
	cache   *Cache
	clock   util.Clock
	log     *zap.SugaredLogger

	httpClient *http.Client

	// dial is swappable for tests.
	dial func(ctx context.Context, url string) (wsConn, error)
}

// wsConn is the subset of *websocket.Conn the feed uses.
type wsConn interface {
	WriteJSON(v interface{}) error
	ReadMessage() (int, []byte, error)
	Close() error
}

func NewFeed(cfg params.Feed, symbols []string, cache *Cache, clock util.Clock, log *zap.SugaredLogger) *Feed {
	return &Feed{
		cfg:        cfg,
		symbols:    symbols,
		cache:      cache,
		clock:      clock,
		log:        log,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		dial: func(ctx context.Context, url string) (wsConn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
	}
}

// Run blocks until ctx is cancelled. One reconnect cycle: dial primary, read
// until failure, back off exponentially; after MaxRetries consecutive
// failures fall back to REST polling for one MaxBackoff period, then try the
// primary again with a reset budget.
func (f *Feed) Run(ctx context.Context) {
	attempts := 0
	backoff := f.cfg.BaseBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		err := f.streamPrimary(ctx)
		if ctx.Err() != nil {
			return
		}
		attempts++
		f.log.Warnw("price_feed_disconnected", "err", err, "attempt", attempts)

		if attempts > f.cfg.MaxRetries {
			f.log.Warnw("price_feed_retry_budget_exhausted", "attempts", attempts)
			f.pollFallback(ctx, f.cfg.MaxBackoff)
			attempts = 0
			backoff = f.cfg.BaseBackoff
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-f.clock.After(backoff):
		}
		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

// streamPrimary dials the WS source and pumps ticks into the cache until the
// connection breaks or ctx is cancelled.
func (f *Feed) streamPrimary(ctx context.Context) error {
	conn, err := f.dial(ctx, f.cfg.PrimaryWSURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.PrimaryWSURL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(subscribeMsg{Type: "subscribe", Symbols: f.symbols}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Infow("price_feed_connected", "url", f.cfg.PrimaryWSURL, "symbols", f.symbols)

	// Close the conn when ctx dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.ingest(raw, SourcePrimary)
	}
}

// pollFallback polls the REST source once per second for the given duration.
func (f *Feed) pollFallback(ctx context.Context, duration time.Duration) {
	f.log.Infow("price_feed_fallback_active", "url", f.cfg.FallbackRESTURL)
	deadline := f.clock.Now().Add(duration)

	for f.clock.Now().Before(deadline) {
		if err := f.pollOnce(ctx); err != nil {
			f.log.Warnw("price_feed_fallback_error", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-f.clock.After(1 * time.Second):
		}
	}
}

func (f *Feed) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.FallbackRESTURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fallback poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fallback poll: status %d", resp.StatusCode)
	}

	var ticks []wireTick
	if err := json.NewDecoder(resp.Body).Decode(&ticks); err != nil {
		return fmt.Errorf("fallback decode: %w", err)
	}
	for _, wt := range ticks {
		f.ingestTick(wt, SourceFallback)
	}
	return nil
}

func (f *Feed) ingest(raw []byte, src Source) {
	var wt wireTick
	if err := json.Unmarshal(raw, &wt); err != nil {
		f.log.Debugw("price_feed_bad_message", "err", err)
		return
	}
	f.ingestTick(wt, src)
}

func (f *Feed) ingestTick(wt wireTick, src Source) {
	if wt.Symbol == "" {
		return
	}
	tick := Tick{
		Symbol:      wt.Symbol,
		Price:       wt.Price,
		Conf:        wt.Conf,
		Expo:        wt.Expo,
		PublishTime: time.Unix(wt.PublishTime, 0),
		Source:      src,
	}
	if err := f.cache.Update(tick); err != nil {
		// Out-of-order or too-old ticks are expected noise, not failures.
		f.log.Debugw("price_feed_tick_skipped", "symbol", wt.Symbol, "err", err)
	}
}
