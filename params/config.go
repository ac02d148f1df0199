package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Feed configures the streaming price source and its REST fallback.
type Feed struct {
	PrimaryWSURL    string
	FallbackRESTURL string

	// Reconnect budget for the primary stream before flipping to fallback.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Per-subscriber fan-out queue size (drop-oldest on overflow).
	SubscriberQueue int

	// MaxTickAge rejects ticks older than this even on first sight.
	MaxTickAge time.Duration

	// AttestDrift is subtracted from "now" when stamping price attestations
	// so the ledger's clock never sees a timestamp from its future.
	AttestDrift time.Duration
}

// Staleness holds the per-entity-kind trigger staleness bounds.
// A trigger never fires on a tick older than its bound.
type Staleness struct {
	OrderTrigger time.Duration // limit/TP/SL/tap/liquidation
	BetTrigger   time.Duration
}

// Loops holds poll intervals for the five keeper loops.
type Loops struct {
	Liquidation time.Duration
	TakeProfit  time.Duration
	Limit       time.Duration
	Tap         time.Duration
	Bet         time.Duration

	// Cleanup is the lower-frequency expiry sweep interval.
	Cleanup time.Duration

	// MaxSettlementAttempts caps per-entity settlement retries across ticks.
	MaxSettlementAttempts int
}

// Fees configures settlement fee arithmetic.
type Fees struct {
	RateBps        int64 // totalFee = collateral * RateBps / 10000
	KeeperSharePct int64 // keeper's cut of totalFee, remainder to protocol
}

// Bets configures price-target bet evaluation.
type Bets struct {
	// HalfBand maps symbol -> half band width in price ticks; a bet wins when
	// price lands within [target-band, target+band] inside its window.
	HalfBand    map[string]int64
	DefaultBand int64
}

type Ledger struct {
	URL       string
	GasBudget uint64
}

type Config struct {
	// Hex private key of the keeper signer. Required: startup fails without it.
	KeeperPrivateKey string

	// Venue identifier, target settlement contract, protocol fee treasury.
	Venue            string
	TargetContract   string
	TreasuryContract string
	ChainID          int64

	// MaintenanceMarginBps is the equity floor for liquidation, as bps of
	// position notional.
	MaintenanceMarginBps int64

	Symbols []string

	Feed      Feed
	Staleness Staleness
	Loops     Loops
	Fees      Fees
	Bets      Bets
	Ledger    Ledger

	APIAddr     string
	JournalPath string
	LogFile     string
}

func Default() Config {
	return Config{
		Venue:                "openperp-main",
		TargetContract:       "0x0000000000000000000000000000000000000000",
		TreasuryContract:     "0x0000000000000000000000000000000000000000",
		ChainID:              1337,
		MaintenanceMarginBps: 500,
		Symbols:              []string{"BTC", "ETH"},
		Feed: Feed{
			PrimaryWSURL:    "ws://localhost:8910/stream",
			FallbackRESTURL: "http://localhost:8911/prices",
			MaxRetries:      5,
			BaseBackoff:     500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			SubscriberQueue: 64,
			MaxTickAge:      5 * time.Minute,
			AttestDrift:     2 * time.Second,
		},
		Staleness: Staleness{
			OrderTrigger: 60 * time.Second,
			BetTrigger:   30 * time.Second,
		},
		Loops: Loops{
			Liquidation:           1 * time.Second,
			TakeProfit:            1 * time.Second,
			Limit:                 1 * time.Second,
			Tap:                   500 * time.Millisecond,
			Bet:                   1 * time.Second,
			Cleanup:               30 * time.Second,
			MaxSettlementAttempts: 5,
		},
		Fees: Fees{
			RateBps:        10, // 0.1%
			KeeperSharePct: 30,
		},
		Bets: Bets{
			HalfBand:    map[string]int64{"BTC": 2000, "ETH": 200},
			DefaultBand: 100,
		},
		Ledger: Ledger{
			URL:       "http://localhost:8899",
			GasBudget: 500_000,
		},
		APIAddr:     ":8080",
		JournalPath: "data/journal",
		LogFile:     "data/keeper.log",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.KeeperPrivateKey = os.Getenv("KEEPER_PRIVATE_KEY")

	setString(&cfg.Venue, "VENUE")
	setString(&cfg.TargetContract, "TARGET_CONTRACT")
	setString(&cfg.TreasuryContract, "TREASURY_CONTRACT")
	setInt64(&cfg.ChainID, "CHAIN_ID")
	setInt64(&cfg.MaintenanceMarginBps, "MAINTENANCE_MARGIN_BPS")
	setString(&cfg.APIAddr, "API_ADDR")
	setString(&cfg.JournalPath, "JOURNAL_PATH")
	setString(&cfg.LogFile, "LOG_FILE")

	if syms := os.Getenv("SYMBOLS"); syms != "" {
		cfg.Symbols = strings.Split(syms, ",")
	}

	setString(&cfg.Feed.PrimaryWSURL, "FEED_WS_URL")
	setString(&cfg.Feed.FallbackRESTURL, "FEED_FALLBACK_URL")
	setInt(&cfg.Feed.MaxRetries, "FEED_MAX_RETRIES")
	setMillis(&cfg.Feed.BaseBackoff, "FEED_BASE_BACKOFF_MS")
	setMillis(&cfg.Feed.MaxBackoff, "FEED_MAX_BACKOFF_MS")
	setInt(&cfg.Feed.SubscriberQueue, "FEED_SUBSCRIBER_QUEUE")
	setMillis(&cfg.Feed.MaxTickAge, "FEED_MAX_TICK_AGE_MS")
	setMillis(&cfg.Feed.AttestDrift, "ATTEST_DRIFT_MS")

	setMillis(&cfg.Staleness.OrderTrigger, "STALENESS_ORDER_MS")
	setMillis(&cfg.Staleness.BetTrigger, "STALENESS_BET_MS")

	setMillis(&cfg.Loops.Liquidation, "LOOP_LIQUIDATION_MS")
	setMillis(&cfg.Loops.TakeProfit, "LOOP_TPSL_MS")
	setMillis(&cfg.Loops.Limit, "LOOP_LIMIT_MS")
	setMillis(&cfg.Loops.Tap, "LOOP_TAP_MS")
	setMillis(&cfg.Loops.Bet, "LOOP_BET_MS")
	setMillis(&cfg.Loops.Cleanup, "LOOP_CLEANUP_MS")
	setInt(&cfg.Loops.MaxSettlementAttempts, "MAX_SETTLEMENT_ATTEMPTS")

	setInt64(&cfg.Fees.RateBps, "FEE_RATE_BPS")
	setInt64(&cfg.Fees.KeeperSharePct, "KEEPER_FEE_SHARE_PCT")

	setInt64(&cfg.Bets.DefaultBand, "BET_DEFAULT_BAND")
	// Per-symbol bands: "BTC:2000,ETH:200"
	if bands := os.Getenv("BET_BANDS"); bands != "" {
		parsed := make(map[string]int64)
		for _, pair := range strings.Split(bands, ",") {
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) != 2 {
				continue
			}
			if v, err := strconv.ParseInt(kv[1], 10, 64); err == nil {
				parsed[strings.TrimSpace(kv[0])] = v
			}
		}
		if len(parsed) > 0 {
			cfg.Bets.HalfBand = parsed
		}
	}

	setString(&cfg.Ledger.URL, "LEDGER_URL")
	if v := os.Getenv("LEDGER_GAS_BUDGET"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Ledger.GasBudget = n
		}
	}

	return cfg
}

// BetBand returns the half band for a symbol, falling back to the default.
func (c *Config) BetBand(symbol string) int64 {
	if band, ok := c.Bets.HalfBand[symbol]; ok {
		return band
	}
	return c.Bets.DefaultBand
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}
