package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openperp/keeper/params"
	"github.com/openperp/keeper/pkg/api"
	"github.com/openperp/keeper/pkg/auth"
	"github.com/openperp/keeper/pkg/crypto"
	"github.com/openperp/keeper/pkg/keeper"
	"github.com/openperp/keeper/pkg/ledger"
	"github.com/openperp/keeper/pkg/price"
	"github.com/openperp/keeper/pkg/settle"
	"github.com/openperp/keeper/pkg/store"
	"github.com/openperp/keeper/pkg/trigger"
	"github.com/openperp/keeper/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	if cfg.KeeperPrivateKey == "" {
		sugar.Fatal("KEEPER_PRIVATE_KEY is required")
	}
	signer, err := crypto.FromPrivateKeyHex(cfg.KeeperPrivateKey)
	if err != nil {
		sugar.Fatalw("invalid_keeper_key", "err", err)
	}
	sugar.Infow("keeper_signer", "address", signer.Address().Hex())

	clock := util.RealClock{}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Prices: cache + streaming feed with REST fallback ----
	cache := price.NewCache(clock, sugar, cfg.Feed.MaxTickAge, cfg.Feed.SubscriberQueue)
	feed := price.NewFeed(cfg.Feed, cfg.Symbols, cache, clock, sugar)
	go feed.Run(ctx)

	// ---- State: in-memory store + pebble journal ----
	st := store.New(clock)
	journal, err := store.NewJournal(cfg.JournalPath)
	if err != nil {
		sugar.Fatalw("journal_open_failed", "path", cfg.JournalPath, "err", err)
	}
	defer journal.Close()

	// ---- Settlement pipeline ----
	client := ledger.NewHTTPClient(cfg.Ledger.URL, clock)
	nonces := ledger.NewNonceManager(client)
	attestor := price.NewAttestor(signer, clock, cfg.Feed.AttestDrift)
	planner := settle.NewPlanner(
		cfg.Fees,
		common.HexToAddress(cfg.TargetContract),
		common.HexToAddress(cfg.TreasuryContract),
		signer.Address(),
		cfg.Ledger.GasBudget,
		attestor,
		nil,
	)
	seq := settle.NewSequencer(signer, client, nonces, st, journal, planner, clock, sugar, cfg.Loops.MaxSettlementAttempts)

	// ---- Order authorization ----
	domain := crypto.EIP712Domain{
		Name:              "OpenPerp",
		Version:           "1",
		ChainID:           big.NewInt(cfg.ChainID),
		VerifyingContract: common.HexToAddress(cfg.TargetContract),
	}
	validator := auth.NewValidator(domain, clock)

	// ---- Keeper loops ----
	registry := prometheus.NewRegistry()
	metrics := keeper.NewMetrics(registry)
	cache.SetDropHook(metrics.DroppedTicks.Inc)
	checker := trigger.MarginChecker{MaintenanceMarginBps: cfg.MaintenanceMarginBps}
	signerHex := signer.Address().Hex()

	newLoop := func(h keeper.Handler, interval time.Duration) *keeper.Loop {
		return keeper.NewLoop(h, interval, cfg.Loops.Cleanup, st, clock, sugar, metrics, cfg.Symbols, signerHex)
	}

	loops := []*keeper.Loop{
		newLoop(keeper.NewLiquidationMonitor(st, cache, seq, checker, clock, sugar, metrics, cfg.Staleness.OrderTrigger), cfg.Loops.Liquidation),
		newLoop(keeper.NewTPSLMonitor(st, cache, seq, validator, clock, sugar, metrics, cfg.Staleness.OrderTrigger), cfg.Loops.TakeProfit),
		newLoop(keeper.NewLimitExecutor(st, cache, seq, validator, clock, sugar, metrics, cfg.Staleness.OrderTrigger), cfg.Loops.Limit),
		newLoop(keeper.NewTapExecutor(st, cache, seq, validator, clock, sugar, metrics, cfg.Staleness.OrderTrigger), cfg.Loops.Tap),
		newLoop(keeper.NewBetMonitor(st, cache, seq, cfg.BetBand, clock, sugar, metrics, cfg.Staleness.BetTrigger), cfg.Loops.Bet),
	}
	for _, l := range loops {
		if err := l.Start(ctx); err != nil {
			sugar.Fatalw("loop_start_failed", "err", err)
		}
	}

	// ---- API server ----
	apiServer := api.NewServer(st, cache, loops, registry, clock, sugar)
	go func() {
		if err := apiServer.Start(ctx, cfg.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	sugar.Infow("keeper_started",
		"venue", cfg.Venue,
		"symbols", cfg.Symbols,
		"target", cfg.TargetContract,
		"ledger", cfg.Ledger.URL,
		"api_addr", cfg.APIAddr)

	<-ctx.Done()
	sugar.Info("shutdown_signal_received")

	for _, l := range loops {
		l.Stop()
	}
	sugar.Info("keeper_stopped")
}
