// Command gridbot wires the Grid Store, Accountant, Sync Engine, Strategy
// Engine and Manager into one running pipeline against a mock DEX client,
// for local development and the scenario tests' reference wiring.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"gridcore/internal/accountant"
	"gridcore/internal/alert"
	"gridcore/internal/config"
	"gridcore/internal/core"
	"gridcore/internal/dexclient"
	"gridcore/internal/geometry"
	"gridcore/internal/grid"
	"gridcore/internal/orchestrator"
	"gridcore/internal/persistence"
	"gridcore/internal/shadowlock"
	"gridcore/internal/strategy"
	"gridcore/internal/syncengine"
	"gridcore/pkg/logging"
	"gridcore/pkg/telemetry"
)

func main() {
	cfg := config.DefaultConfig()
	if path := os.Getenv("GRIDCORE_CONFIG"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			panic(err)
		}
		cfg = loaded
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		panic(err)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("gridcore")
	if err != nil {
		logger.Fatal("failed to set up telemetry", "err", err.Error())
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "err", err.Error())
		}
	}()

	store := grid.New(logger)

	persist, err := persistence.NewSQLiteStore(cfg.Persistence.DSN)
	if err != nil {
		logger.Fatal("failed to open persistence store", "err", err.Error())
	}
	defer persist.Close()

	acct := accountant.New(accountant.Config{
		FeeReservationMultiplier: decimal.NewFromFloat(cfg.Accounting.FeeReservationMultiplier),
		MinSpreadAvailableFactor: decimal.NewFromFloat(cfg.Accounting.MinSpreadAvailableFactor),
	}, persist, logger)

	geo := geometry.NewArithmetic()

	syncEng := syncengine.New(syncengine.Config{
		RelativeSlack: decimal.NewFromFloat(cfg.Accounting.RelativeSlack),
		EpsilonPrice:  decimal.NewFromFloat(cfg.Accounting.EpsilonPrice),
		PriceQuantum:  decimal.New(1, -cfg.Geometry.PriceDecimals),
	}, store, acct, logger)

	dex := dexclient.NewMockClientFromConfig(dexclient.ClientConfig{
		Endpoint:  os.Getenv("GRIDCORE_DEX_ENDPOINT"),
		APIKey:    config.Secret(os.Getenv("GRIDCORE_DEX_API_KEY")),
		APISecret: config.Secret(os.Getenv("GRIDCORE_DEX_API_SECRET")),
	}, decimal.NewFromInt(100000), decimal.NewFromInt(100000))

	shadowLocks := shadowlock.New(time.Duration(cfg.Concurrency.LockTimeoutMS) * time.Millisecond)

	strat := strategy.New(strategy.Config{
		Anchor:        decimal.NewFromInt(100),
		Interval:      decimal.NewFromFloat(cfg.Geometry.PriceInterval),
		LevelsPerSide: cfg.Geometry.BuyWindowSize,
		OrderSize:     decimal.NewFromFloat(cfg.Geometry.OrderSize),
		TargetCount: map[core.Side]int{
			core.Buy:  cfg.Geometry.BuyWindowSize,
			core.Sell: cfg.Geometry.SellWindowSize,
		},
		RecentRotationWindow: time.Duration(cfg.Concurrency.LockTimeoutMS) * time.Millisecond,
		DustThresholdPct:     decimal.NewFromFloat(0.05),
		MergeTolerancePct:    decimal.NewFromFloat(0.1),
		SpreadOrderSize:      decimal.NewFromFloat(cfg.Geometry.OrderSize).Mul(decimal.NewFromFloat(0.01)),
		SpreadBand:           decimal.NewFromFloat(cfg.Geometry.PriceInterval).Mul(decimal.NewFromFloat(2)),
	}, store, acct, syncEng, geo, dex, shadowLocks, logger)

	alerts := alert.NewAlertManager(logger)

	mgr := orchestrator.New(orchestrator.Config{
		PipelineTimeout:    time.Duration(cfg.Concurrency.PipelineTimeoutMS) * time.Millisecond,
		LockTimeout:        time.Duration(cfg.Concurrency.LockTimeoutMS) * time.Millisecond,
		InvariantTolerance: decimal.NewFromFloat(0.00000001),
		DustThreshold:      decimal.NewFromFloat(cfg.Geometry.OrderSize).Mul(decimal.NewFromFloat(0.01)),
	}, store, acct, syncEng, strat, dex, persist, alerts, logger)
	defer mgr.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Bootstrap(ctx); err != nil {
		logger.Fatal("bootstrap failed", "err", err.Error())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	logger.Info("gridcore pipeline started", "symbol", cfg.Symbol)
	for {
		select {
		case <-ticker.C:
			currentPrice := decimal.NewFromInt(100)
			if err := mgr.RunCycle(ctx, currentPrice); err != nil {
				logger.Warn("pipeline cycle returned error", "err", err.Error())
			}
		case <-sig:
			logger.Info("shutting down")
			return
		}
	}
}
