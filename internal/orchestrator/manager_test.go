package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gridcore/internal/accountant"
	"gridcore/internal/alert"
	"gridcore/internal/core"
	"gridcore/internal/dexclient"
	"gridcore/internal/geometry"
	"gridcore/internal/grid"
	"gridcore/internal/persistence"
	"gridcore/internal/shadowlock"
	"gridcore/internal/strategy"
	"gridcore/internal/syncengine"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dbPath := t.TempDir() + "/orch_test.db"
	persist, err := persistence.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = persist.Close() })

	store := grid.New(noopLogger{})
	acct := accountant.New(accountant.Config{
		FeeReservationMultiplier: decimal.NewFromInt(4),
		MinSpreadAvailableFactor: decimal.NewFromInt(2),
	}, persist, noopLogger{})

	syncEng := syncengine.New(syncengine.Config{
		RelativeSlack: decimal.NewFromFloat(0.0005),
		EpsilonPrice:  decimal.NewFromFloat(0.01),
		PriceQuantum:  decimal.NewFromFloat(0.01),
	}, store, acct, noopLogger{})

	dex := dexclient.NewMockClient(decimal.NewFromInt(100000), decimal.NewFromInt(100000))

	shadowLocks := shadowlock.New(time.Second)

	strat := strategy.New(strategy.Config{
		Anchor:        decimal.NewFromInt(100),
		Interval:      decimal.NewFromInt(1),
		LevelsPerSide: 3,
		OrderSize:     decimal.NewFromInt(10),
		TargetCount: map[core.Side]int{
			core.Buy:  3,
			core.Sell: 3,
		},
		RecentRotationWindow: time.Second,
		DustThresholdPct:     decimal.NewFromFloat(0.1),
		MergeTolerancePct:    decimal.NewFromFloat(0.1),
		SpreadOrderSize:      decimal.NewFromFloat(0.1),
		SpreadBand:           decimal.NewFromInt(2),
	}, store, acct, syncEng, geometry.NewArithmetic(), dex, shadowLocks, noopLogger{})

	alerts := alert.NewAlertManager(noopLogger{})

	return New(Config{
		PipelineTimeout:    5 * time.Second,
		LockTimeout:        time.Second,
		InvariantTolerance: decimal.NewFromFloat(0.00000001),
		DustThreshold:      decimal.NewFromFloat(0.1),
	}, store, acct, syncEng, strat, dex, persist, alerts, noopLogger{})
}

func TestRunCycleBeforeBootstrapFails(t *testing.T) {
	mgr := newTestManager(t)
	err := mgr.RunCycle(context.Background(), decimal.NewFromInt(100))
	require.Error(t, err)
}

func TestBootstrapThenRunCycleSucceeds(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Bootstrap(context.Background()))
	require.NoError(t, mgr.RunCycle(context.Background(), decimal.NewFromInt(100)))
	mgr.Shutdown()
}

func TestNextIDIsUnique(t *testing.T) {
	mgr := newTestManager(t)
	a := mgr.NextID()
	b := mgr.NextID()
	require.NotEqual(t, a, b)
}
