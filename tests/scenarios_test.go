// Package tests wires every component together against the in-memory
// dexclient.MockClient and a real SQLite-backed persistence store, the way
// cmd/gridbot does, to exercise the full pipeline end to end.
package tests

import (
	"context"
	"os"
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
	"gridcore/internal/orchestrator"
	"gridcore/internal/persistence"
	"gridcore/internal/shadowlock"
	"gridcore/internal/strategy"
	"gridcore/internal/syncengine"
)

type testLogger struct{}

func (testLogger) Debug(string, ...interface{})                     {}
func (testLogger) Info(string, ...interface{})                      {}
func (testLogger) Warn(string, ...interface{})                      {}
func (testLogger) Error(string, ...interface{})                     {}
func (testLogger) Fatal(string, ...interface{})                     {}
func (l testLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l testLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type harness struct {
	store   *grid.Store
	acct    *accountant.Accountant
	sync    *syncengine.Engine
	strat   *strategy.Engine
	dex     *dexclient.MockClient
	persist *persistence.SQLiteStore
	mgr     *orchestrator.Manager
	dbPath  string
}

// newHarness wires the pipeline with a 2-per-side target so S1-style
// rotation scenarios can be driven deterministically: 2 ACTIVE levels per
// side leaves the remaining 3 (of 5 seeded) VIRTUAL as rotation targets.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dbPath := t.TempDir() + "/gridcore_test.db"

	store := grid.New(testLogger{})
	persist, err := persistence.NewSQLiteStore(dbPath)
	require.NoError(t, err)

	acct := accountant.New(accountant.Config{
		FeeReservationMultiplier: decimal.NewFromInt(4),
		MinSpreadAvailableFactor: decimal.NewFromInt(2),
	}, persist, testLogger{})

	syncEng := syncengine.New(syncengine.Config{
		RelativeSlack: decimal.NewFromFloat(0.0005),
		EpsilonPrice:  decimal.NewFromFloat(0.01),
		PriceQuantum:  decimal.NewFromFloat(0.01),
		SizeDecimals:  8,
	}, store, acct, testLogger{})

	dex := dexclient.NewMockClient(decimal.NewFromInt(100000), decimal.NewFromInt(100000))
	geo := geometry.NewArithmetic()
	locks := shadowlock.New(time.Second)

	strat := strategy.New(strategy.Config{
		Anchor:        decimal.NewFromInt(100),
		Interval:      decimal.NewFromInt(1),
		LevelsPerSide: 5,
		OrderSize:     decimal.NewFromInt(10),
		TargetCount: map[core.Side]int{
			core.Buy:  2,
			core.Sell: 2,
		},
		RecentRotationWindow: time.Minute,
		DustThresholdPct:     decimal.NewFromFloat(0.05),
		MergeTolerancePct:    decimal.NewFromFloat(0.1),
		SpreadOrderSize:      decimal.NewFromFloat(0.5),
		SpreadBand:           decimal.NewFromInt(2),
	}, store, acct, syncEng, geo, dex, locks, testLogger{})

	alerts := alert.NewAlertManager(testLogger{})

	mgr := orchestrator.New(orchestrator.Config{
		PipelineTimeout:    5 * time.Second,
		LockTimeout:        time.Second,
		InvariantTolerance: decimal.NewFromFloat(0.00000001),
		DustThreshold:      decimal.NewFromFloat(0.1),
	}, store, acct, syncEng, strat, dex, persist, alerts, testLogger{})

	h := &harness{store: store, acct: acct, sync: syncEng, strat: strat, dex: dex, persist: persist, mgr: mgr, dbPath: dbPath}
	t.Cleanup(func() {
		_ = persist.Close()
		_ = os.Remove(dbPath)
	})
	return h
}

func chainIDSet(orders []core.Order) map[string]bool {
	out := make(map[string]bool, len(orders))
	for _, o := range orders {
		out[o.ChainID] = true
	}
	return out
}

// S1: a fresh grid seeds VIRTUAL levels on both sides and bootstraps
// cleanly with no persisted snapshot.
func TestScenarioFreshGridBootstraps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.mgr.Bootstrap(ctx))
	require.Equal(t, 10, h.store.Count())
	require.NoError(t, h.store.ValidateIndices())
	for _, o := range h.store.All() {
		require.Equal(t, core.Virtual, o.State)
	}
}

// S1: a full fill frees the innermost buy back to VIRTUAL and the
// Accountant's chainFree reflects the proceeds; when the market then drifts
// toward that side, the ladder rotates its furthest-from-market active order
// inward rather than leaving the window stale.
func TestScenarioFullFillTriggersRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.Bootstrap(ctx))

	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))

	var innermostBuy core.Order
	for _, o := range h.store.ByTypeAndState(core.TypeGrid, core.Active) {
		if o.Side != core.Buy {
			continue
		}
		if innermostBuy.ID == "" || o.Price.GreaterThan(innermostBuy.Price) {
			innermostBuy = o
		}
	}
	require.NotEmpty(t, innermostBuy.ID)

	chainFreeBefore := h.acct.Snapshot(core.Buy).ChainFree

	h.dex.Fill(innermostBuy.ChainID, innermostBuy.Size, decimal.NewFromFloat(0.01))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))

	require.True(t, h.acct.Snapshot(core.Buy).ChainFree.GreaterThan(chainFreeBefore))

	var buyCount int
	for _, o := range h.store.ByTypeAndState(core.TypeGrid, core.Active) {
		if o.Side == core.Buy {
			buyCount++
		}
	}
	require.Equal(t, 2, buyCount, "the vacated slot is refilled back up to target")

	furthestBuyBefore := chainIDSet(h.store.ByTypeAndState(core.TypeGrid, core.Active))

	// Price drifts deeper into the buy side: the furthest-from-market active
	// buy is no longer the best use of a resting slot, so it rotates inward.
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(95)))

	buysAfter := h.store.ByTypeAndState(core.TypeGrid, core.Active)
	rotated := false
	for _, o := range buysAfter {
		if o.Side == core.Buy && !furthestBuyBefore[o.ChainID] {
			rotated = true
		}
	}
	require.True(t, rotated, "ladder must rotate a level closer to the drifted price")
}

// S2: a partial fill that leaves the remaining size below dust threshold on
// only one side is left resting untouched — no MERGE, no rotation, the
// side-doubled flag stays false.
func TestScenarioDustPartialSingleSideIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.Bootstrap(ctx))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))

	var target core.Order
	for _, o := range h.store.ByTypeAndState(core.TypeGrid, core.Active) {
		if o.Side == core.Buy {
			target = o
			break
		}
	}
	require.NotEmpty(t, target.ID)

	// Leave 3% of idealSize (10) resting: fill 9.7 of 10.
	h.dex.Fill(target.ChainID, decimal.NewFromFloat(9.7), decimal.NewFromFloat(0.001))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))

	after, ok := h.store.Get(target.ID)
	require.True(t, ok)
	require.Equal(t, core.Partial, after.State)
	require.False(t, after.IsDoubleOrder)
	require.True(t, after.MergedDustSize.IsZero())
}

// S3: dust appearing on both sides at once is a stronger signal and
// triggers a consolidation pass: each side's dust partial is refilled
// toward idealSize and flagged as a doubled slot.
func TestScenarioDualSideDustMerges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.Bootstrap(ctx))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))

	var buyTarget, sellTarget core.Order
	for _, o := range h.store.ByTypeAndState(core.TypeGrid, core.Active) {
		if o.Side == core.Buy && buyTarget.ID == "" {
			buyTarget = o
		}
		if o.Side == core.Sell && sellTarget.ID == "" {
			sellTarget = o
		}
	}
	require.NotEmpty(t, buyTarget.ID)
	require.NotEmpty(t, sellTarget.ID)

	// Fill both down to 4% of idealSize (10): leave 0.4 resting.
	h.dex.Fill(buyTarget.ChainID, decimal.NewFromFloat(9.6), decimal.NewFromFloat(0.001))
	h.dex.Fill(sellTarget.ChainID, decimal.NewFromFloat(9.6), decimal.NewFromFloat(0.001))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))

	buyAfter, ok := h.store.Get(buyTarget.ID)
	require.True(t, ok)
	sellAfter, ok := h.store.Get(sellTarget.ID)
	require.True(t, ok)

	require.Equal(t, core.Active, buyAfter.State)
	require.Equal(t, core.Active, sellAfter.State)
	require.True(t, buyAfter.IsDoubleOrder)
	require.True(t, sellAfter.IsDoubleOrder)
	require.True(t, buyAfter.Size.Equal(decimal.NewFromInt(10)))
	require.True(t, sellAfter.Size.Equal(decimal.NewFromInt(10)))

	// the doubled flag (and its effective target reduction) survives into
	// the next cycle rather than being cleared prematurely.
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))
	buyStill, ok := h.store.Get(buyTarget.ID)
	require.True(t, ok)
	require.True(t, buyStill.IsDoubleOrder)
	require.NoError(t, h.acct.VerifyInvariants(h.store, decimal.NewFromFloat(0.00000001)))
}

// S4: a stray chain order the grid never placed (a ghost-exchange order) is
// detected by reconciliation and queued for cancellation.
func TestScenarioGhostExchangeOrderDetected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.Bootstrap(ctx))

	// Place an order directly through the mock, bypassing the strategy
	// engine, to simulate a stray chain order the grid never placed.
	chainID, err := h.dex.PlaceOrder(ctx, core.Buy, decimal.NewFromInt(50), decimal.NewFromInt(1))
	require.NoError(t, err)

	chainOrders, err := h.dex.ReadOpenOrders(ctx)
	require.NoError(t, err)

	result, err := h.sync.ReadOpenOrders(ctx, chainOrders, time.Now())
	require.NoError(t, err)
	require.True(t, result.DivergenceSeen)

	found := false
	for _, c := range result.CancelRequests {
		if c.ChainID == chainID {
			found = true
		}
	}
	require.True(t, found)
}

// S5: crash recovery restores cacheFunds/btsFeesOwed from the persisted
// snapshot and virtual/committed notionals from the reloaded orders, so
// Available() reflects chainFree net of every outstanding claim with no
// double-count.
func TestScenarioCrashRecoveryRestoresAvailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.Bootstrap(ctx))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))

	// RunCycle persists a snapshot at the end of every cycle; reload it
	// through a second, independent Accountant/Store pair the way a restart
	// would.
	snapshot, err := h.persist.LoadGridSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	store2 := grid.New(testLogger{})
	acct2 := accountant.New(accountant.Config{
		FeeReservationMultiplier: decimal.NewFromInt(4),
		MinSpreadAvailableFactor: decimal.NewFromInt(2),
	}, h.persist, testLogger{})

	for _, o := range snapshot.Orders {
		require.NoError(t, store2.Upsert(o))
	}
	for _, side := range []core.Side{core.Buy, core.Sell} {
		acct2.RestoreFromSnapshot(side, snapshot.CacheFunds[side], snapshot.BtsFeesOwed[side])
	}

	for _, side := range []core.Side{core.Buy, core.Sell} {
		committedChain, chainFree, err := h.dex.ReadBalance(ctx, side)
		require.NoError(t, err)
		acct2.RestoreFromChain(side, committedChain, chainFree)
	}
	acct2.Recalculate(store2)

	avail := acct2.Snapshot(core.Buy).Available()
	require.True(t, avail.GreaterThanOrEqual(decimal.Zero))
	require.NoError(t, acct2.VerifyInvariants(store2, decimal.NewFromFloat(0.00000001)))
}

// S6: a plan computed against the grid's current version is discarded
// rather than committed if the grid advances (a fill lands) between the
// read and the commit, so the caller recomputes against the new version
// instead of double-handling the order the concurrent fill already touched.
func TestScenarioStalePlanIsDiscardedOnConcurrentFill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.Bootstrap(ctx))

	before := h.store.Version()
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))
	require.True(t, h.store.Version() > before, "every mutating cycle must advance the store's version")

	active := h.store.ByTypeAndState(core.TypeGrid, core.Active)
	require.NotEmpty(t, active)
	target := active[0]

	// rebalanceOnce captures the store's version before planning and aborts
	// the commit if it has moved by the time planning finishes (see
	// grid.Store's own version-bump-on-mutation coverage); a single-writer
	// pipeline cycle can't force that exact window open from outside, so
	// here we confirm the property it protects: a fill arriving between
	// cycles is applied exactly once, never lost and never double-counted.
	chainFreeBefore := h.acct.Snapshot(target.Side).ChainFree
	h.dex.Fill(target.ChainID, target.Size, decimal.NewFromFloat(0.01))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))

	after, ok := h.store.Get(target.ID)
	require.True(t, ok)
	require.Zero(t, after.FilledSize.Sign(), "a reconciled fill never leaves residual FilledSize on the recycled slot")
	require.True(t, h.acct.Snapshot(target.Side).ChainFree.GreaterThan(chainFreeBefore))
	require.NoError(t, h.acct.VerifyInvariants(h.store, decimal.NewFromFloat(0.00000001)))
}

// Invariants hold across a full bootstrap-activate-fill-rotate-persist
// cycle: committedGrid matches the store's own resting-order total within
// tolerance.
func TestScenarioInvariantsHoldAcrossCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mgr.Bootstrap(ctx))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(100)))
	require.NoError(t, h.mgr.RunCycle(ctx, decimal.NewFromInt(99)))

	require.NoError(t, h.acct.VerifyInvariants(h.store, decimal.NewFromFloat(0.00000001)))
}
