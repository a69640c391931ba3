package accountant

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"gridcore/internal/core"
	"gridcore/internal/grid"
)

type fakeStore struct {
	cacheFunds  map[core.Side]decimal.Decimal
	btsFeesOwed map[core.Side]decimal.Decimal
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cacheFunds:  map[core.Side]decimal.Decimal{},
		btsFeesOwed: map[core.Side]decimal.Decimal{},
	}
}

func (f *fakeStore) UpdateCacheFunds(ctx context.Context, side core.Side, amount decimal.Decimal) error {
	f.cacheFunds[side] = amount
	return nil
}

func (f *fakeStore) UpdateBtsFeesOwed(ctx context.Context, side core.Side, amount decimal.Decimal) error {
	f.btsFeesOwed[side] = amount
	return nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                     {}
func (noopLogger) Info(string, ...interface{})                      {}
func (noopLogger) Warn(string, ...interface{})                      {}
func (noopLogger) Error(string, ...interface{})                     {}
func (noopLogger) Fatal(string, ...interface{})                     {}
func (n noopLogger) WithField(string, interface{}) core.ILogger     { return n }
func (n noopLogger) WithFields(map[string]interface{}) core.ILogger { return n }

func testConfig() Config {
	return Config{
		FeeReservationMultiplier: decimal.NewFromInt(4),
		MinSpreadAvailableFactor: decimal.NewFromInt(2),
	}
}

func TestReserveAndReleaseRoundTrips(t *testing.T) {
	ctx := context.Background()
	a := New(testConfig(), newFakeStore(), noopLogger{})
	a.funds[core.Buy].ChainFree = decimal.NewFromInt(1000)

	require.NoError(t, a.ReserveForOrder(ctx, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100)))
	snap := a.Snapshot(core.Buy)
	require.True(t, snap.ChainFree.Equal(decimal.NewFromInt(900)))

	require.NoError(t, a.ReleaseReservation(ctx, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100)))
	snap = a.Snapshot(core.Buy)
	require.True(t, snap.ChainFree.Equal(decimal.NewFromInt(1000)))
}

func TestReserveRejectsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	a := New(testConfig(), newFakeStore(), noopLogger{})
	a.funds[core.Buy].ChainFree = decimal.NewFromInt(10)

	err := a.ReserveForOrder(ctx, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100))
	require.Error(t, err)
}

func TestProcessFillMovesFundsAndFlushes(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a := New(testConfig(), store, noopLogger{})
	a.funds[core.Buy].ChainFree = decimal.NewFromInt(1000)
	require.NoError(t, a.ReserveForOrder(ctx, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100)))

	require.NoError(t, a.ProcessFill(ctx, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100), decimal.NewFromFloat(0.1)))

	snap := a.Snapshot(core.Buy)
	require.True(t, snap.BtsFeesOwed.Equal(decimal.NewFromFloat(0.1)))
	// flush happened since recalcDepth was 0
	require.Contains(t, store.cacheFunds, core.Buy)
}

func TestPauseResumeBatchesFlush(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a := New(testConfig(), store, noopLogger{})
	a.funds[core.Buy].ChainFree = decimal.NewFromInt(1000)

	a.PauseRecalc()
	require.NoError(t, a.ReserveForOrder(ctx, core.Buy, decimal.NewFromInt(1), decimal.NewFromInt(100)))
	require.NoError(t, a.UpdateOptimisticFreeBalance(ctx, core.Buy, core.Virtual, core.Active, decimal.Zero, decimal.NewFromInt(5), decimal.NewFromInt(1), false, decimal.Zero))
	require.NotContains(t, store.cacheFunds, core.Buy)

	require.NoError(t, a.ResumeRecalc(ctx))
	require.Contains(t, store.cacheFunds, core.Buy)
}

func TestUpdateOptimisticFreeBalanceRules(t *testing.T) {
	ctx := context.Background()

	t.Run("virtual to active deducts newSize*price", func(t *testing.T) {
		a := New(testConfig(), newFakeStore(), noopLogger{})
		a.funds[core.Buy].ChainFree = decimal.NewFromInt(100)
		require.NoError(t, a.UpdateOptimisticFreeBalance(ctx, core.Buy, core.Virtual, core.Active, decimal.Zero, decimal.NewFromInt(10), decimal.NewFromInt(2), false, decimal.Zero))
		require.True(t, a.Snapshot(core.Buy).ChainFree.Equal(decimal.NewFromInt(80)))
	})

	t.Run("active to virtual credits oldSize*price", func(t *testing.T) {
		a := New(testConfig(), newFakeStore(), noopLogger{})
		a.funds[core.Buy].ChainFree = decimal.NewFromInt(80)
		require.NoError(t, a.UpdateOptimisticFreeBalance(ctx, core.Buy, core.Active, core.Virtual, decimal.NewFromInt(10), decimal.Zero, decimal.NewFromInt(2), false, decimal.Zero))
		require.True(t, a.Snapshot(core.Buy).ChainFree.Equal(decimal.NewFromInt(100)))
	})

	t.Run("active to partial credits the shrunk remainder", func(t *testing.T) {
		a := New(testConfig(), newFakeStore(), noopLogger{})
		a.funds[core.Buy].ChainFree = decimal.NewFromInt(80)
		require.NoError(t, a.UpdateOptimisticFreeBalance(ctx, core.Buy, core.Active, core.Partial, decimal.NewFromInt(10), decimal.NewFromInt(4), decimal.NewFromInt(2), false, decimal.Zero))
		require.True(t, a.Snapshot(core.Buy).ChainFree.Equal(decimal.NewFromInt(92)))
	})

	t.Run("partial to active on same chainID is a no-op", func(t *testing.T) {
		a := New(testConfig(), newFakeStore(), noopLogger{})
		a.funds[core.Buy].ChainFree = decimal.NewFromInt(50)
		require.NoError(t, a.UpdateOptimisticFreeBalance(ctx, core.Buy, core.Partial, core.Active, decimal.NewFromInt(4), decimal.NewFromInt(4), decimal.NewFromInt(2), true, decimal.Zero))
		require.True(t, a.Snapshot(core.Buy).ChainFree.Equal(decimal.NewFromInt(50)))
	})

	t.Run("nativeFee always debits", func(t *testing.T) {
		a := New(testConfig(), newFakeStore(), noopLogger{})
		a.funds[core.Buy].ChainFree = decimal.NewFromInt(50)
		require.NoError(t, a.UpdateOptimisticFreeBalance(ctx, core.Buy, core.Partial, core.Active, decimal.NewFromInt(4), decimal.NewFromInt(4), decimal.NewFromInt(2), true, decimal.NewFromFloat(0.5)))
		require.True(t, a.Snapshot(core.Buy).ChainFree.Equal(decimal.NewFromFloat(49.5)))
	})
}

func TestRecalculateFoldsGridState(t *testing.T) {
	store := grid.New(noopLogger{})
	require.NoError(t, store.Upsert(core.Order{ID: "v1", Type: core.TypeGrid, Side: core.Buy, State: core.Virtual, Price: decimal.NewFromInt(10), Size: decimal.NewFromInt(2)}))
	require.NoError(t, store.Upsert(core.Order{ID: "a1", Type: core.TypeGrid, Side: core.Buy, State: core.Active, Price: decimal.NewFromInt(10), Size: decimal.NewFromInt(3), ChainID: "c1"}))
	require.NoError(t, store.Upsert(core.Order{ID: "p1", Type: core.TypeGrid, Side: core.Buy, State: core.Partial, Price: decimal.NewFromInt(10), Size: decimal.NewFromInt(5), FilledSize: decimal.NewFromInt(2), ChainID: "c2"}))

	a := New(testConfig(), newFakeStore(), noopLogger{})
	a.Recalculate(store)

	snap := a.Snapshot(core.Buy)
	require.True(t, snap.Virtual.Equal(decimal.NewFromInt(20)), "virtual: %s", snap.Virtual)
	require.True(t, snap.CommittedGrid.Equal(decimal.NewFromInt(60)), "committedGrid: %s", snap.CommittedGrid)
	require.True(t, snap.CommittedChain.Equal(decimal.NewFromInt(60)), "committedChain: %s", snap.CommittedChain)
}

func TestAvailableNetsOutAllDeductions(t *testing.T) {
	f := Funds{
		ChainFree:   decimal.NewFromInt(100),
		Virtual:     decimal.NewFromInt(10),
		CacheFunds:  decimal.NewFromFloat(12.5),
		BtsFeesOwed: decimal.NewFromFloat(0.3),
	}
	require.True(t, f.Available().Equal(decimal.NewFromFloat(77.2)), "available: %s", f.Available())
}

func TestVerifyInvariantsDetectsDivergence(t *testing.T) {
	store := grid.New(noopLogger{})
	a := New(testConfig(), newFakeStore(), noopLogger{})
	a.funds[core.Buy].CommittedGrid = decimal.NewFromInt(500)

	err := a.VerifyInvariants(store, decimal.NewFromInt(1))
	require.Error(t, err)
}

func TestDeductBtsFeesRejectsOverdraw(t *testing.T) {
	a := New(testConfig(), newFakeStore(), noopLogger{})
	a.funds[core.Buy].BtsFeesOwed = decimal.NewFromFloat(0.1)

	err := a.DeductBtsFees(context.Background(), core.Buy, decimal.NewFromFloat(0.2))
	require.Error(t, err)
}
