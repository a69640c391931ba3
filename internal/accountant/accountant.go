// Package accountant implements the Accountant: the fund-accounting model
// tracking, per side, how much of each asset is virtual (reserved for
// not-yet-placed orders), committed to resting grid orders, committed on
// chain, free on chain, cached from the last persisted snapshot, and owed
// in native-asset (BTS) fees.
//
// The batched-recalculation depth counter and persistence-retry wrapper
// follow a pause-then-batch-then-flush shape: collect mutations under a
// coarse lock, apply them, then persist once via pkg/retrypolicy's
// failsafe-go wrapper.
package accountant

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"gridcore/internal/core"
	"gridcore/internal/grid"
	"gridcore/pkg/apperrors"
	"gridcore/pkg/retrypolicy"
	"gridcore/pkg/telemetry"
)

// Funds holds the six accumulators for one side of the book.
type Funds struct {
	Virtual        decimal.Decimal
	CommittedGrid  decimal.Decimal
	CommittedChain decimal.Decimal
	ChainFree      decimal.Decimal
	CacheFunds     decimal.Decimal
	BtsFeesOwed    decimal.Decimal
}

// Available is chainFree net of virtual reservations, cached funds awaiting
// rebalance, and outstanding native fees: the balance the Strategy Engine
// may actually spend placing new orders.
func (f Funds) Available() decimal.Decimal {
	avail := f.ChainFree.Sub(f.Virtual).Sub(f.CacheFunds).Sub(f.BtsFeesOwed)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// TotalChain is everything the chain currently holds for this side.
func (f Funds) TotalChain() decimal.Decimal {
	return f.CommittedChain.Add(f.ChainFree)
}

// TotalGrid is everything the grid currently claims for this side,
// virtual or resting.
func (f Funds) TotalGrid() decimal.Decimal {
	return f.CommittedGrid.Add(f.Virtual)
}

// PersistenceStore is the narrow slice of the persistence interface the
// Accountant needs: committing the two fields that must survive a
// restart without a full chain re-scan.
type PersistenceStore interface {
	UpdateCacheFunds(ctx context.Context, side core.Side, amount decimal.Decimal) error
	UpdateBtsFeesOwed(ctx context.Context, side core.Side, amount decimal.Decimal) error
}

// Config tunes fee reservation and the spread-correction dust floor.
type Config struct {
	FeeReservationMultiplier decimal.Decimal
	MinSpreadAvailableFactor decimal.Decimal
}

// Accountant owns the Funds for both sides. Every field is read and
// written under mu; the mutators that move funds (UpdateOptimisticFreeBalance,
// ProcessFill, DeductBtsFees) flush the persisted fields before returning
// unless a PauseRecalc batch is open.
type Accountant struct {
	mu sync.Mutex

	funds map[core.Side]*Funds
	cfg   Config

	store  PersistenceStore
	retry  *retrypolicy.Policy
	logger core.ILogger

	recalcDepth int
	dirty       bool
}

// New builds an Accountant with zeroed funds for both sides.
func New(cfg Config, store PersistenceStore, logger core.ILogger) *Accountant {
	return &Accountant{
		funds: map[core.Side]*Funds{
			core.Buy:  {},
			core.Sell: {},
		},
		cfg:    cfg,
		store:  store,
		retry:  retrypolicy.New(retrypolicy.DefaultPersistenceConfig()),
		logger: logger.WithField("component", "accountant"),
	}
}

// Snapshot returns a copy of the Funds for side.
func (a *Accountant) Snapshot(side core.Side) Funds {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.funds[side]
}

// PauseRecalc increments the batching depth counter. While depth > 0,
// mutator methods update in-memory funds but defer the persistence flush
// until the matching ResumeRecalc brings depth back to zero — so a multi-step operation (e.g. processing several fills from
// one reconciliation pass) commits once instead of once per step.
func (a *Accountant) PauseRecalc() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recalcDepth++
}

// ResumeRecalc decrements the depth counter and, once it reaches zero with
// changes pending, flushes to the persistence store. It does not run
// VerifyInvariants.
func (a *Accountant) ResumeRecalc(ctx context.Context) error {
	a.mu.Lock()
	a.recalcDepth--
	depth := a.recalcDepth
	dirty := a.dirty
	a.mu.Unlock()

	if depth < 0 {
		return apperrors.New(apperrors.KindInvariantViolation, "ResumeRecalc called without matching PauseRecalc")
	}
	if depth > 0 || !dirty {
		return nil
	}
	return a.flush(ctx)
}

func (a *Accountant) markDirty() {
	a.dirty = true
}

// flush persists cacheFunds/btsFeesOwed for both sides through the
// retry-wrapped persistence store, then clears the dirty flag.
func (a *Accountant) flush(ctx context.Context) error {
	telemetry.GetGlobalMetrics().FundRecalcTotal.Add(ctx, 1)

	for _, side := range []core.Side{core.Buy, core.Sell} {
		f := a.Snapshot(side)
		sideCopy := side
		fundsCopy := f
		if err := a.retry.Do(ctx, func(ctx context.Context) error {
			if err := a.store.UpdateCacheFunds(ctx, sideCopy, fundsCopy.CacheFunds); err != nil {
				return err
			}
			return a.store.UpdateBtsFeesOwed(ctx, sideCopy, fundsCopy.BtsFeesOwed)
		}); err != nil {
			return apperrors.Wrap(apperrors.KindPersistenceFailure, err, "flushing funds for side %s", side)
		}
	}

	a.mu.Lock()
	a.dirty = false
	a.mu.Unlock()
	return nil
}

// Recalculate folds every order in store into the three accumulators
// derivable purely from grid state: virtual (VIRTUAL GRID orders),
// committedGrid (ACTIVE+PARTIAL GRID orders' open notional), and
// committedChain (the same, restricted to orders carrying a chainOrderId —
// which by the Grid Store's phantom rule is all of them, but the two are
// kept distinct since the chain side is what an invariant check compares
// against). chainFree/cacheFunds/btsFeesOwed are not derived here; they
// come from the chain itself or persisted state and are maintained by
// ProcessFill/DeductBtsFees/RestoreFromChain/RestoreFromSnapshot.
func (a *Accountant) Recalculate(store *grid.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, side := range []core.Side{core.Buy, core.Sell} {
		var virtual, committedGrid, committedChain decimal.Decimal
		for _, o := range store.ByTypeAndState(core.TypeGrid, core.Virtual) {
			if o.Side != side {
				continue
			}
			virtual = virtual.Add(o.Size.Mul(o.Price))
		}
		for _, state := range []core.State{core.Active, core.Partial} {
			for _, o := range store.ByTypeAndState(core.TypeGrid, state) {
				if o.Side != side {
					continue
				}
				notional := o.Open().Mul(o.Price)
				committedGrid = committedGrid.Add(notional)
				if o.ChainID != "" {
					committedChain = committedChain.Add(notional)
				}
			}
		}
		f := a.funds[side]
		f.Virtual = virtual
		f.CommittedGrid = committedGrid
		f.CommittedChain = committedChain
	}
	a.markDirty()
}

// UpdateOptimisticFreeBalance adjusts chainFree for side before a chain
// confirmation arrives, so the Strategy Engine's Available() figure
// reflects an order just broadcast/cancelled/partially-filled without
// waiting a full round trip. A later ReadOpenOrders/FillHistory pass
// reconciles this against the chain's own answer. The adjustment applied
// depends on the state transition, not a caller-supplied delta:
//   - VIRTUAL -> ACTIVE: deduct newSize*price (the order just committed).
//   - ACTIVE -> VIRTUAL: add oldSize*price back (the order was released).
//   - ACTIVE -> PARTIAL: add back (oldSize-newSize)*price, the portion
//     that stopped being committed to this order.
//   - PARTIAL -> ACTIVE on the same chainOrderId: no effect, already
//     accounted for when the order first went ACTIVE.
//
// nativeFee, when non-zero, is additionally debited from chainFree.
func (a *Accountant) UpdateOptimisticFreeBalance(ctx context.Context, side core.Side, oldState, newState core.State, oldSize, newSize, price decimal.Decimal, sameChainID bool, nativeFee decimal.Decimal) error {
	var delta decimal.Decimal
	switch {
	case oldState == core.Virtual && newState == core.Active:
		delta = newSize.Mul(price).Neg()
	case oldState == core.Active && newState == core.Virtual:
		delta = oldSize.Mul(price)
	case (oldState == core.Active || oldState == core.Partial) && newState == core.Partial:
		delta = oldSize.Sub(newSize).Mul(price)
	case oldState == core.Partial && newState == core.Active && sameChainID:
		delta = decimal.Zero
	default:
		delta = decimal.Zero
	}

	a.mu.Lock()
	f := a.funds[side]
	f.ChainFree = f.ChainFree.Add(delta).Sub(nativeFee)
	a.markDirty()
	depth := a.recalcDepth
	a.mu.Unlock()

	if depth > 0 {
		return nil
	}
	return a.flush(ctx)
}

// ProcessFill applies a fill of fillSize at fillPrice on side to the fund
// model: committedGrid shrinks by the filled notional, chainFree grows by
// the proceeds net of the native-asset fee, and btsFeesOwed accrues the
// fee until it is next reconciled against the chain's own fee ledger.
func (a *Accountant) ProcessFill(ctx context.Context, side core.Side, fillSize, fillPrice, makerFee decimal.Decimal) error {
	notional := fillSize.Mul(fillPrice)

	a.mu.Lock()
	f := a.funds[side]
	f.CommittedGrid = f.CommittedGrid.Sub(notional)
	if f.CommittedGrid.IsNegative() {
		f.CommittedGrid = decimal.Zero
	}
	f.ChainFree = f.ChainFree.Add(notional).Sub(makerFee)
	f.BtsFeesOwed = f.BtsFeesOwed.Add(makerFee)
	a.markDirty()
	depth := a.recalcDepth
	a.mu.Unlock()

	if depth > 0 {
		return nil
	}
	return a.flush(ctx)
}

// DeductBtsFees clears amount from both btsFeesOwed and chainFree once the
// orchestrator observes the chain has actually collected it. An amount
// larger than the current btsFeesOwed is rejected with an invariant error
// and changes nothing. No fee reservation is held back:
// Config.FeeReservationMultiplier is not applied here or anywhere else in
// the Accountant.
func (a *Accountant) DeductBtsFees(ctx context.Context, side core.Side, amount decimal.Decimal) error {
	a.mu.Lock()
	f := a.funds[side]
	if amount.GreaterThan(f.BtsFeesOwed) {
		a.mu.Unlock()
		return apperrors.New(apperrors.KindInvariantViolation,
			"DeductBtsFees(%s, %s) exceeds btsFeesOwed %s", side, amount, f.BtsFeesOwed)
	}
	f.BtsFeesOwed = f.BtsFeesOwed.Sub(amount)
	f.ChainFree = f.ChainFree.Sub(amount)
	a.markDirty()
	depth := a.recalcDepth
	a.mu.Unlock()

	if depth > 0 {
		return nil
	}
	return a.flush(ctx)
}

// ReserveForOrder checks Available() can cover size*price and, if so,
// applies the VIRTUAL->ACTIVE leg of UpdateOptimisticFreeBalance. Returns
// an invariant error without touching funds if coverage is insufficient.
func (a *Accountant) ReserveForOrder(ctx context.Context, side core.Side, size, price decimal.Decimal) error {
	notional := size.Mul(price)

	a.mu.Lock()
	f := a.funds[side]
	avail := f.Available()
	a.mu.Unlock()

	if notional.GreaterThan(avail) {
		return apperrors.New(apperrors.KindInvariantViolation,
			"insufficient available funds on side %s: need %s, have %s", side, notional, avail)
	}
	return a.UpdateOptimisticFreeBalance(ctx, side, core.Virtual, core.Active, decimal.Zero, size, price, false, decimal.Zero)
}

// ReleaseReservation reverses ReserveForOrder when a broadcast fails or an
// order is cancelled before any fill, applying the ACTIVE->VIRTUAL leg of
// UpdateOptimisticFreeBalance.
func (a *Accountant) ReleaseReservation(ctx context.Context, side core.Side, size, price decimal.Decimal) error {
	return a.UpdateOptimisticFreeBalance(ctx, side, core.Active, core.Virtual, size, decimal.Zero, price, false, decimal.Zero)
}

// SpreadAvailable reports whether side has at least
// MinSpreadAvailableFactor*dustSize free to fund a spread correction.
func (a *Accountant) SpreadAvailable(side core.Side, dustSize decimal.Decimal) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	floor := dustSize.Mul(a.cfg.MinSpreadAvailableFactor)
	return a.funds[side].Available().GreaterThanOrEqual(floor)
}

// VerifyInvariants checks the fund model against the Grid Store's own
// bookkeeping: committedGrid on each side must equal the total open size
// of that side's resting GRID orders, valued at their order price. A
// mismatch beyond a dust tolerance is an invariant violation the
// orchestrator must surface rather than silently correct.
func (a *Accountant) VerifyInvariants(store *grid.Store, tolerance decimal.Decimal) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, side := range []core.Side{core.Buy, core.Sell} {
		var total decimal.Decimal
		for _, o := range store.ByTypeAndState(core.TypeGrid, core.Active) {
			if o.Side == side {
				total = total.Add(o.Open().Mul(o.Price))
			}
		}
		for _, o := range store.ByTypeAndState(core.TypeGrid, core.Partial) {
			if o.Side == side {
				total = total.Add(o.Open().Mul(o.Price))
			}
		}
		diff := a.funds[side].CommittedGrid.Sub(total).Abs()
		if diff.GreaterThan(tolerance) {
			telemetry.GetGlobalMetrics().InvariantViolations.Add(context.Background(), 1)
			return apperrors.New(apperrors.KindInvariantViolation,
				"side %s: committedGrid %s diverges from store total %s by %s",
				side, a.funds[side].CommittedGrid, total, diff)
		}
		for _, f := range []decimal.Decimal{a.funds[side].ChainFree, a.funds[side].CommittedChain, a.funds[side].BtsFeesOwed} {
			if f.IsNegative() {
				telemetry.GetGlobalMetrics().InvariantViolations.Add(context.Background(), 1)
				return apperrors.New(apperrors.KindInvariantViolation, "side %s: negative fund accumulator %s", side, f)
			}
		}
	}
	return nil
}

// RestoreFromChain overwrites committedChain/chainFree for side from a
// fresh chain balance query, used during orchestrator warm boot before
// cacheFunds/btsFeesOwed are restored from the persisted snapshot.
func (a *Accountant) RestoreFromChain(side core.Side, committedChain, chainFree decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.funds[side]
	f.CommittedChain = committedChain
	f.ChainFree = chainFree
}

// RestoreFromSnapshot overwrites cacheFunds/btsFeesOwed for side from the
// persisted grid snapshot, used during orchestrator warm boot.
func (a *Accountant) RestoreFromSnapshot(side core.Side, cacheFunds, btsFeesOwed decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.funds[side]
	f.CacheFunds = cacheFunds
	f.BtsFeesOwed = btsFeesOwed
}
