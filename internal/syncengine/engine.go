// Package syncengine implements the Sync Engine: the bridge between the
// Grid Store's idea of the world and what the chain actually reports.
// CreateOrder/CancelOrder apply point events as they happen; ReadOpenOrders
// runs a full reconciliation pass against a fresh open-orders query;
// SyncFromFillHistory applies fills with Anchor-and-Refill dust
// accounting.
//
// The multi-pass reconciliation shape of ReadOpenOrders follows a
// local-has-exchange-doesn't/exchange-has-local-doesn't structure: match
// by chainID, reconcile size in integer units, match what's left by
// price, revert anything still orphaned, then bring matched counts back
// to target. The Anchor-and-Refill dust bookkeeping in SyncFromFillHistory
// is built directly from the fund/grid model, keyed on each order's own
// MergedDustSize/FilledSinceRefill/IsDoubleOrder fields rather than side
// tables, so the Strategy Engine can read doubled-side state straight off
// the Grid Store.
package syncengine

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"gridcore/internal/accountant"
	"gridcore/internal/core"
	"gridcore/internal/grid"
	"gridcore/pkg/apperrors"
	"gridcore/pkg/chainamount"
	"gridcore/pkg/telemetry"
)

// Config tunes the price-tolerance formula:
// tolerance = max(epsilonPrice, price*relativeSlack) + priceQuantum.
type Config struct {
	RelativeSlack decimal.Decimal
	EpsilonPrice  decimal.Decimal
	PriceQuantum  decimal.Decimal

	// SizeDecimals is the base-unit precision used to integer-compare
	// chain-reported resting size against zero, per ReadOpenOrders' size
	// reconciliation step.
	SizeDecimals int32
	// TargetCount is the target ACTIVE+PARTIAL order count per side the
	// target-count reconciliation step promotes toward or trims down to.
	// A zero entry disables target reconciliation for that side.
	TargetCount map[core.Side]int
}

// ChainOrder is a snapshot of one resting order as the chain reports it.
type ChainOrder struct {
	ChainID string
	Side    core.Side
	Price   decimal.Decimal
	Size    decimal.Decimal
	Filled  decimal.Decimal
}

// Fill is one execution report from the chain's fill history.
type Fill struct {
	ChainID string
	Side    core.Side
	Price   decimal.Decimal
	Size    decimal.Decimal
	Fee     decimal.Decimal // native-asset fee, maker path
}

// ReconcileResult summarizes what ReadOpenOrders found and what the
// orchestrator should do about it.
type ReconcileResult struct {
	Adopted        []string     // local order ids whose chainID was healed via price match
	Reverted       []string     // local order ids reverted to VIRTUAL (ghost-local)
	CancelRequests []ChainOrder // ghost-exchange or surplus orders the orchestrator should cancel
	SyntheticFills []Fill       // fills discovered via size reconciliation, already applied to the grid
	DivergenceSeen bool
}

// Engine ties the Grid Store and Accountant together for reconciliation.
type Engine struct {
	store  *grid.Store
	acct   *accountant.Accountant
	cfg    Config
	logger core.ILogger
}

// New builds a Sync Engine over store and acct.
func New(cfg Config, store *grid.Store, acct *accountant.Accountant, logger core.ILogger) *Engine {
	return &Engine{
		store:  store,
		acct:   acct,
		cfg:    cfg,
		logger: logger.WithField("component", "sync_engine"),
	}
}

// PriceTolerance returns the matching tolerance for a chain order resting
// near price.
func (e *Engine) PriceTolerance(price decimal.Decimal) decimal.Decimal {
	slack := price.Mul(e.cfg.RelativeSlack)
	base := e.cfg.EpsilonPrice
	if slack.GreaterThan(base) {
		base = slack
	}
	return base.Add(e.cfg.PriceQuantum)
}

// CreateOrder applies the point event for a successful broadcast: the
// order moves VIRTUAL -> ACTIVE and is indexed under chainID.
func (e *Engine) CreateOrder(orderID, chainID string, now time.Time) error {
	o, ok := e.store.Get(orderID)
	if !ok {
		return apperrors.New(apperrors.KindIndexCorruption, "CreateOrder: unknown order %s", orderID)
	}
	o.ChainID = chainID
	next, err := o.Transition(core.Active, now)
	if err != nil {
		return err
	}
	return e.store.Upsert(next)
}

// CancelOrder applies the point event for a successful cancel: the order
// moves ACTIVE/PARTIAL -> VIRTUAL, its reservation is released, and its
// chain linkage is cleared.
func (e *Engine) CancelOrder(ctx context.Context, orderID string, now time.Time) error {
	o, ok := e.store.Get(orderID)
	if !ok {
		return apperrors.New(apperrors.KindIndexCorruption, "CancelOrder: unknown order %s", orderID)
	}
	next, err := o.Transition(core.Virtual, now)
	if err != nil {
		return err
	}
	next.ChainID = ""
	next.FilledSize = decimal.Zero
	if err := e.store.Upsert(next); err != nil {
		return err
	}
	return e.acct.ReleaseReservation(ctx, o.Side, o.Open(), o.Price)
}

// toSpreadPlaceholder converts o into a zero-size SPREAD placeholder: the
// shape ReadOpenOrders and SyncFromFillHistory both use for a slot the
// chain no longer rests anything for.
func toSpreadPlaceholder(o core.Order, now time.Time) (core.Order, error) {
	moved, err := o.Transition(core.Virtual, now)
	if err != nil {
		return o, err
	}
	moved.ChainID = ""
	moved.FilledSize = decimal.Zero
	moved.Size = decimal.Zero
	moved.Type = core.TypeSpread
	return moved, nil
}

// ReadOpenOrders runs the full reconciliation pass against a fresh
// open-orders snapshot from the chain.
//
// Pass 1 matches local ACTIVE/PARTIAL orders to chain orders by chainID
// and reconciles size against the chain's resting amount in integer base
// units: a remainder that rounds to zero means nothing rests for this
// order anymore even though no explicit fill was ever reported, so the
// slot becomes a SPREAD placeholder and the shortfall is reported as a
// synthetic fill; a strictly positive remainder updates FilledSize/state.
// Pass 2 attempts to heal any local order whose chainID didn't match
// anything by looking for an unclaimed chain order of the same side
// within PriceTolerance. Anything left unmatched on the local side is a
// ghost-local order, treated as filled (SPREAD placeholder plus a
// synthetic fill for its remaining size). Finally, target-count
// reconciliation brings each side's matched ACTIVE+PARTIAL count back to
// cfg.TargetCount: a shortfall promotes the best-priced unclaimed ghost
// chain order onto the VIRTUAL slot whose price is closest to that
// ghost's price (the market price is not consulted); a surplus marks
// the worst-priced matched orders for cancellation.
func (e *Engine) ReadOpenOrders(ctx context.Context, chainOrders []ChainOrder, now time.Time) (ReconcileResult, error) {
	result := ReconcileResult{}
	claimed := make(map[string]bool, len(chainOrders))
	byChainID := make(map[string]ChainOrder, len(chainOrders))
	for _, co := range chainOrders {
		byChainID[co.ChainID] = co
	}

	local := append(e.store.ByState(core.Active), e.store.ByState(core.Partial)...)

	unmatchedLocal := make([]core.Order, 0)
	for _, o := range local {
		co, ok := byChainID[o.ChainID]
		if !ok {
			unmatchedLocal = append(unmatchedLocal, o)
			continue
		}
		claimed[co.ChainID] = true

		remaining := co.Size.Sub(co.Filled)
		if chainamount.TagInt(remaining, e.cfg.SizeDecimals).BigInt().Sign() <= 0 {
			spread, err := toSpreadPlaceholder(o, now)
			if err != nil {
				return result, err
			}
			if err := e.store.Upsert(spread); err != nil {
				return result, err
			}
			result.SyntheticFills = append(result.SyntheticFills, Fill{
				ChainID: co.ChainID,
				Side:    o.Side,
				Price:   o.Price,
				Size:    o.Open(),
			})
			continue
		}

		filled := o.Size.Sub(remaining)
		if filled.LessThanOrEqual(o.FilledSize) {
			continue // no new information from this chain order
		}
		reconciled := o
		reconciled.FilledSize = filled
		moved, err := reconciled.Transition(core.Partial, now)
		if err != nil {
			return result, err
		}
		if err := e.store.Upsert(moved); err != nil {
			return result, err
		}
	}

	// Pass 2: match remaining local orders by price within tolerance,
	// healing a lost chainID mapping without touching fund state.
	stillUnmatchedLocal := make([]core.Order, 0)
	for _, o := range unmatchedLocal {
		matched := false
		for _, co := range chainOrders {
			if claimed[co.ChainID] || co.Side != o.Side {
				continue
			}
			if o.Price.Sub(co.Price).Abs().LessThanOrEqual(e.PriceTolerance(o.Price)) {
				claimed[co.ChainID] = true
				matched = true
				healed := o
				healed.ChainID = co.ChainID
				if err := e.store.Upsert(healed); err != nil {
					return result, err
				}
				result.Adopted = append(result.Adopted, o.ID)
				break
			}
		}
		if !matched {
			stillUnmatchedLocal = append(stillUnmatchedLocal, o)
		}
	}

	// Remaining local orders are ghosts: the chain no longer has them,
	// and no fill ever arrived to explain it. Treat as fully filled.
	for _, o := range stillUnmatchedLocal {
		spread, err := toSpreadPlaceholder(o, now)
		if err != nil {
			return result, err
		}
		if err := e.store.Upsert(spread); err != nil {
			return result, err
		}
		if o.Open().GreaterThan(decimal.Zero) {
			result.SyntheticFills = append(result.SyntheticFills, Fill{
				ChainID: o.ChainID,
				Side:    o.Side,
				Price:   o.Price,
				Size:    o.Open(),
			})
		}
		result.Reverted = append(result.Reverted, o.ID)
		result.DivergenceSeen = true
	}

	// Remaining chain orders are ghosts the local grid never placed.
	ghosts := make([]ChainOrder, 0)
	for _, co := range chainOrders {
		if !claimed[co.ChainID] {
			ghosts = append(ghosts, co)
		}
	}

	if err := e.reconcileTargetCount(ctx, ghosts, claimed, &result, now); err != nil {
		return result, err
	}

	if result.DivergenceSeen {
		telemetry.GetGlobalMetrics().SyncDivergenceEvents.Add(ctx, 1)
	}
	return result, nil
}

// reconcileTargetCount implements step 5: bring each side's matched
// ACTIVE+PARTIAL count back toward cfg.TargetCount. A shortfall promotes
// the premium unclaimed ghost chain order onto the VIRTUAL slot closest
// to that ghost's price, not to market; a surplus marks the worst matched
// orders for cancel.
// Ghosts that remain unclaimed once reconciliation is done are cancelled.
func (e *Engine) reconcileTargetCount(ctx context.Context, ghosts []ChainOrder, claimed map[string]bool, result *ReconcileResult, now time.Time) error {
	if e.cfg.TargetCount == nil {
		for _, ghost := range ghosts {
			result.CancelRequests = append(result.CancelRequests, ghost)
			result.DivergenceSeen = true
		}
		return nil
	}

	byPriceBetter := func(side core.Side, a, b decimal.Decimal) bool {
		if side == core.Buy {
			return a.GreaterThan(b)
		}
		return a.LessThan(b)
	}

	for _, side := range []core.Side{core.Buy, core.Sell} {
		target, ok := e.cfg.TargetCount[side]
		if !ok || target == 0 {
			for _, g := range ghosts {
				if g.Side == side && !claimed[g.ChainID] {
					result.CancelRequests = append(result.CancelRequests, g)
					result.DivergenceSeen = true
				}
			}
			continue
		}
		matched := 0
		for _, o := range e.store.ByState(core.Active) {
			if o.Side == side {
				matched++
			}
		}
		for _, o := range e.store.ByState(core.Partial) {
			if o.Side == side {
				matched++
			}
		}

		sideGhosts := make([]ChainOrder, 0)
		for _, g := range ghosts {
			if g.Side == side && !claimed[g.ChainID] {
				sideGhosts = append(sideGhosts, g)
			}
		}
		sort.SliceStable(sideGhosts, func(i, j int) bool {
			return byPriceBetter(side, sideGhosts[i].Price, sideGhosts[j].Price)
		})

		for matched < target && len(sideGhosts) > 0 {
			premium := sideGhosts[0]
			sideGhosts = sideGhosts[1:]
			slot, ok := e.closestVirtualSlot(side, premium.Price)
			if !ok {
				break
			}
			promoted := slot
			promoted.ChainID = premium.ChainID
			promoted.Size = premium.Size
			promoted.FilledSize = premium.Filled
			next, err := promoted.Transition(core.Active, now)
			if err != nil {
				return err
			}
			if err := e.store.Upsert(next); err != nil {
				return err
			}
			claimed[premium.ChainID] = true
			result.Adopted = append(result.Adopted, slot.ID)
			matched++
		}

		if matched > target {
			surplus := matched - target
			worstFirst := e.matchedOrdersBySide(side)
			sort.SliceStable(worstFirst, func(i, j int) bool {
				return byPriceBetter(side, worstFirst[j].Price, worstFirst[i].Price)
			})
			for i := 0; i < surplus && i < len(worstFirst); i++ {
				o := worstFirst[i]
				result.CancelRequests = append(result.CancelRequests, ChainOrder{ChainID: o.ChainID, Side: o.Side, Price: o.Price, Size: o.Size})
				result.DivergenceSeen = true
			}
		}

		for _, g := range sideGhosts {
			result.CancelRequests = append(result.CancelRequests, g)
			result.DivergenceSeen = true
		}
	}
	return nil
}

// matchedOrdersBySide returns every ACTIVE/PARTIAL order on side.
func (e *Engine) matchedOrdersBySide(side core.Side) []core.Order {
	out := make([]core.Order, 0)
	for _, o := range e.store.ByState(core.Active) {
		if o.Side == side {
			out = append(out, o)
		}
	}
	for _, o := range e.store.ByState(core.Partial) {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// closestVirtualSlot returns the VIRTUAL grid slot on side nearest to
// price.
func (e *Engine) closestVirtualSlot(side core.Side, price decimal.Decimal) (core.Order, bool) {
	var best core.Order
	found := false
	for _, o := range e.store.ByState(core.Virtual) {
		if o.Side != side || o.Type != core.TypeGrid {
			continue
		}
		if !found || o.Price.Sub(price).Abs().LessThan(best.Price.Sub(price).Abs()) {
			best = o
			found = true
		}
	}
	return best, found
}

// SyncFromFillHistory applies a batch of fills, moving funds through the
// Accountant and running Anchor-and-Refill dust accounting for doubled
// slots: when a single fill's size exceeds the resting order's expected
// one-level share, the surplus is anchored as MergedDustSize against that
// order rather than double-counted as profit, and later fills on the same
// id pay the debt down (FilledSinceRefill) before the slot is allowed back
// to a clean ACTIVE state.
func (e *Engine) SyncFromFillHistory(ctx context.Context, fills []Fill, now time.Time, dustThreshold decimal.Decimal) error {
	e.acct.PauseRecalc()
	defer func() {
		_ = e.acct.ResumeRecalc(ctx)
	}()

	// Stable order avoids fill-ordering nondeterminism in dust accounting.
	sorted := make([]Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChainID < sorted[j].ChainID })

	for _, f := range sorted {
		o, ok := e.store.GetByChainID(f.ChainID)
		if !ok {
			continue // fill for an order this grid no longer tracks; ignore
		}

		fillSize := f.Size
		expectedShare := o.Size
		next := o

		if fillSize.GreaterThan(expectedShare) {
			surplus := fillSize.Sub(expectedShare)
			next.IsDoubleOrder = true
			next.MergedDustSize = o.MergedDustSize.Add(surplus)
			fillSize = expectedShare
		} else if o.IsDoubleOrder && o.MergedDustSize.GreaterThan(decimal.Zero) {
			next.FilledSinceRefill = o.FilledSinceRefill.Add(fillSize)
			if next.FilledSinceRefill.GreaterThanOrEqual(o.MergedDustSize) {
				// Dust debt paid off: strip the flags and let the next
				// rebalance pass treat this as a delayed rotation trigger.
				next.IsDoubleOrder = false
				next.MergedDustSize = decimal.Zero
				next.FilledSinceRefill = decimal.Zero
				next.PendingRotation = true
			}
		}

		if err := e.acct.ProcessFill(ctx, f.Side, fillSize, f.Price, f.Fee); err != nil {
			return err
		}

		next.FilledSize = o.FilledSize.Add(fillSize)

		if next.FilledSize.Add(dustThreshold).GreaterThanOrEqual(o.Size) {
			// Fully executed, within dust tolerance: the chain no longer
			// rests this order (or what's left of it isn't worth chasing),
			// so recycle the level back to VIRTUAL rather than try an
			// illegal ACTIVE -> ACTIVE self-transition.
			moved, err := next.Transition(core.Virtual, now)
			if err != nil {
				return err
			}
			moved.ChainID = ""
			moved.FilledSize = decimal.Zero
			if err := e.store.Upsert(moved); err != nil {
				return err
			}
			continue
		}

		moved, err := next.Transition(core.Partial, now)
		if err != nil {
			return err
		}
		if err := e.store.Upsert(moved); err != nil {
			return err
		}
	}
	return nil
}

// MergedDustSize reports the outstanding anchored dust debt for orderID,
// zero if none.
func (e *Engine) MergedDustSize(orderID string) decimal.Decimal {
	o, ok := e.store.Get(orderID)
	if !ok {
		return decimal.Zero
	}
	return o.MergedDustSize
}
