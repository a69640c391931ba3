// Package strategy implements the Strategy Engine: the component that
// decides, given a current market price, which grid levels should be
// resting on chain and which should be virtual, rotates the ladder toward
// market as it fills, and classifies a partial fill as dust (ghost-
// virtualized away, or merged into a doubled neighbor) or substantial
// (left resting). It owns the grid's one spread-tracking anchor order per
// side and gates any spread correction through the Accountant's
// SpreadAvailable check.
//
// Rebalance computes its action plan (activate/rotate) against a base
// version of the Grid Store and re-checks that version immediately before
// committing: if the grid advanced mid-plan (a fill landed via the Sync
// Engine while the plan was being built), the plan is discarded and the
// caller must retry against the new version rather than apply stale
// decisions. Dust/ghost-virtualization and the doubled-side two-pass rule
// are built directly from the fund/grid model.
package strategy

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"gridcore/internal/accountant"
	"gridcore/internal/core"
	"gridcore/internal/geometry"
	"gridcore/internal/grid"
	"gridcore/internal/syncengine"
	"gridcore/pkg/apperrors"
)

// DexClient is the narrow broadcast surface the Strategy Engine needs.
// The orchestrator is the only caller that also consumes the wider
// dexclient.Client interface; this one exists so strategy doesn't import
// dexclient's cancel-all/balance-query surface it never uses.
type DexClient interface {
	PlaceOrder(ctx context.Context, side core.Side, price, size decimal.Decimal) (chainID string, err error)
	CancelOrder(ctx context.Context, chainID string) error
}

// OrderLocker is the shadow lock map's view as consumed by the Strategy
// Engine: claim an order for the duration of an in-flight rotation, and
// ask whether some other caller currently holds a claim on it.
type OrderLocker interface {
	Lock(orderID string, now time.Time)
	Unlock(orderID string)
	IsOrderLocked(orderID string, now time.Time) bool
}

// Config tunes grid geometry, target ladder depth, and dust/spread
// thresholds.
type Config struct {
	Anchor        decimal.Decimal
	Interval      decimal.Decimal
	LevelsPerSide int
	OrderSize     decimal.Decimal

	// TargetCount is the number of ACTIVE+PARTIAL grid orders Rebalance
	// tries to keep resting per side, reduced by one while that side
	// carries an outstanding doubled slot.
	TargetCount map[core.Side]int
	// RecentRotationWindow excludes an order from being picked for another
	// rotation for this long after its last one.
	RecentRotationWindow time.Duration

	// DustThresholdPct is the fraction of a slot's idealSize below which a
	// PARTIAL order's remaining open size counts as dust.
	DustThresholdPct decimal.Decimal
	// MergeTolerancePct is the fraction of idealSize a MERGE may push a
	// consolidated slot over before SPLIT peels the excess back out as a
	// fresh VIRTUAL residual.
	MergeTolerancePct decimal.Decimal

	// SpreadOrderSize sizes the local spread-tracking anchor order.
	SpreadOrderSize decimal.Decimal
	SpreadBand      decimal.Decimal // max tolerated gap between best active order and current price before correction
}

// Engine decides grid-level activation/rotation and handles partial-fill
// cleanup.
type Engine struct {
	cfg    Config
	store  *grid.Store
	acct   *accountant.Accountant
	sync   *syncengine.Engine
	geo    geometry.Calculator
	dex    DexClient
	locker OrderLocker
	logger core.ILogger

	recentlyRotated map[string]time.Time
}

// New builds a Strategy Engine. locker may be nil, in which case rotation
// exclusion falls back to recentlyRotated/PendingRotation alone.
func New(cfg Config, store *grid.Store, acct *accountant.Accountant, sync *syncengine.Engine, geo geometry.Calculator, dex DexClient, locker OrderLocker, logger core.ILogger) *Engine {
	return &Engine{
		cfg:             cfg,
		store:           store,
		acct:            acct,
		sync:            sync,
		geo:             geo,
		dex:             dex,
		locker:          locker,
		logger:          logger.WithField("component", "strategy_engine"),
		recentlyRotated: make(map[string]time.Time),
	}
}

// SeedGrid populates the store with VIRTUAL levels on both sides, sized
// per cfg, if it is currently empty. Called once at orchestrator
// bootstrap.
func (e *Engine) SeedGrid(now time.Time, nextID func() string) error {
	if e.store.Count() > 0 {
		return nil
	}
	buys := e.geo.BuyLevels(e.cfg.Anchor, e.cfg.Interval, e.cfg.LevelsPerSide)
	sells := e.geo.SellLevels(e.cfg.Anchor, e.cfg.Interval, e.cfg.LevelsPerSide)
	for _, p := range buys {
		if err := e.store.Upsert(core.Order{ID: nextID(), Type: core.TypeGrid, Side: core.Buy, State: core.Virtual, Price: p, Size: e.cfg.OrderSize, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
	}
	for _, p := range sells {
		if err := e.store.Upsert(core.Order{ID: nextID(), Type: core.TypeGrid, Side: core.Sell, State: core.Virtual, Price: p, Size: e.cfg.OrderSize, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
	}
	return nil
}

type actionKind int

const (
	actionActivate actionKind = iota
	actionRotate
)

type gridAction struct {
	kind actionKind
	slot core.Order
	old  core.Order
}

// Rebalance computes and commits an action plan for both sides against
// currentPrice. excludeOrderIDs names local ids (or chain ids) the caller
// wants sat out this cycle regardless of how stale they are — e.g. an
// order another in-flight operation is already touching.
func (e *Engine) Rebalance(ctx context.Context, currentPrice decimal.Decimal, now time.Time, excludeOrderIDs map[string]bool) error {
	if err := e.rebalanceOnce(ctx, currentPrice, now, excludeOrderIDs); err != nil {
		return err
	}

	// A doubled slot whose dust debt just cleared (PendingRotation, set by
	// SyncFromFillHistory) reverts its side's target count back to normal
	// mid-cycle; run a second pass so the resulting boundary shift lands
	// the same cycle rather than waiting a tick. A slot whose debt was
	// cleared by a full fill is already VIRTUAL, so VIRTUAL is scanned too.
	shifted := false
	for _, state := range []core.State{core.Active, core.Partial, core.Virtual} {
		for _, o := range e.store.ByTypeAndState(core.TypeGrid, state) {
			if !o.PendingRotation {
				continue
			}
			o.PendingRotation = false
			if err := e.store.Upsert(o); err != nil {
				return err
			}
			shifted = true
		}
	}
	if shifted {
		return e.rebalanceOnce(ctx, currentPrice, now, excludeOrderIDs)
	}
	return nil
}

// rebalanceOnce plans both sides against the store's current version,
// verifies the version is unchanged immediately before committing, and
// applies the plan. A version mismatch means a fill or other mutation
// landed while the plan was being built; the caller must recompute rather
// than apply decisions made against data that no longer holds.
func (e *Engine) rebalanceOnce(ctx context.Context, currentPrice decimal.Decimal, now time.Time, excludeOrderIDs map[string]bool) error {
	baseVersion := e.store.Version()

	var actions []gridAction
	for _, side := range []core.Side{core.Buy, core.Sell} {
		actions = append(actions, e.planSide(side, currentPrice, excludeOrderIDs, now)...)
	}

	if e.store.Version() != baseVersion {
		return apperrors.Wrap(apperrors.KindInvariantViolation, apperrors.ErrStaleSnapshot,
			"rebalance: grid advanced from baseVersion %d while planning", baseVersion)
	}

	for _, a := range actions {
		var err error
		switch a.kind {
		case actionActivate:
			err = e.activate(ctx, a.slot, now)
		case actionRotate:
			err = e.rotate(ctx, a.old, a.slot, now)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// planSide is a pure read over the store: below target, it proposes
// activating the N closest-to-market VIRTUAL slots; at or above target, it
// proposes rotating the furthest-from-market eligible ACTIVE order to the
// closest-to-market VIRTUAL slot.
func (e *Engine) planSide(side core.Side, currentPrice decimal.Decimal, excludeOrderIDs map[string]bool, now time.Time) []gridAction {
	target := e.targetCountFor(side)
	matched := e.matchedCount(side)

	if matched < target {
		need := target - matched
		var actions []gridAction
		for _, slot := range e.sortedVirtualSlots(side, currentPrice) {
			if need == 0 {
				break
			}
			actions = append(actions, gridAction{kind: actionActivate, slot: slot})
			need--
		}
		return actions
	}

	for _, o := range e.sortedActiveOrders(side, currentPrice) {
		if e.isExcluded(o, excludeOrderIDs, now) {
			continue
		}
		slots := e.sortedVirtualSlots(side, currentPrice)
		if len(slots) == 0 {
			break
		}
		// Only rotate if the closest VIRTUAL slot actually sits nearer to
		// market than the order being displaced — otherwise the ladder is
		// already optimally placed and rotating would just swap one resting
		// order for a worse one every cycle.
		oDist := o.Price.Sub(currentPrice).Abs()
		slotDist := slots[0].Price.Sub(currentPrice).Abs()
		if !slotDist.LessThan(oDist) {
			break
		}
		return []gridAction{{kind: actionRotate, slot: slots[0], old: o}}
	}
	return nil
}

func (e *Engine) isExcluded(o core.Order, excludeOrderIDs map[string]bool, now time.Time) bool {
	if excludeOrderIDs != nil && (excludeOrderIDs[o.ID] || (o.ChainID != "" && excludeOrderIDs[o.ChainID])) {
		return true
	}
	if o.PendingRotation {
		return true
	}
	if until, ok := e.recentlyRotated[o.ID]; ok {
		if now.Before(until) {
			return true
		}
		delete(e.recentlyRotated, o.ID)
	}
	if e.locker != nil && e.locker.IsOrderLocked(o.ID, now) {
		return true
	}
	return false
}

// targetCountFor returns cfg.TargetCount[side], reduced by one while side
// carries an outstanding doubled slot (a MERGE in progress).
func (e *Engine) targetCountFor(side core.Side) int {
	target := e.cfg.TargetCount[side]
	if target > 0 && e.sideIsDoubled(side) {
		target--
	}
	return target
}

func (e *Engine) sideIsDoubled(side core.Side) bool {
	for _, state := range []core.State{core.Active, core.Partial} {
		for _, o := range e.store.ByTypeAndState(core.TypeGrid, state) {
			if o.Side == side && o.IsDoubleOrder {
				return true
			}
		}
	}
	return false
}

// matchedCount is the number of grid orders counted against side's
// target: every ACTIVE order, plus every PARTIAL order except one whose
// remaining size is dust. A dust partial is ghost-virtualized — treated
// as if it were still VIRTUAL for planning purposes — so Rebalance keeps
// the ladder filled instead of waiting on EvaluatePartials to resolve it.
func (e *Engine) matchedCount(side core.Side) int {
	n := 0
	for _, o := range e.store.ByTypeAndState(core.TypeGrid, core.Active) {
		if o.Side == side {
			n++
		}
	}
	for _, o := range e.store.ByTypeAndState(core.TypeGrid, core.Partial) {
		if o.Side == side && !e.isDustPartial(o) {
			n++
		}
	}
	return n
}

func (e *Engine) sortedVirtualSlots(side core.Side, currentPrice decimal.Decimal) []core.Order {
	var out []core.Order
	for _, o := range e.store.ByTypeAndState(core.TypeGrid, core.Virtual) {
		if o.Side == side {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Price.Sub(currentPrice).Abs().LessThan(out[j].Price.Sub(currentPrice).Abs())
	})
	return out
}

func (e *Engine) sortedActiveOrders(side core.Side, currentPrice decimal.Decimal) []core.Order {
	var out []core.Order
	for _, o := range e.store.ByTypeAndState(core.TypeGrid, core.Active) {
		if o.Side == side {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Price.Sub(currentPrice).Abs().GreaterThan(out[j].Price.Sub(currentPrice).Abs())
	})
	return out
}

// activate reserves funds and broadcasts a VIRTUAL order, folding in any
// anchored dust debt from a prior doubled fill at this level (MERGE)
// rather than leaving it stranded as an unrecoverable sliver.
func (e *Engine) activate(ctx context.Context, o core.Order, now time.Time) error {
	size := o.Size
	if e.sync != nil {
		if dust := e.sync.MergedDustSize(o.ID); dust.GreaterThan(decimal.Zero) {
			size = size.Add(dust)
		}
	}

	if err := e.acct.ReserveForOrder(ctx, o.Side, size, o.Price); err != nil {
		return err
	}

	chainID, err := e.dex.PlaceOrder(ctx, o.Side, o.Price, size)
	if err != nil {
		// Broadcast failure: release the reservation and leave the order
		// VIRTUAL for the next cycle to retry.
		if releaseErr := e.acct.ReleaseReservation(ctx, o.Side, size, o.Price); releaseErr != nil {
			return releaseErr
		}
		e.logger.Warn("activate: broadcast failed, leaving order virtual", "order_id", o.ID, "err", err.Error())
		return nil
	}

	sized := o
	sized.Size = size
	if err := e.store.Upsert(sized); err != nil {
		return err
	}
	return e.sync.CreateOrder(o.ID, chainID, now)
}

// revert cancels a resting order and lets it fall back to VIRTUAL. On
// cancel failure the order is left ACTIVE/PARTIAL for the next cycle to
// retry — the grid must never locally forget an order the chain still has
// open.
func (e *Engine) revert(ctx context.Context, o core.Order, now time.Time) error {
	if o.ChainID == "" {
		return apperrors.New(apperrors.KindInvariantViolation, "revert: order %s has no chainID", o.ID)
	}
	if err := e.dex.CancelOrder(ctx, o.ChainID); err != nil {
		e.logger.Warn("revert: cancel failed, leaving order resting", "order_id", o.ID, "err", err.Error())
		return nil
	}
	return e.sync.CancelOrder(ctx, o.ID, now)
}

// rotate cancels old and activates slot in its place, claiming old's id in
// the shadow lock map for the duration of the chain round trip and marking
// it recently-rotated afterward so the same order isn't picked again
// immediately.
func (e *Engine) rotate(ctx context.Context, old, slot core.Order, now time.Time) error {
	if old.ChainID == "" {
		return apperrors.New(apperrors.KindInvariantViolation, "rotate: order %s has no chainID", old.ID)
	}
	if e.locker != nil {
		e.locker.Lock(old.ID, now)
		defer e.locker.Unlock(old.ID)
	}

	if err := e.dex.CancelOrder(ctx, old.ChainID); err != nil {
		e.logger.Warn("rotate: cancel failed, leaving order resting", "order_id", old.ID, "err", err.Error())
		return nil
	}
	if err := e.sync.CancelOrder(ctx, old.ID, now); err != nil {
		return err
	}
	if e.recentlyRotated == nil {
		e.recentlyRotated = make(map[string]time.Time)
	}
	e.recentlyRotated[old.ID] = now.Add(e.cfg.RecentRotationWindow)
	return e.activate(ctx, slot, now)
}

// idealSize is a slot's weight-derived target size; the reference
// geometry is uniform, so every slot's ideal is the configured OrderSize.
func (e *Engine) idealSize(core.Order) decimal.Decimal {
	return e.cfg.OrderSize
}

func (e *Engine) isDustPartial(o core.Order) bool {
	threshold := e.idealSize(o).Mul(e.cfg.DustThresholdPct)
	return o.Open().LessThan(threshold)
}

func (e *Engine) dustPartialsOnSide(side core.Side) []core.Order {
	var out []core.Order
	for _, o := range e.store.ByTypeAndState(core.TypeGrid, core.Partial) {
		if o.Side == side && e.isDustPartial(o) {
			out = append(out, o)
		}
	}
	return out
}

// HandlePartial classifies orderID's remaining open size against its
// idealSize. Dust on only one side is left resting untouched (ghost-
// virtualized: matchedCount already stops counting it toward its side's
// target, so the ladder fills around it without a broadcast). Dust
// appearing on both sides at once is a stronger signal the market moved
// and triggers a consolidation pass on both sides.
func (e *Engine) HandlePartial(ctx context.Context, orderID string, now time.Time, nextID func() string) error {
	o, ok := e.store.Get(orderID)
	if !ok {
		return apperrors.New(apperrors.KindIndexCorruption, "HandlePartial: unknown order %s", orderID)
	}
	if o.State != core.Partial || !e.isDustPartial(o) {
		return nil
	}
	return e.EvaluatePartials(ctx, now, nextID)
}

// EvaluatePartials runs the dust MERGE/SPLIT pass across both sides at
// once, since the dual-side trigger can only be judged by looking at both
// sides together: one side alone holding dust is a no-op, but dust on both
// sides at once consolidates each side's dust partials toward idealSize.
func (e *Engine) EvaluatePartials(ctx context.Context, now time.Time, nextID func() string) error {
	buyDust := e.dustPartialsOnSide(core.Buy)
	sellDust := e.dustPartialsOnSide(core.Sell)
	if len(buyDust) == 0 || len(sellDust) == 0 {
		return nil
	}
	if err := e.consolidateDust(ctx, core.Buy, buyDust, now, nextID); err != nil {
		return err
	}
	return e.consolidateDust(ctx, core.Sell, sellDust, now, nextID)
}

// consolidateDust absorbs every outer dust order on side into the
// innermost (closest-to-market) one (MERGE), capping the result at
// idealSize+tolerance and pushing any excess back out as a fresh VIRTUAL
// residual at an outer slot (SPLIT) rather than overfunding one level.
func (e *Engine) consolidateDust(ctx context.Context, side core.Side, dust []core.Order, now time.Time, nextID func() string) error {
	if len(dust) == 0 {
		return nil
	}
	sort.SliceStable(dust, func(i, j int) bool {
		if side == core.Buy {
			return dust[i].Price.GreaterThan(dust[j].Price)
		}
		return dust[i].Price.LessThan(dust[j].Price)
	})
	target := dust[0]
	outer := dust[1:]

	absorbed := decimal.Zero
	for _, o := range outer {
		absorbed = absorbed.Add(o.Open())
	}

	ideal := e.idealSize(target)
	tolerance := ideal.Mul(e.cfg.MergeTolerancePct)
	// Refill target back to its ideal size plus whatever slack the outer
	// dust orders contributed, rather than merely summing what's left
	// resting — a dust sliver is refilled, not just relabeled.
	merged := ideal.Add(absorbed)

	residual := decimal.Zero
	if merged.GreaterThan(ideal.Add(tolerance)) {
		residual = merged.Sub(ideal)
		merged = ideal
	}

	for _, o := range outer {
		if err := e.revert(ctx, o, now); err != nil {
			return err
		}
	}
	if err := e.reanchor(ctx, target, merged, now); err != nil {
		return err
	}
	if residual.GreaterThan(decimal.Zero) {
		slot := core.Order{
			ID: nextID(), Type: core.TypeGrid, Side: side, State: core.Virtual,
			Price: e.outerSlotPrice(side, target.Price), Size: residual,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := e.store.Upsert(slot); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) outerSlotPrice(side core.Side, from decimal.Decimal) decimal.Decimal {
	if side == core.Buy {
		return from.Sub(e.cfg.Interval)
	}
	return from.Add(e.cfg.Interval)
}

// reanchor cancels o's resting chain order and re-places it at newSize,
// flagging it isDoubleOrder with mergedDustSize set to the portion of
// newSize not yet backed by a fill. On cancel failure o is left exactly as
// it was for the next cycle to retry.
func (e *Engine) reanchor(ctx context.Context, o core.Order, newSize decimal.Decimal, now time.Time) error {
	debt := newSize.Sub(o.Open())
	if debt.IsNegative() {
		debt = decimal.Zero
	}

	if err := e.dex.CancelOrder(ctx, o.ChainID); err != nil {
		e.logger.Warn("reanchor: cancel failed, leaving order at old size", "order_id", o.ID, "err", err.Error())
		return nil
	}
	if err := e.sync.CancelOrder(ctx, o.ID, now); err != nil {
		return err
	}

	reverted, ok := e.store.Get(o.ID)
	if !ok {
		return apperrors.New(apperrors.KindIndexCorruption, "reanchor: order %s missing after cancel", o.ID)
	}
	reverted.Size = newSize
	reverted.FilledSize = decimal.Zero
	// Zeroed so activate's own MergedDustSize lookup doesn't add this
	// slot's incoming debt on top of itself; the real debt is stamped on
	// below, after activate has placed the order.
	reverted.MergedDustSize = decimal.Zero
	if err := e.store.Upsert(reverted); err != nil {
		return err
	}

	if err := e.activate(ctx, reverted, now); err != nil {
		return err
	}

	activated, ok := e.store.Get(o.ID)
	if !ok {
		return apperrors.New(apperrors.KindIndexCorruption, "reanchor: order %s missing after activate", o.ID)
	}
	activated.IsDoubleOrder = true
	activated.MergedDustSize = debt
	return e.store.Upsert(activated)
}

// MaybeCorrectSpread checks whether the nearest resting order on side has
// drifted more than SpreadBand away from currentPrice and, if the
// Accountant reports enough spare funds, rotates the spread anchor — a
// local, never-broadcast SPREAD order — to track currentPrice, sized to
// min(SpreadOrderSize, available[side]); the slot's idealSize is not used.
func (e *Engine) MaybeCorrectSpread(side core.Side, currentPrice decimal.Decimal, now time.Time, nextID func() string) (bool, error) {
	nearest, ok := e.nearestActive(side)
	var gap decimal.Decimal
	if ok {
		gap = currentPrice.Sub(nearest.Price).Abs()
	} else {
		gap = e.cfg.SpreadBand.Add(decimal.NewFromInt(1)) // no resting order at all: always correct
	}
	if gap.LessThanOrEqual(e.cfg.SpreadBand) {
		return false, nil
	}
	if !e.acct.SpreadAvailable(side, e.cfg.SpreadOrderSize) {
		return false, nil
	}

	size := e.cfg.SpreadOrderSize
	if avail := e.acct.Snapshot(side).Available(); avail.LessThan(size) {
		size = avail
	}

	for _, o := range e.store.ByTypeAndState(core.TypeSpread, core.Virtual) {
		if o.Side == side {
			o.Price = currentPrice
			o.Size = size
			o.UpdatedAt = now
			return true, e.store.Upsert(o)
		}
	}
	return true, e.store.Upsert(core.Order{ID: nextID(), Type: core.TypeSpread, Side: side, State: core.Virtual, Price: currentPrice, Size: size, CreatedAt: now, UpdatedAt: now})
}

func (e *Engine) nearestActive(side core.Side) (core.Order, bool) {
	var best core.Order
	found := false
	for _, state := range []core.State{core.Active, core.Partial} {
		for _, o := range e.store.ByTypeAndState(core.TypeGrid, state) {
			if o.Side != side {
				continue
			}
			if !found {
				best = o
				found = true
				continue
			}
			if side == core.Buy && o.Price.GreaterThan(best.Price) {
				best = o
			}
			if side == core.Sell && o.Price.LessThan(best.Price) {
				best = o
			}
		}
	}
	return best, found
}
