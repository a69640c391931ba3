// Package orchestrator implements the Manager: the only component
// permitted to broadcast to the chain, the sole writer of the Grid Store,
// and the place the pipeline's per-cycle timeout and lock discipline
// live. It wires the Grid Store, Accountant, Sync Engine, Strategy
// Engine, and a dexclient.Client into one warm-bootable, single-writer
// pipeline, with an explicit named-lock registry serializing each
// stage's access and a warm-boot sequence that loads the snapshot,
// restores accounting, repairs indices, then starts the cycle loop.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridcore/internal/accountant"
	"gridcore/internal/alert"
	"gridcore/internal/core"
	"gridcore/internal/dexclient"
	"gridcore/internal/grid"
	"gridcore/internal/persistence"
	"gridcore/internal/strategy"
	"gridcore/internal/syncengine"
	"gridcore/pkg/apperrors"
	"gridcore/pkg/concurrency"
	"gridcore/pkg/retrypolicy"
	"gridcore/pkg/telemetry"
)

// Config tunes pipeline timing and invariant tolerance.
type Config struct {
	PipelineTimeout    time.Duration
	LockTimeout        time.Duration
	InvariantTolerance decimal.Decimal
	DustThreshold      decimal.Decimal
}

// Manager owns the pipeline. Every field it mutates (the Grid Store
// directly; the Accountant and Sync Engine through their own exported
// methods) is only touched while holding the relevant named lock, except
// in Bootstrap, which runs before the first cycle and takes no lock.
type Manager struct {
	cfg    Config
	locks  *LockRegistry
	store  *grid.Store
	acct   *accountant.Accountant
	sync   *syncengine.Engine
	strat  *strategy.Engine
	dex    dexclient.Client
	persist persistence.Store
	alerts *alert.AlertManager
	pool   *concurrency.WorkerPool
	retry  *retrypolicy.Policy
	logger core.ILogger

	lastFillSync time.Time
	bootstrapped bool
}

// New builds a Manager. Call Bootstrap before the first RunCycle.
func New(cfg Config, store *grid.Store, acct *accountant.Accountant, syncEng *syncengine.Engine, strat *strategy.Engine, dex dexclient.Client, persist persistence.Store, alerts *alert.AlertManager, logger core.ILogger) *Manager {
	return &Manager{
		cfg:     cfg,
		locks:   NewLockRegistry(cfg.LockTimeout, logger),
		store:   store,
		acct:    acct,
		sync:    syncEng,
		strat:   strat,
		dex:     dex,
		persist: persist,
		alerts:  alerts,
		pool:    concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "orchestrator_notify", MaxWorkers: 4, NonBlocking: true}, logger),
		retry:   retrypolicy.New(retrypolicy.DefaultPersistenceConfig()),
		logger:  logger.WithField("component", "orchestrator"),
	}
}

// NextID mints a stable local order id.
func (m *Manager) NextID() string { return uuid.NewString() }

// Bootstrap performs the warm-boot sequence: load the last persisted grid
// snapshot (or seed a fresh one), restore the Accountant's on-chain
// balances and cached fields, and repair the store's indices before the
// pipeline starts trusting them.
func (m *Manager) Bootstrap(ctx context.Context) error {
	snapshot, err := m.persist.LoadGridSnapshot(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.KindPersistenceFailure, err, "bootstrap: loading grid snapshot")
	}

	if snapshot == nil {
		if err := m.strat.SeedGrid(time.Now(), m.NextID); err != nil {
			return apperrors.Wrap(apperrors.KindPersistenceFailure, err, "bootstrap: seeding grid")
		}
	} else {
		for _, o := range snapshot.Orders {
			if err := m.store.Upsert(o); err != nil {
				return apperrors.Wrap(apperrors.KindPersistenceFailure, err, "bootstrap: restoring order %s from snapshot", o.ID)
			}
		}
		for _, side := range []core.Side{core.Buy, core.Sell} {
			m.acct.RestoreFromSnapshot(side, snapshot.CacheFunds[side], snapshot.BtsFeesOwed[side])
		}
	}

	for _, side := range []core.Side{core.Buy, core.Sell} {
		committedChain, chainFree, err := m.dex.ReadBalance(ctx, side)
		if err != nil {
			return apperrors.Wrap(apperrors.KindChainRPCFailure, err, "bootstrap: reading balance for side %s", side)
		}
		m.acct.RestoreFromChain(side, committedChain, chainFree)
	}

	m.store.RepairIndices()
	if err := m.store.ValidateIndices(); err != nil {
		return err
	}
	m.lastFillSync = time.Now()
	m.bootstrapped = true
	return nil
}

// RunCycle executes one full pipeline pass: apply new fills, reconcile
// against the chain's open orders, rebalance the grid against
// currentPrice, evaluate partial orders, consider a spread correction,
// verify invariants, and persist. The whole
// cycle is bounded by PipelineTimeout; a cycle that blows through it is
// abandoned (locks release via defer) and counted as a pipeline timeout
// rather than left to run unbounded.
func (m *Manager) RunCycle(ctx context.Context, currentPrice decimal.Decimal) error {
	if !m.bootstrapped {
		return apperrors.New(apperrors.KindInvariantViolation, "RunCycle called before Bootstrap")
	}

	cycleCtx, cancel := context.WithTimeout(ctx, m.cfg.PipelineTimeout)
	defer cancel()
	start := time.Now()

	err := m.runCycleLocked(cycleCtx, currentPrice)

	elapsedMs := float64(time.Since(start).Milliseconds())
	telemetry.GetGlobalMetrics().PipelineCycleDuration.Record(ctx, elapsedMs)
	telemetry.GetGlobalMetrics().SetOpenOrders(int64(len(m.store.ByState(core.Active)) + len(m.store.ByState(core.Partial))))

	if cycleCtx.Err() == context.DeadlineExceeded {
		telemetry.GetGlobalMetrics().PipelineTimeouts.Add(ctx, 1)
		timeoutErr := apperrors.New(apperrors.KindPipelineTimeout, "pipeline cycle exceeded %s", m.cfg.PipelineTimeout)
		m.notify(alert.Warning, "pipeline cycle timed out", timeoutErr.Error())
		return timeoutErr
	}
	if err != nil {
		m.notify(alert.Error, "pipeline cycle failed", err.Error())
		return err
	}
	return nil
}

func (m *Manager) runCycleLocked(ctx context.Context, currentPrice decimal.Decimal) error {
	releaseGrid, err := m.locks.Acquire(ctx, GridLock)
	if err != nil {
		return err
	}
	defer releaseGrid()

	releaseSync, err := m.locks.Acquire(ctx, SyncLock)
	if err != nil {
		return err
	}
	defer releaseSync()

	// Fill history is applied before the open-orders reconciliation so a
	// fully-executed order still carries its chainID when its fill is
	// matched; reconcileOpenOrders only needs to catch what fills alone
	// can't explain (lost chainIDs, stray chain orders).
	if err := m.reconcileFills(ctx); err != nil {
		return err
	}
	if err := m.reconcileOpenOrders(ctx); err != nil {
		return err
	}
	if err := m.strat.Rebalance(ctx, currentPrice, time.Now(), nil); err != nil {
		return err
	}
	if err := m.strat.EvaluatePartials(ctx, time.Now(), m.NextID); err != nil {
		return err
	}
	m.correctSpreads(ctx, currentPrice)

	if err := m.verifyAndPersist(ctx); err != nil {
		return err
	}
	return nil
}

func (m *Manager) reconcileOpenOrders(ctx context.Context) error {
	chainOrders, err := m.dex.ReadOpenOrders(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.KindChainRPCFailure, err, "reading open orders")
	}
	result, err := m.sync.ReadOpenOrders(ctx, chainOrders, time.Now())
	if err != nil {
		return err
	}
	for _, sf := range result.SyntheticFills {
		if err := m.acct.ProcessFill(ctx, sf.Side, sf.Size, sf.Price, decimal.Zero); err != nil {
			return err
		}
	}
	releaseDiv, err := m.locks.Acquire(ctx, DivergenceLock)
	if err != nil {
		return err
	}
	defer releaseDiv()

	for _, cancel := range result.CancelRequests {
		if err := m.retry.Do(ctx, func(ctx context.Context) error {
			return m.dex.CancelOrder(ctx, cancel.ChainID)
		}); err != nil {
			m.logger.Warn("failed to cancel ghost-exchange order", "chain_id", cancel.ChainID, "err", err.Error())
		}
	}
	if result.DivergenceSeen {
		m.notify(alert.Warning, "sync divergence detected", "reconciliation found local/chain mismatch")
	}
	return nil
}

func (m *Manager) reconcileFills(ctx context.Context) error {
	releaseFill, err := m.locks.Acquire(ctx, FillProcessingLock)
	if err != nil {
		return err
	}
	defer releaseFill()

	fills, err := m.dex.ReadFillHistory(ctx, m.lastFillSync)
	if err != nil {
		return apperrors.Wrap(apperrors.KindChainRPCFailure, err, "reading fill history")
	}
	m.lastFillSync = time.Now()
	if len(fills) == 0 {
		return nil
	}
	return m.sync.SyncFromFillHistory(ctx, fills, time.Now(), m.cfg.DustThreshold)
}

func (m *Manager) correctSpreads(ctx context.Context, currentPrice decimal.Decimal) {
	releaseCorr, err := m.locks.Acquire(ctx, CorrectionsLock)
	if err != nil {
		return
	}
	defer releaseCorr()

	for _, side := range []core.Side{core.Buy, core.Sell} {
		if _, err := m.strat.MaybeCorrectSpread(side, currentPrice, time.Now(), m.NextID); err != nil {
			m.logger.Warn("spread correction failed", "side", side.String(), "err", err.Error())
		}
	}
}

func (m *Manager) verifyAndPersist(ctx context.Context) error {
	releaseAcct, err := m.locks.Acquire(ctx, AccountTotalsLock)
	if err != nil {
		return err
	}
	defer releaseAcct()

	m.acct.Recalculate(m.store)
	if err := m.acct.VerifyInvariants(m.store, m.cfg.InvariantTolerance); err != nil {
		m.notify(alert.Critical, "invariant violation", err.Error())
		return err
	}

	snapshot := persistence.GridSnapshot{
		Orders:      m.store.All(),
		CacheFunds:  map[core.Side]decimal.Decimal{},
		BtsFeesOwed: map[core.Side]decimal.Decimal{},
	}
	for _, side := range []core.Side{core.Buy, core.Sell} {
		f := m.acct.Snapshot(side)
		snapshot.CacheFunds[side] = f.CacheFunds
		snapshot.BtsFeesOwed[side] = f.BtsFeesOwed
	}

	if err := m.retry.Do(ctx, func(ctx context.Context) error {
		return m.persist.PersistGridSnapshot(ctx, snapshot)
	}); err != nil {
		return apperrors.Wrap(apperrors.KindPersistenceFailure, err, "persisting grid snapshot")
	}
	return nil
}

// notify dispatches an alert asynchronously through the worker pool so a
// slow alert channel can never stall the pipeline.
func (m *Manager) notify(level alert.AlertLevel, title, message string) {
	_ = m.pool.Submit(func() {
		m.alerts.Alert(context.Background(), title, message, level, nil)
	})
}

// Shutdown drains the notification pool.
func (m *Manager) Shutdown() {
	m.pool.Stop()
}
