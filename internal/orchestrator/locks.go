// Lock registry: named, FIFO-fair mutexes with self-healing expiry.
//
// Follows a fixed, documented acquisition order to prevent deadlock
// across several named locks guarding related state, queue-based rather
// than a plain sync.Mutex so a caller can wait with a context deadline
// and a stuck holder can be forcibly expired rather than wedging the
// whole pipeline.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridcore/internal/core"
	"gridcore/pkg/apperrors"
	"gridcore/pkg/telemetry"
)

// Named locks, acquired by the orchestrator in this fixed order whenever
// more than one is needed in a single operation, to prevent deadlock:
// GridLock, SyncLock, FillProcessingLock, DivergenceLock,
// AccountTotalsLock, FundsSemaphore, SpreadCountLock, CorrectionsLock.
const (
	GridLock           = "grid"
	SyncLock           = "sync"
	FillProcessingLock = "fill_processing"
	DivergenceLock     = "divergence"
	AccountTotalsLock  = "account_totals"
	FundsSemaphore     = "funds"
	SpreadCountLock    = "spread_count"
	CorrectionsLock    = "corrections"
)

var registryNames = []string{
	GridLock, SyncLock, FillProcessingLock, DivergenceLock,
	AccountTotalsLock, FundsSemaphore, SpreadCountLock, CorrectionsLock,
}

type namedLock struct {
	mu         sync.Mutex
	queue      []chan struct{}
	holding    bool
	holder     string
	acquiredAt time.Time
}

// LockRegistry holds one namedLock per name in registryNames.
type LockRegistry struct {
	locks       map[string]*namedLock
	lockTimeout time.Duration
	logger      core.ILogger
}

// NewLockRegistry builds a registry with every named lock pre-created,
// each self-healing a holder that has not released within lockTimeout.
func NewLockRegistry(lockTimeout time.Duration, logger core.ILogger) *LockRegistry {
	r := &LockRegistry{
		locks:       make(map[string]*namedLock, len(registryNames)),
		lockTimeout: lockTimeout,
		logger:      logger.WithField("component", "lock_registry"),
	}
	for _, name := range registryNames {
		r.locks[name] = &namedLock{}
	}
	return r
}

// Acquire blocks until name is free, ctx is cancelled, or lockTimeout
// elapses, returning a release function on success. A waiter is served
// strictly in arrival order (FIFO), except when the current holder has
// been holding longer than lockTimeout: in that case Acquire steals the
// lock immediately rather than queueing behind a holder that is presumed
// stuck.
func (r *LockRegistry) Acquire(ctx context.Context, name string) (func(), error) {
	l, ok := r.locks[name]
	if !ok {
		return nil, apperrors.New(apperrors.KindInvariantViolation, "unknown lock name %q", name)
	}
	token := uuid.NewString()

	l.mu.Lock()
	if !l.holding {
		l.holding = true
		l.holder = token
		l.acquiredAt = time.Now()
		l.mu.Unlock()
		telemetry.GetGlobalMetrics().LockAcquisitions.Add(ctx, 1)
		return func() { r.release(l) }, nil
	}
	if time.Since(l.acquiredAt) > r.lockTimeout {
		r.logger.Warn("lock self-healed: stale holder expired", "lock", name, "holder", l.holder)
		l.holder = token
		l.acquiredAt = time.Now()
		l.mu.Unlock()
		telemetry.GetGlobalMetrics().LockAcquisitions.Add(ctx, 1)
		return func() { r.release(l) }, nil
	}
	wake := make(chan struct{})
	l.queue = append(l.queue, wake)
	l.mu.Unlock()

	timer := time.NewTimer(r.lockTimeout)
	defer timer.Stop()

	select {
	case <-wake:
		l.mu.Lock()
		l.holding = true
		l.holder = token
		l.acquiredAt = time.Now()
		l.mu.Unlock()
		telemetry.GetGlobalMetrics().LockAcquisitions.Add(ctx, 1)
		return func() { r.release(l) }, nil
	case <-ctx.Done():
		r.dequeue(l, wake)
		telemetry.GetGlobalMetrics().LockContentionSkips.Add(ctx, 1)
		return nil, ctx.Err()
	case <-timer.C:
		r.dequeue(l, wake)
		telemetry.GetGlobalMetrics().LockContentionSkips.Add(ctx, 1)
		return nil, apperrors.ErrLockTimeout
	}
}

// dequeue removes wake from l's queue. If wake is no longer queued, release
// has already handed the lock to this waiter, so it is passed on again.
func (r *LockRegistry) dequeue(l *namedLock, wake chan struct{}) {
	l.mu.Lock()
	for i, w := range l.queue {
		if w == wake {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()
	r.release(l)
}

// release hands the lock straight to the oldest waiter, keeping holding
// set so no newcomer can take it in between; with no waiter it frees it.
func (r *LockRegistry) release(l *namedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = ""
	if len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		l.acquiredAt = time.Now()
		close(next)
		return
	}
	l.holding = false
}
