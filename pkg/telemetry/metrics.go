package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names of the instruments MetricsHolder registers. These OTel
// instruments are the only metrics surface; the orchestrator has no
// GetMetrics() accessor.
const (
	MetricFundRecalcTotal        = "gridcore_fund_recalc_total"
	MetricInvariantViolations    = "gridcore_invariant_violations_total"
	MetricLockAcquisitions       = "gridcore_lock_acquisitions_total"
	MetricLockContentionSkips    = "gridcore_lock_contention_skips_total"
	MetricPipelineTimeouts       = "gridcore_pipeline_timeouts_total"
	MetricSyncDivergenceEvents   = "gridcore_sync_divergence_events_total"
	MetricPipelineCycleDuration  = "gridcore_pipeline_cycle_duration_ms"
	MetricOpenOrders             = "gridcore_open_orders"
)

// MetricsHolder holds the initialized instruments for the core's
// observability surface.
type MetricsHolder struct {
	FundRecalcTotal       metric.Int64Counter
	InvariantViolations   metric.Int64Counter
	LockAcquisitions      metric.Int64Counter
	LockContentionSkips   metric.Int64Counter
	PipelineTimeouts      metric.Int64Counter
	SyncDivergenceEvents  metric.Int64Counter
	PipelineCycleDuration metric.Float64Histogram
	OpenOrders            metric.Int64ObservableGauge

	mu            sync.RWMutex
	openOrderCount int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments start
// out as no-ops so code paths that record metrics (the Accountant's flush,
// the Sync Engine's divergence counter) are safe to call in tests and
// during early startup before InitMetrics wires the real exporter.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		m := noop.Meter{}
		globalMetrics = &MetricsHolder{}
		globalMetrics.FundRecalcTotal, _ = m.Int64Counter(MetricFundRecalcTotal)
		globalMetrics.InvariantViolations, _ = m.Int64Counter(MetricInvariantViolations)
		globalMetrics.LockAcquisitions, _ = m.Int64Counter(MetricLockAcquisitions)
		globalMetrics.LockContentionSkips, _ = m.Int64Counter(MetricLockContentionSkips)
		globalMetrics.PipelineTimeouts, _ = m.Int64Counter(MetricPipelineTimeouts)
		globalMetrics.SyncDivergenceEvents, _ = m.Int64Counter(MetricSyncDivergenceEvents)
		globalMetrics.PipelineCycleDuration, _ = m.Float64Histogram(MetricPipelineCycleDuration)
		globalMetrics.OpenOrders, _ = m.Int64ObservableGauge(MetricOpenOrders)
	})
	return globalMetrics
}

// InitMetrics registers every instrument against meter. Safe to call once
// per process; Setup calls it automatically.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.FundRecalcTotal, err = meter.Int64Counter(MetricFundRecalcTotal,
		metric.WithDescription("Number of full fund-model recalculations performed"))
	if err != nil {
		return err
	}

	m.InvariantViolations, err = meter.Int64Counter(MetricInvariantViolations,
		metric.WithDescription("Number of fund or index invariant violations detected"))
	if err != nil {
		return err
	}

	m.LockAcquisitions, err = meter.Int64Counter(MetricLockAcquisitions,
		metric.WithDescription("Number of named-lock acquisitions"))
	if err != nil {
		return err
	}

	m.LockContentionSkips, err = meter.Int64Counter(MetricLockContentionSkips,
		metric.WithDescription("Number of times a cycle was skipped due to lock contention"))
	if err != nil {
		return err
	}

	m.PipelineTimeouts, err = meter.Int64Counter(MetricPipelineTimeouts,
		metric.WithDescription("Number of pipeline cycles aborted by PIPELINE_TIMEOUT_MS"))
	if err != nil {
		return err
	}

	m.SyncDivergenceEvents, err = meter.Int64Counter(MetricSyncDivergenceEvents,
		metric.WithDescription("Number of reconciliation passes that found local/chain divergence"))
	if err != nil {
		return err
	}

	m.PipelineCycleDuration, err = meter.Float64Histogram(MetricPipelineCycleDuration,
		metric.WithDescription("Duration of one orchestrator pipeline cycle"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OpenOrders, err = meter.Int64ObservableGauge(MetricOpenOrders,
		metric.WithDescription("Current number of ACTIVE or PARTIAL orders in the grid store"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openOrderCount)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetOpenOrders updates the observable gauge's backing state.
func (m *MetricsHolder) SetOpenOrders(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrderCount = count
}
