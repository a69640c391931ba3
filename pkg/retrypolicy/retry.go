// Package retrypolicy wraps failsafe-go retry and circuit-breaker policies
// behind a narrow Do(ctx, fn) helper, used for persistence writes (3
// attempts, exponential backoff) and for the orchestrator's
// chain-broadcast wrapper.
package retrypolicy

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Policy is a resilience pipeline around a fallible operation.
type Policy struct {
	pipeline failsafe.Executor[any]
}

// Config tunes the backoff schedule and circuit-breaker thresholds.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BreakerRatio  int // failures
	BreakerWindow int // out of this many calls
	BreakerDelay  time.Duration
}

// DefaultPersistenceConfig returns the standard persistence-write schedule:
// 3 attempts, exponential backoff.
func DefaultPersistenceConfig() Config {
	return Config{
		MaxRetries:    2, // first try plus 2 retries: 3 attempts in all
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BreakerRatio:  5,
		BreakerWindow: 10,
		BreakerDelay:  30 * time.Second,
	}
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(cfg.InitialDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(uint(cfg.BreakerRatio), uint(cfg.BreakerWindow)).
		WithDelay(cfg.BreakerDelay).
		Build()

	return &Policy{pipeline: failsafe.With[any](retry, breaker)}
}

// Do executes fn under the retry + circuit-breaker pipeline. fn must be
// idempotent: retrypolicy may invoke it more than once.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := p.pipeline.GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return nil, fn(ctx)
	})
	return err
}
