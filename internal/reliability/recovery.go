package reliability

import (
	"context"
	"sync"
	"time"
)

// Strategy names which rung of the fallback ladder produced a result.
type Strategy string

const (
	StrategyPrimary  Strategy = "primary"
	StrategyCached   Strategy = "cached"
	StrategyDegraded Strategy = "degraded"
	StrategyFallback Strategy = "fallback"
)

// Result is the outcome of a recovery execution. PrimaryErr holds the
// original failure when a non-primary strategy served the result.
type Result[T any] struct {
	Value      T
	Strategy   Strategy
	PrimaryErr error
}

type cachedValue[T any] struct {
	value     T
	expiresAt time.Time
}

// Executor runs an operation through retry and breaker, then walks a
// fallback ladder when the primary path is exhausted: last good value for
// the same key, then a degraded handler, then a static fallback.
type Executor[T any] struct {
	retryer *Retryer
	breaker *CircuitBreaker

	mu    sync.Mutex
	cache map[string]cachedValue[T]
	ttl   time.Duration

	// Degraded produces a reduced-quality answer without the upstream.
	// Nil skips the rung.
	Degraded func(ctx context.Context) (T, error)
	// Fallback is the value of last resort. Nil skips the rung and the
	// primary error surfaces to the caller.
	Fallback func() T

	now func() time.Time
}

// NewExecutor builds an executor. cacheTTL bounds how stale a remembered
// value may be before the ladder skips it.
func NewExecutor[T any](retryer *Retryer, breaker *CircuitBreaker, cacheTTL time.Duration) *Executor[T] {
	return &Executor[T]{
		retryer: retryer,
		breaker: breaker,
		cache:   make(map[string]cachedValue[T]),
		ttl:     cacheTTL,
		now:     time.Now,
	}
}

// Execute runs op with retries inside the breaker. On success the value is
// remembered under key; on exhaustion the ladder runs. The zero Result value
// plus an error means every rung declined.
func (e *Executor[T]) Execute(ctx context.Context, key string, op func(ctx context.Context) (T, error)) (Result[T], error) {
	var value T
	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.retryer.Do(ctx, func(ctx context.Context) error {
			v, opErr := op(ctx)
			if opErr != nil {
				return opErr
			}
			value = v
			return nil
		})
	})
	if err == nil {
		e.remember(key, value)
		return Result[T]{Value: value, Strategy: StrategyPrimary}, nil
	}

	if v, ok := e.lookup(key); ok {
		return Result[T]{Value: v, Strategy: StrategyCached, PrimaryErr: err}, nil
	}

	if e.Degraded != nil {
		if v, degErr := e.Degraded(ctx); degErr == nil {
			return Result[T]{Value: v, Strategy: StrategyDegraded, PrimaryErr: err}, nil
		}
	}

	if e.Fallback != nil {
		return Result[T]{Value: e.Fallback(), Strategy: StrategyFallback, PrimaryErr: err}, nil
	}

	var zero T
	return Result[T]{Value: zero, Strategy: StrategyPrimary, PrimaryErr: err}, err
}

func (e *Executor[T]) remember(key string, v T) {
	if key == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cachedValue[T]{value: v, expiresAt: e.now().Add(e.ttl)}
}

func (e *Executor[T]) lookup(key string) (T, bool) {
	var zero T
	if key == "" {
		return zero, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cache[key]
	if !ok {
		return zero, false
	}
	if e.now().After(c.expiresAt) {
		delete(e.cache, key)
		return zero, false
	}
	return c.value, true
}
