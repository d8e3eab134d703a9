package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ErrRetryBudgetExhausted is returned when the shared retry budget rejects
// another retry. The original failure is wrapped alongside it.
var ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

// RetryConfig bounds one retry loop. Delay for attempt n (1-based retries)
// is min(InitialDelay * Multiplier^(n-1), MaxDelay), jittered by ±Jitter and
// scaled by the classified error's delay multiplier.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// The three standard profiles. Aggressive suits cheap idempotent calls,
// conservative suits expensive upstream calls under pressure.
var (
	AggressiveRetry   = RetryConfig{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Multiplier: 1.5, Jitter: 0.1}
	StandardRetry     = RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 32 * time.Second, Multiplier: 2, Jitter: 0.1}
	ConservativeRetry = RetryConfig{MaxAttempts: 2, InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, Multiplier: 3, Jitter: 0.1}
)

// Delay computes the pre-multiplier backoff for retry n (1-based), without
// jitter. Exposed for tests.
func (c RetryConfig) Delay(n int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(n-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// RetryBudget caps total retries across all callers within a rolling window,
// so a broad outage cannot multiply upstream load.
type RetryBudget struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time
	now    func() time.Time
}

// NewRetryBudget allows max retries per rolling window.
func NewRetryBudget(max int, window time.Duration) *RetryBudget {
	return &RetryBudget{max: max, window: window, now: time.Now}
}

// Allow consumes one retry token if the window has room.
func (b *RetryBudget) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.stamps[:0]
	for _, s := range b.stamps {
		if s.After(cutoff) {
			kept = append(kept, s)
		}
	}
	b.stamps = kept

	if len(b.stamps) >= b.max {
		return false
	}
	b.stamps = append(b.stamps, now)
	return true
}

// Remaining reports unused tokens in the current window.
func (b *RetryBudget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.window)
	n := 0
	for _, s := range b.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return b.max - n
}

// Retryer runs operations under a RetryConfig and an optional shared budget.
type Retryer struct {
	config RetryConfig
	budget *RetryBudget
	sleep  func(context.Context, time.Duration) error
}

// NewRetryer builds a retryer; budget may be nil for unbudgeted loops.
func NewRetryer(config RetryConfig, budget *RetryBudget) *Retryer {
	return &Retryer{config: config, budget: budget, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, the error classifies as non-retryable, the
// attempt limit is reached, or the shared budget runs dry. The last error is
// returned.
func (r *Retryer) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		cls := Classify(lastErr)
		if !cls.Retryable || attempt == r.config.MaxAttempts {
			return lastErr
		}
		if r.budget != nil && !r.budget.Allow() {
			return errors.Join(ErrRetryBudgetExhausted, lastErr)
		}

		delay := r.config.Delay(attempt)
		if r.config.Jitter > 0 {
			spread := r.config.Jitter * (rand.Float64() - 0.5) * 2
			delay = time.Duration(float64(delay) * (1 + spread))
		}
		delay = time.Duration(float64(delay) * cls.DelayMultiplier)

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}
