package reliability

import (
	"context"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const outcomeWindowSize = 100

// CircuitBreaker trips after a run of consecutive failures and probes the
// upstream after a cooldown. The trip threshold adapts to the recent error
// rate: sustained errors tighten it, a clean window relaxes it.
type CircuitBreaker struct {
	mu sync.Mutex

	state         State
	consecutive   int
	threshold     int
	baseThreshold int

	window     [outcomeWindowSize]bool // true = failure
	windowPos  int
	windowFull bool

	baseTimeout    time.Duration
	currentTimeout time.Duration
	openedAt       time.Time
	probing        bool

	now func() time.Time
}

// NewCircuitBreaker builds a closed breaker. threshold is the initial
// consecutive-failure trip point; timeout is the initial cooldown before a
// probe is allowed.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:          StateClosed,
		threshold:      threshold,
		baseThreshold:  threshold,
		baseTimeout:    timeout,
		currentTimeout: timeout,
		now:            time.Now,
	}
}

// State reports the current state, accounting for cooldown expiry.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.currentTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Threshold reports the current adaptive trip threshold.
func (b *CircuitBreaker) Threshold() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.threshold
}

// Execute runs op through the breaker. While open it fails fast with
// ErrCircuitOpen; after the cooldown a single probe is admitted, and its
// outcome decides between closing and re-opening with a longer cooldown.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err == nil)
	return err
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.currentTimeout {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Probe runs op as a recovery check while the breaker is not closed, so a
// periodic task can close the circuit without waiting for user traffic. A
// successful probe closes the breaker; a failed one re-opens it with a
// longer cooldown. Reports whether a probe ran and succeeded.
func (b *CircuitBreaker) Probe(ctx context.Context, op func(ctx context.Context) error) bool {
	b.mu.Lock()
	if b.state == StateClosed || b.probing {
		b.mu.Unlock()
		return false
	}
	b.state = StateHalfOpen
	b.probing = true
	b.mu.Unlock()

	err := op(ctx)
	b.record(err == nil)
	return err == nil
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window[b.windowPos] = !success
	b.windowPos = (b.windowPos + 1) % outcomeWindowSize
	if b.windowPos == 0 {
		b.windowFull = true
	}
	b.adaptThreshold()

	if b.state == StateHalfOpen {
		b.probing = false
		if success {
			b.state = StateClosed
			b.consecutive = 0
			b.currentTimeout = b.baseTimeout
			return
		}
		b.reopen()
		return
	}

	if success {
		b.consecutive = 0
		return
	}
	b.consecutive++
	if b.consecutive >= b.threshold {
		b.reopen()
	}
}

func (b *CircuitBreaker) reopen() {
	if b.state == StateHalfOpen {
		// Repeat trips back off the cooldown, capped at 8x the base.
		doubled := b.currentTimeout * 2
		if max := 8 * b.baseTimeout; doubled > max {
			doubled = max
		}
		b.currentTimeout = doubled
	}
	b.state = StateOpen
	b.openedAt = b.now()
	b.consecutive = 0
}

// adaptThreshold tightens the trip point under a high error rate and relaxes
// it after a full clean window. Bounds: [2, 10].
func (b *CircuitBreaker) adaptThreshold() {
	n := outcomeWindowSize
	if !b.windowFull {
		n = b.windowPos
		if n == 0 {
			n = outcomeWindowSize
		}
	}
	failures := 0
	for i := 0; i < n; i++ {
		if b.window[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(n)

	switch {
	case rate > 0.30:
		t := b.threshold / 2
		if t < 2 {
			t = 2
		}
		b.threshold = t
	case b.windowFull && rate < 0.05:
		if b.threshold < 10 {
			b.threshold++
		}
	}
}
