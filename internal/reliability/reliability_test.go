package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type statusErr struct{ status int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantCategory  Category
		wantRetryable bool
	}{
		{"deadline", context.DeadlineExceeded, CategoryNetworkTimeout, true},
		{"canceled", context.Canceled, CategoryNetwork, false},
		{"rate limit", &statusErr{429}, CategoryRateLimit, true},
		{"auth 401", &statusErr{401}, CategoryAuth, false},
		{"auth 403", &statusErr{403}, CategoryAuth, false},
		{"bad request", &statusErr{400}, CategoryInvalidRequest, false},
		{"unprocessable", &statusErr{422}, CategoryInvalidRequest, false},
		{"overloaded", &statusErr{503}, CategoryServerOverloaded, true},
		{"server error", &statusErr{500}, CategoryServerError, true},
		{"circuit open", ErrCircuitOpen, CategoryCircuitOpen, false},
		{"wrapped circuit open", fmt.Errorf("llm call: %w", ErrCircuitOpen), CategoryCircuitOpen, false},
		{"database", errors.New("sqlite: disk I/O error"), CategoryDatabase, true},
		{"unknown", errors.New("boom"), CategoryUnknown, false},
		{"unmatched status", &statusErr{418}, CategoryUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.err)
			if cls.Category != tt.wantCategory {
				t.Errorf("category = %s, want %s", cls.Category, tt.wantCategory)
			}
			if cls.Retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", cls.Retryable, tt.wantRetryable)
			}
		})
	}
}

func TestClassifyTaxonomyFields(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantPriority   string
		wantMultiplier float64
		wantAlert      bool
	}{
		{"rate limit", &statusErr{429}, PriorityMedium, 3, false},
		{"auth", &statusErr{401}, PriorityCritical, 1, true},
		{"server error", &statusErr{500}, PriorityHigh, 1.5, true},
		{"overloaded", &statusErr{503}, PriorityHigh, 2, true},
		{"database", errors.New("sqlite: disk I/O error"), PriorityCritical, 1.5, true},
		{"timeout", context.DeadlineExceeded, PriorityHigh, 1, false},
		{"unknown", errors.New("boom"), PriorityMedium, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.err)
			if cls.Priority != tt.wantPriority {
				t.Errorf("priority = %s, want %s", cls.Priority, tt.wantPriority)
			}
			if cls.DelayMultiplier != tt.wantMultiplier {
				t.Errorf("multiplier = %f, want %f", cls.DelayMultiplier, tt.wantMultiplier)
			}
			if cls.AlertAdmin != tt.wantAlert {
				t.Errorf("alertAdmin = %v, want %v", cls.AlertAdmin, tt.wantAlert)
			}
		})
	}
}

func TestClassifyDNSMultiplier(t *testing.T) {
	cls := Classify(&net.DNSError{Err: "no such host", Name: "api.example.com"})
	if cls.Category != CategoryNetworkDNS || cls.DelayMultiplier != 2 || cls.Priority != PriorityCritical {
		t.Errorf("cls = %+v", cls)
	}
}

func TestRetryProfilesJitter(t *testing.T) {
	for _, c := range []RetryConfig{AggressiveRetry, StandardRetry, ConservativeRetry} {
		if c.Jitter != 0.1 {
			t.Errorf("jitter = %f, want 0.1", c.Jitter)
		}
	}
}

func TestRetryConfigDelay(t *testing.T) {
	c := StandardRetry // 1s initial, x2, 32s cap
	if d := c.Delay(1); d != time.Second {
		t.Errorf("delay(1) = %s", d)
	}
	if d := c.Delay(2); d != 2*time.Second {
		t.Errorf("delay(2) = %s", d)
	}
	if d := c.Delay(10); d != 32*time.Second {
		t.Errorf("delay(10) = %s, want cap", d)
	}
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestRetryerStopsOnNonRetryable(t *testing.T) {
	r := NewRetryer(StandardRetry, nil)
	r.sleep = noSleep

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{401}
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	var se *statusErr
	if !errors.As(err, &se) {
		t.Errorf("err = %v", err)
	}
}

func TestRetryerRetriesAndSucceeds(t *testing.T) {
	r := NewRetryer(StandardRetry, nil)
	r.sleep = noSleep

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &statusErr{500}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryerExhaustsAttempts(t *testing.T) {
	r := NewRetryer(StandardRetry, nil)
	r.sleep = noSleep

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{500}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != StandardRetry.MaxAttempts {
		t.Errorf("calls = %d, want %d", calls, StandardRetry.MaxAttempts)
	}
}

func TestRetryBudget(t *testing.T) {
	b := NewRetryBudget(2, time.Minute)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	now := base
	b.now = func() time.Time { return now }

	if !b.Allow() || !b.Allow() {
		t.Fatal("first two retries should pass")
	}
	if b.Allow() {
		t.Error("third retry should be rejected")
	}

	// Tokens return as the window slides.
	now = base.Add(61 * time.Second)
	if !b.Allow() {
		t.Error("retry after window should pass")
	}
}

func TestRetryerBudgetExhaustion(t *testing.T) {
	b := NewRetryBudget(1, time.Minute)
	r := NewRetryer(AggressiveRetry, b)
	r.sleep = noSleep

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{500}
	})
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Errorf("err = %v, want budget exhaustion", err)
	}
	// One initial attempt plus the single budgeted retry.
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func failN(n int) func(context.Context) error {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls <= n {
			return errors.New("boom")
		}
		return nil
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	br := NewCircuitBreaker(3, time.Minute)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	br.now = func() time.Time { return now }

	op := failN(100)
	for i := 0; i < 3; i++ {
		if err := br.Execute(context.Background(), op); err == nil {
			t.Fatal("expected failure")
		}
	}
	if br.State() != StateOpen {
		t.Fatalf("state = %s, want open", br.State())
	}

	if err := br.Execute(context.Background(), op); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	br := NewCircuitBreaker(2, time.Minute)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	br.now = func() time.Time { return now }

	op := failN(2)
	_ = br.Execute(context.Background(), op)
	_ = br.Execute(context.Background(), op)
	if br.State() != StateOpen {
		t.Fatalf("state = %s, want open", br.State())
	}

	// After the cooldown, a successful probe closes the breaker.
	now = now.Add(61 * time.Second)
	if br.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", br.State())
	}
	if err := br.Execute(context.Background(), op); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if br.State() != StateClosed {
		t.Errorf("state = %s, want closed", br.State())
	}
}

func TestBreakerReopenBacksOff(t *testing.T) {
	br := NewCircuitBreaker(2, time.Minute)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	br.now = func() time.Time { return now }

	alwaysFail := func(context.Context) error { return errors.New("boom") }
	_ = br.Execute(context.Background(), alwaysFail)
	_ = br.Execute(context.Background(), alwaysFail)

	// Failed probe reopens with a doubled cooldown.
	now = now.Add(61 * time.Second)
	_ = br.Execute(context.Background(), alwaysFail)
	if br.State() != StateOpen {
		t.Fatalf("state = %s, want open", br.State())
	}
	now = now.Add(90 * time.Second)
	if br.State() != StateOpen {
		t.Errorf("cooldown should have doubled past 90s")
	}
	now = now.Add(60 * time.Second)
	if br.State() != StateHalfOpen {
		t.Errorf("state = %s, want half_open after 150s", br.State())
	}
}

func TestBreakerBackgroundProbe(t *testing.T) {
	br := NewCircuitBreaker(2, time.Hour)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	br.now = func() time.Time { return now }

	// A closed breaker ignores probes entirely.
	ran := false
	if br.Probe(context.Background(), func(context.Context) error { ran = true; return nil }) {
		t.Error("probe succeeded on a closed breaker")
	}
	if ran {
		t.Error("probe op ran on a closed breaker")
	}

	fail := func(context.Context) error { return errors.New("boom") }
	_ = br.Execute(context.Background(), fail)
	_ = br.Execute(context.Background(), fail)
	if br.State() != StateOpen {
		t.Fatalf("state = %s, want open", br.State())
	}

	// A failed probe re-opens; a successful one closes the circuit with no
	// user traffic and with the hour-long cooldown still pending.
	if br.Probe(context.Background(), fail) {
		t.Error("failed probe reported success")
	}
	if br.State() != StateOpen {
		t.Fatalf("state = %s, want open after failed probe", br.State())
	}
	if !br.Probe(context.Background(), func(context.Context) error { return nil }) {
		t.Error("successful probe reported failure")
	}
	if br.State() != StateClosed {
		t.Errorf("state = %s, want closed", br.State())
	}
}

func TestBreakerAdaptiveThreshold(t *testing.T) {
	br := NewCircuitBreaker(8, time.Minute)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	br.now = func() time.Time { return now }

	// Alternate success/failure: 50% error rate halves the threshold.
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("boom") }
	for i := 0; i < 10; i++ {
		_ = br.Execute(context.Background(), ok)
		_ = br.Execute(context.Background(), fail)
	}
	if th := br.Threshold(); th > 4 {
		t.Errorf("threshold = %d, want tightened", th)
	}
}

func TestExecutorFallbackLadder(t *testing.T) {
	mkExec := func() *Executor[string] {
		r := NewRetryer(RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}, nil)
		r.sleep = noSleep
		return NewExecutor[string](r, NewCircuitBreaker(100, time.Minute), time.Hour)
	}

	t.Run("primary", func(t *testing.T) {
		e := mkExec()
		res, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
			return "fresh", nil
		})
		if err != nil || res.Strategy != StrategyPrimary || res.Value != "fresh" {
			t.Errorf("res = %+v err = %v", res, err)
		}
	})

	t.Run("cached after failure", func(t *testing.T) {
		e := mkExec()
		_, _ = e.Execute(context.Background(), "k", func(context.Context) (string, error) {
			return "remembered", nil
		})
		res, err := e.Execute(context.Background(), "k", func(context.Context) (string, error) {
			return "", errors.New("boom")
		})
		if err != nil || res.Strategy != StrategyCached || res.Value != "remembered" {
			t.Errorf("res = %+v err = %v", res, err)
		}
		if res.PrimaryErr == nil {
			t.Error("primary error should be carried")
		}
	})

	t.Run("degraded", func(t *testing.T) {
		e := mkExec()
		e.Degraded = func(context.Context) (string, error) { return "reduced", nil }
		res, err := e.Execute(context.Background(), "miss", func(context.Context) (string, error) {
			return "", errors.New("boom")
		})
		if err != nil || res.Strategy != StrategyDegraded || res.Value != "reduced" {
			t.Errorf("res = %+v err = %v", res, err)
		}
	})

	t.Run("fallback", func(t *testing.T) {
		e := mkExec()
		e.Fallback = func() string { return "static" }
		res, err := e.Execute(context.Background(), "miss", func(context.Context) (string, error) {
			return "", errors.New("boom")
		})
		if err != nil || res.Strategy != StrategyFallback || res.Value != "static" {
			t.Errorf("res = %+v err = %v", res, err)
		}
	})

	t.Run("no rung left", func(t *testing.T) {
		e := mkExec()
		_, err := e.Execute(context.Background(), "miss", func(context.Context) (string, error) {
			return "", errors.New("boom")
		})
		if err == nil {
			t.Error("expected error when every rung declines")
		}
	})
}
