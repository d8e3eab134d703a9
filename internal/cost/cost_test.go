package cost

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
)

func TestScoreComplexity(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		history   int
		escalated bool
		wantTier  string
	}{
		{"short booking", "Book me Friday at 2pm", 2, false, TierSimple},
		{"one signal stays simple", "How much is a standard clean?", 2, false, TierSimple},
		{"two signals", "Please explain how it works", 2, false, TierMedium},
		{"keywords", "Can you explain how pricing works and why it varies?", 2, false, TierMedium},
		{"escalated context", "It's still wrong", 2, true, TierMedium},
		{"four signals", "Compare the plans and explain how and why they differ", 2, false, TierComplex},
		{
			"complex",
			"Can you compare the deep clean and the standard clean, explain how pricing works for multiple rooms, and why the estimate changed? What's included? What about supplies?",
			8, false, TierComplex,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := ScoreComplexity(tt.message, tt.history, tt.escalated)
			if cs.Tier != tt.wantTier {
				t.Errorf("tier = %s (score %d, signals %v), want %s", cs.Tier, cs.Score, cs.Signals, tt.wantTier)
			}
		})
	}
}

func TestScoreComplexitySignals(t *testing.T) {
	cs := ScoreComplexity("Why is it $200? What if I skip the oven?", 2, true)
	// why keyword, reasoning indicator, escalation, two question marks.
	if cs.Score < 1+2+3+1 {
		t.Errorf("score = %d, signals %v", cs.Score, cs.Signals)
	}
}

func TestRouterStrategies(t *testing.T) {
	complexMsg := "Compare the options and explain how and why they differ across multiple rooms? Which is best? What about price?"
	mediumMsg := "Please explain how it works"

	r := NewRouter("fast-model", "balanced-model", StrategyCostOptimized)
	if got := r.Pick("Book me Friday", 1, false); got.Model != "fast-model" {
		t.Errorf("cost_optimized simple picked %s", got.Model)
	}
	if got := r.Pick(mediumMsg, 1, false); got.Model != "fast-model" {
		t.Errorf("cost_optimized medium on a healthy fast tier picked %s", got.Model)
	}
	if got := r.Pick(complexMsg, 10, true); got.Model != "balanced-model" {
		t.Errorf("cost_optimized complex picked %s", got.Model)
	}

	r = NewRouter("fast-model", "balanced-model", StrategyPerformanceOptimized)
	if got := r.Pick("Book me Friday", 1, false); got.Model != "fast-model" {
		t.Errorf("performance_optimized simple picked %s", got.Model)
	}
	if got := r.Pick(mediumMsg, 1, false); got.Model != "balanced-model" {
		t.Errorf("performance_optimized medium picked %s", got.Model)
	}
	if got := r.Pick(complexMsg, 10, true); got.Model != "balanced-model" {
		t.Errorf("performance_optimized complex picked %s", got.Model)
	}
}

func TestBalancedStrategyHonorsLatencySLO(t *testing.T) {
	r := NewRouter("fast-model", "balanced-model", StrategyBalanced)
	mediumMsg := "Please explain how it works"

	if got := r.Pick(mediumMsg, 1, false); got.Model != "balanced-model" {
		t.Fatalf("within SLO, medium should upgrade, got %s", got.Model)
	}

	// Push the balanced tier past its latency SLO.
	for i := 0; i < 5; i++ {
		r.Record("balanced", false, 5*time.Second, 0.001)
	}
	if got := r.Pick(mediumMsg, 1, false); got.Model != "fast-model" {
		t.Errorf("over SLO, medium should stay on fast, got %s", got.Model)
	}
	if got := r.Pick("Compare and explain how and why these differ", 1, false); got.Model != "balanced-model" {
		t.Errorf("complex always rides balanced, got %s", got.Model)
	}
}

func TestRouterShiftsMediumOnFailures(t *testing.T) {
	r := NewRouter("fast-model", "balanced-model", StrategyCostOptimized)
	mediumMsg := "Can you explain how and why the pricing works?"

	if got := r.Pick(mediumMsg, 2, false); got.Model != "fast-model" {
		t.Fatalf("healthy fast tier should take medium traffic, got %s (tier %s)", got.Model, got.Score.Tier)
	}

	// Degrade the fast tier below 90% success.
	for i := 0; i < 8; i++ {
		r.Record("fast", false, 100*time.Millisecond, 0.0001)
	}
	for i := 0; i < 2; i++ {
		r.Record("fast", true, 100*time.Millisecond, 0)
	}

	if got := r.Pick(mediumMsg, 2, false); got.Model != "balanced-model" {
		t.Errorf("degraded fast tier should shed medium traffic, got %s", got.Model)
	}
}

func TestRequestBudgetAutoTrim(t *testing.T) {
	b := DefaultRequestBudget(0.01)
	long := strings.Repeat("word ", 400) // ~500 tokens per message

	var msgs []llm.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, llm.Message{Role: "user", Content: long})
	}

	res, err := b.Enforce("claude-3-5-haiku-20241022", "You are a scheduler.", msgs, true)
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if !res.Trimmed || res.Dropped == 0 {
		t.Errorf("expected trimming: %+v", res)
	}
	if res.InputTokens > b.MaxInputTokens {
		t.Errorf("still over budget: %d", res.InputTokens)
	}
	// Newest two messages survive.
	if len(res.Messages) < 2 {
		t.Errorf("kept %d messages", len(res.Messages))
	}
}

func TestRequestBudgetHardReject(t *testing.T) {
	b := DefaultRequestBudget(0.01)
	long := strings.Repeat("word ", 400)
	msgs := []llm.Message{
		{Role: "user", Content: long + long},
		{Role: "user", Content: long + long + long},
	}

	// Trimming can't go below two messages, so this must reject.
	_, err := b.Enforce("claude-3-5-haiku-20241022", "", msgs, true)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("err = %v, want ErrBudgetExceeded", err)
	}

	// Without auto-trim even a trimmable request rejects.
	var six []llm.Message
	for i := 0; i < 6; i++ {
		six = append(six, llm.Message{Role: "user", Content: long})
	}
	_, err = b.Enforce("claude-3-5-haiku-20241022", "", six, false)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("err = %v, want ErrBudgetExceeded", err)
	}
}

func TestSpendTrackerWindows(t *testing.T) {
	tr := NewSpendTracker(1.0, 5.0)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Record(0.9)
	if err := tr.Allow(0.2); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("daily cap should reject: %v", err)
	}

	// Next day the daily window resets but the month keeps accruing.
	now = now.Add(24 * time.Hour)
	if err := tr.Allow(0.2); err != nil {
		t.Errorf("new day should allow: %v", err)
	}
	daily, monthly := tr.Spend()
	if daily != 0 || monthly != 0.9 {
		t.Errorf("daily = %f monthly = %f", daily, monthly)
	}

	// Monthly cap binds across days.
	tr.Record(4.5)
	if err := tr.Allow(0.2); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("monthly cap should reject: %v", err)
	}
}

func TestSpendTrackerAlertFiresOnce(t *testing.T) {
	tr := NewSpendTracker(1.0, 100.0)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	var fired int
	tr.Alert = func(window string, spent, limit float64) {
		if window == "daily" {
			fired++
		}
	}

	tr.Record(0.5)
	tr.Record(0.35) // crosses 80%
	tr.Record(0.05)
	if fired != 1 {
		t.Errorf("alert fired %d times", fired)
	}
}

type countingClient struct {
	mu    sync.Mutex
	calls int32
}

func (c *countingClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	atomic.AddInt32(&c.calls, 1)
	return &llm.Response{Message: "ok", Action: "continue", Model: req.Model}, nil
}

func TestBatcherGroupsBySystemPrompt(t *testing.T) {
	client := &countingClient{}
	b := NewBatcher(client, true, 50*time.Millisecond, 5)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := b.Complete(context.Background(), llm.Request{
				Model: "m", System: "shared prompt",
				Messages: []llm.Message{{Role: "user", Content: "hi"}},
			})
			if err != nil || resp.Message != "ok" {
				t.Errorf("Complete: %v %+v", err, resp)
			}
		}()
	}
	wg.Wait()

	s := b.Snapshot()
	if s.Submitted != 3 {
		t.Errorf("submitted = %d", s.Submitted)
	}
	if s.Batches == 0 {
		t.Error("no flushes recorded")
	}
}

func TestBatcherFullBatchFlushesEarly(t *testing.T) {
	client := &countingClient{}
	b := NewBatcher(client, true, 10*time.Second, 2)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Complete(context.Background(), llm.Request{Model: "m", System: "s"}); err != nil {
				t.Errorf("Complete: %v", err)
			}
		}()
	}
	wg.Wait()

	// A full batch must not wait out the 10s window.
	if time.Since(start) > 2*time.Second {
		t.Error("full batch waited for the window")
	}
	if got := atomic.LoadInt32(&client.calls); got != 2 {
		t.Errorf("upstream calls = %d", got)
	}
}

func TestBatcherCanceledCallerDropped(t *testing.T) {
	client := &countingClient{}
	b := NewBatcher(client, true, 50*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Complete(ctx, llm.Request{Model: "m", System: "s"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestBatcherDisabledPassthrough(t *testing.T) {
	client := &countingClient{}
	b := NewBatcher(client, false, time.Hour, 5)

	start := time.Now()
	if _, err := b.Complete(context.Background(), llm.Request{Model: "m", System: "s"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("disabled batcher should not delay")
	}
}

func TestOptimizerPlan(t *testing.T) {
	r := NewRouter("fast-model", "balanced-model", StrategyCostOptimized)
	o := NewOptimizer(r, DefaultRequestBudget(0.01), NewSpendTracker(10, 300), nil, true, 10, 300)

	plan, err := o.Optimize("Book me Friday at 2pm", "You are a scheduler.", nil, false)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if plan.Model != "fast-model" || plan.Tier != "fast" {
		t.Errorf("plan = %+v", plan)
	}
	if len(plan.Messages) != 1 || plan.Messages[0].Content != "Book me Friday at 2pm" {
		t.Errorf("messages = %+v", plan.Messages)
	}
	if plan.EstimatedCost <= 0 {
		t.Errorf("estimated cost = %f", plan.EstimatedCost)
	}
}

func TestOptimizerSpendCapRejects(t *testing.T) {
	r := NewRouter("fast-model", "balanced-model", StrategyCostOptimized)
	tr := NewSpendTracker(0.001, 300)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	tr.Record(0.001)

	o := NewOptimizer(r, DefaultRequestBudget(0.01), tr, nil, true, 0.001, 300)
	_, err := o.Optimize("Book me Friday", "sys", nil, false)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("err = %v, want ErrBudgetExceeded", err)
	}
}
