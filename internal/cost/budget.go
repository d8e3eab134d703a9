package cost

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
)

// ErrBudgetExceeded rejects a request that would pass a hard spending cap.
var ErrBudgetExceeded = errors.New("budget exceeded")

// Per-request defaults.
const (
	DefaultPerRequestUSD   = 0.01
	DefaultMaxInputTokens  = 2000
	DefaultMaxOutputTokens = 500
	DefaultMaxTotalTokens  = 2500
	budgetAlertThreshold   = 0.8
)

// RequestBudget caps one request's estimated spend and token footprint.
type RequestBudget struct {
	MaxCostUSD      float64
	MaxInputTokens  int
	MaxOutputTokens int
	MaxTotalTokens  int
}

// DefaultRequestBudget returns the standard per-request caps, with the cost
// cap overridable from configuration.
func DefaultRequestBudget(maxCostUSD float64) RequestBudget {
	if maxCostUSD <= 0 {
		maxCostUSD = DefaultPerRequestUSD
	}
	return RequestBudget{
		MaxCostUSD:      maxCostUSD,
		MaxInputTokens:  DefaultMaxInputTokens,
		MaxOutputTokens: DefaultMaxOutputTokens,
		MaxTotalTokens:  DefaultMaxTotalTokens,
	}
}

// TrimResult reports what enforcement did to a request.
type TrimResult struct {
	Messages      []llm.Message
	InputTokens   int
	EstimatedCost float64
	Trimmed       bool
	Dropped       int
}

// Enforce checks a request against the budget, optionally trimming history
// to fit. Trimming drops the oldest turns first but always keeps the two
// newest; the system prompt is accounted separately and never dropped.
func (b RequestBudget) Enforce(model, system string, messages []llm.Message, autoTrim bool) (*TrimResult, error) {
	res := &TrimResult{Messages: messages}
	res.InputTokens = estimateInput(system, messages)

	for res.InputTokens > b.MaxInputTokens && autoTrim && len(res.Messages) > 2 {
		res.Messages = res.Messages[1:]
		res.Trimmed = true
		res.Dropped++
		res.InputTokens = estimateInput(system, res.Messages)
	}
	if res.InputTokens > b.MaxInputTokens {
		return nil, fmt.Errorf("input tokens %d over cap %d: %w", res.InputTokens, b.MaxInputTokens, ErrBudgetExceeded)
	}
	if res.InputTokens+b.MaxOutputTokens > b.MaxTotalTokens {
		return nil, fmt.Errorf("total tokens %d over cap %d: %w", res.InputTokens+b.MaxOutputTokens, b.MaxTotalTokens, ErrBudgetExceeded)
	}

	res.EstimatedCost = llm.EstimateCost(model, int64(res.InputTokens), int64(b.MaxOutputTokens))
	if res.EstimatedCost > b.MaxCostUSD {
		return nil, fmt.Errorf("estimated cost %.6f over cap %.6f: %w", res.EstimatedCost, b.MaxCostUSD, ErrBudgetExceeded)
	}
	return res, nil
}

func estimateInput(system string, messages []llm.Message) int {
	total := llm.EstimateTokens(system)
	for _, m := range messages {
		total += llm.EstimateTokens(m.Content)
	}
	return total
}

// SpendTracker enforces daily and monthly spending caps. Windows are
// calendar-aligned in UTC and reset lazily on rollover.
type SpendTracker struct {
	mu sync.Mutex

	dailyLimit   float64
	monthlyLimit float64

	day        string
	daySpend   float64
	month      string
	monthSpend float64

	dayAlerted   bool
	monthAlerted bool

	// Alert fires once per window when spend crosses 80% of a cap.
	Alert func(window string, spent, limit float64)

	now func() time.Time
}

// NewSpendTracker builds a tracker with the given caps in USD.
func NewSpendTracker(dailyLimit, monthlyLimit float64) *SpendTracker {
	return &SpendTracker{dailyLimit: dailyLimit, monthlyLimit: monthlyLimit, now: time.Now}
}

// Allow reports whether a request estimated at cost USD fits both windows.
func (t *SpendTracker) Allow(cost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()

	if t.dailyLimit > 0 && t.daySpend+cost > t.dailyLimit {
		return fmt.Errorf("daily spend %.4f + %.6f over limit %.2f: %w", t.daySpend, cost, t.dailyLimit, ErrBudgetExceeded)
	}
	if t.monthlyLimit > 0 && t.monthSpend+cost > t.monthlyLimit {
		return fmt.Errorf("monthly spend %.4f + %.6f over limit %.2f: %w", t.monthSpend, cost, t.monthlyLimit, ErrBudgetExceeded)
	}
	return nil
}

// Record adds realized spend and fires threshold alerts.
func (t *SpendTracker) Record(cost float64) {
	t.mu.Lock()
	t.roll()
	t.daySpend += cost
	t.monthSpend += cost

	var alerts []func()
	if t.Alert != nil {
		if !t.dayAlerted && t.dailyLimit > 0 && t.daySpend >= budgetAlertThreshold*t.dailyLimit {
			t.dayAlerted = true
			spent, limit := t.daySpend, t.dailyLimit
			alerts = append(alerts, func() { t.Alert("daily", spent, limit) })
		}
		if !t.monthAlerted && t.monthlyLimit > 0 && t.monthSpend >= budgetAlertThreshold*t.monthlyLimit {
			t.monthAlerted = true
			spent, limit := t.monthSpend, t.monthlyLimit
			alerts = append(alerts, func() { t.Alert("monthly", spent, limit) })
		}
	}
	t.mu.Unlock()

	for _, fire := range alerts {
		fire()
	}
}

// Spend reports current window totals.
func (t *SpendTracker) Spend() (daily, monthly float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roll()
	return t.daySpend, t.monthSpend
}

func (t *SpendTracker) roll() {
	now := t.now().UTC()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")
	if day != t.day {
		t.day = day
		t.daySpend = 0
		t.dayAlerted = false
	}
	if month != t.month {
		t.month = month
		t.monthSpend = 0
		t.monthAlerted = false
	}
}
