package cost

import (
	"fmt"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
)

// Plan is a fully resolved request: model chosen, history trimmed to
// budget, spend pre-authorized.
type Plan struct {
	Model           string
	Tier            string
	Messages        []llm.Message
	InputTokens     int
	EstimatedCost   float64
	Trimmed         bool
	DroppedMessages int
	Complexity      ComplexityScore
	Recommendations []string
}

// Report summarizes the optimizer's running state for the ops surface.
type Report struct {
	Strategy     string              `json:"strategy"`
	DailySpend   float64             `json:"dailySpendUSD"`
	MonthlySpend float64             `json:"monthlySpendUSD"`
	DailyLimit   float64             `json:"dailyLimitUSD"`
	MonthlyLimit float64             `json:"monthlyLimitUSD"`
	Tiers        map[string]TierView `json:"tiers"`
	Batching     BatchStats          `json:"batching"`
}

// TierView is the JSON shape of one tier's stats.
type TierView struct {
	Requests     int64   `json:"requests"`
	SuccessRate  float64 `json:"successRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	TotalCostUSD float64 `json:"totalCostUSD"`
}

// Optimizer composes the router, request budget, and spend tracker into one
// pre-flight step.
type Optimizer struct {
	router   *Router
	budget   RequestBudget
	spend    *SpendTracker
	batcher  *Batcher
	autoTrim bool

	dailyLimit   float64
	monthlyLimit float64
}

// NewOptimizer wires the pre-flight chain. batcher may be nil when batching
// is disabled entirely.
func NewOptimizer(router *Router, budget RequestBudget, spend *SpendTracker, batcher *Batcher, autoTrim bool, dailyLimit, monthlyLimit float64) *Optimizer {
	return &Optimizer{
		router:       router,
		budget:       budget,
		spend:        spend,
		batcher:      batcher,
		autoTrim:     autoTrim,
		dailyLimit:   dailyLimit,
		monthlyLimit: monthlyLimit,
	}
}

// Optimize routes, trims, and authorizes one request. A returned error is
// always ErrBudgetExceeded-wrapped and means the request must not be sent.
func (o *Optimizer) Optimize(message, system string, history []llm.Message, previouslyEscalated bool) (*Plan, error) {
	route := o.router.Pick(message, len(history), previouslyEscalated)

	msgs := append(append([]llm.Message{}, history...), llm.Message{Role: "user", Content: message})
	trim, err := o.budget.Enforce(route.Model, system, msgs, o.autoTrim)
	if err != nil {
		return nil, err
	}
	if err := o.spend.Allow(trim.EstimatedCost); err != nil {
		return nil, err
	}

	plan := &Plan{
		Model:           route.Model,
		Tier:            route.Tier,
		Messages:        trim.Messages,
		InputTokens:     trim.InputTokens,
		EstimatedCost:   trim.EstimatedCost,
		Trimmed:         trim.Trimmed,
		DroppedMessages: trim.Dropped,
		Complexity:      route.Score,
	}

	if trim.Trimmed {
		plan.Recommendations = append(plan.Recommendations,
			fmt.Sprintf("history trimmed by %d messages to fit the input budget", trim.Dropped))
	}
	if daily, _ := o.spend.Spend(); o.dailyLimit > 0 && daily >= 0.8*o.dailyLimit {
		plan.Recommendations = append(plan.Recommendations, "daily spend is above 80% of its limit")
	}
	return plan, nil
}

// RecordOutcome feeds a completed (or failed) request back into routing
// stats and spend windows.
func (o *Optimizer) RecordOutcome(tier string, failed bool, latencyMs int64, costUSD float64) {
	o.router.Record(tier, failed, time.Duration(latencyMs)*time.Millisecond, costUSD)
	if costUSD > 0 {
		o.spend.Record(costUSD)
	}
}

// Snapshot builds the ops report.
func (o *Optimizer) Snapshot() Report {
	daily, monthly := o.spend.Spend()
	rep := Report{
		Strategy:     o.router.Strategy(),
		DailySpend:   daily,
		MonthlySpend: monthly,
		DailyLimit:   o.dailyLimit,
		MonthlyLimit: o.monthlyLimit,
		Tiers:        make(map[string]TierView),
	}
	for tier, s := range o.router.Stats() {
		rep.Tiers[tier] = TierView{
			Requests:     s.Requests,
			SuccessRate:  s.SuccessRate(),
			AvgLatencyMs: s.AvgLatencyMs(),
			TotalCostUSD: s.TotalCost,
		}
	}
	if o.batcher != nil {
		rep.Batching = o.batcher.Snapshot()
	}
	return rep
}
