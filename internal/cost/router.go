package cost

import (
	"sync"
	"time"
)

// Routing strategy names, settable via configuration.
const (
	StrategyCostOptimized        = "cost_optimized"
	StrategyPerformanceOptimized = "performance_optimized"
	StrategyBalanced             = "balanced"
)

// balancedLatencySLOMs is the balanced tier's latency SLO. The balanced
// strategy only upgrades medium traffic while that tier answers within it.
const balancedLatencySLOMs = 2000

// Route is a routing decision.
type Route struct {
	Model    string
	Tier     string // fast or balanced
	Strategy string
	Score    ComplexityScore
}

// TierStats tracks realized outcomes per model tier.
type TierStats struct {
	Requests  int64
	Failures  int64
	TotalMs   int64
	TotalCost float64
}

// SuccessRate is in [0,1]; 1 when no requests were seen.
func (s TierStats) SuccessRate() float64 {
	if s.Requests == 0 {
		return 1
	}
	return float64(s.Requests-s.Failures) / float64(s.Requests)
}

// AvgLatencyMs is 0 when no requests were seen.
func (s TierStats) AvgLatencyMs() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.TotalMs) / float64(s.Requests)
}

// Router picks a model per request. Every strategy keeps simple traffic on
// the fast model and complex traffic on the balanced model; they differ in
// where medium traffic lands and which realized stats move it.
type Router struct {
	fastModel     string
	balancedModel string
	strategy      string

	mu    sync.Mutex
	stats map[string]*TierStats
}

// NewRouter builds a router. Unknown strategies fall back to cost_optimized.
func NewRouter(fastModel, balancedModel, strategy string) *Router {
	switch strategy {
	case StrategyCostOptimized, StrategyPerformanceOptimized, StrategyBalanced:
	default:
		strategy = StrategyCostOptimized
	}
	return &Router{
		fastModel:     fastModel,
		balancedModel: balancedModel,
		strategy:      strategy,
		stats:         map[string]*TierStats{"fast": {}, "balanced": {}},
	}
}

// Pick routes one request.
func (r *Router) Pick(message string, historyLen int, previouslyEscalated bool) Route {
	score := ScoreComplexity(message, historyLen, previouslyEscalated)

	tier := "fast"
	switch r.strategy {
	case StrategyPerformanceOptimized:
		if score.Tier != TierSimple {
			tier = "balanced"
		}
	case StrategyBalanced:
		switch score.Tier {
		case TierComplex:
			tier = "balanced"
		case TierMedium:
			if r.tierAvgLatency("balanced") <= balancedLatencySLOMs {
				tier = "balanced"
			}
		}
	default: // cost_optimized
		switch score.Tier {
		case TierComplex:
			tier = "balanced"
		case TierMedium:
			// Medium traffic rides the fast tier only while it's holding up.
			if r.tierSuccessRate("fast") < 0.9 {
				tier = "balanced"
			}
		}
	}

	model := r.fastModel
	if tier == "balanced" {
		model = r.balancedModel
	}
	return Route{Model: model, Tier: tier, Strategy: r.strategy, Score: score}
}

// Record feeds a realized outcome back into tier stats.
func (r *Router) Record(tier string, failed bool, latency time.Duration, costUSD float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[tier]
	if !ok {
		return
	}
	s.Requests++
	if failed {
		s.Failures++
	}
	s.TotalMs += latency.Milliseconds()
	s.TotalCost += costUSD
}

// Stats returns a copy of the per-tier stats.
func (r *Router) Stats() map[string]TierStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]TierStats, len(r.stats))
	for k, v := range r.stats {
		out[k] = *v
	}
	return out
}

func (r *Router) tierSuccessRate(tier string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[tier]; ok {
		return s.SuccessRate()
	}
	return 1
}

func (r *Router) tierAvgLatency(tier string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stats[tier]; ok {
		return s.AvgLatencyMs()
	}
	return 0
}

// Strategy reports the configured strategy.
func (r *Router) Strategy() string { return r.strategy }
