// Package rollout moves prompt variants into production safely: shadow
// execution compares a candidate against the live variant offline, and
// canary deployment shifts real traffic in guarded stages.
package rollout

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

const (
	shadowTimeout       = 30 * time.Second
	responseSimilarity  = 0.8
	promotionMinSamples = 50

	maxShadowErrRate  = 0.05
	maxShadowDiffRate = 0.30
	maxLatencyDeltaMs = 500
	maxCostDeltaRatio = 0.10
)

// Runner produces a response for the same input under a different variant.
// The engine implements it; shadow runs bypass persistence and caching.
type Runner interface {
	RunShadow(ctx context.Context, variant, message string, history []llm.Message) (*llm.Response, error)
}

// ShadowConfig declares an active shadow test.
type ShadowConfig struct {
	PrimaryVariant string
	ShadowVariant  string
	SampleRate     float64 // 0..1 share of requests dual-executed
}

// PromotionReport is the verdict on a shadow candidate.
type PromotionReport struct {
	Ready        bool     `json:"ready"`
	Samples      int      `json:"samples"`
	ErrRate      float64  `json:"errorRate"`
	DiffRate     float64  `json:"differenceRate"`
	LatencyDelta float64  `json:"latencyDeltaMs"`
	CostDelta    float64  `json:"costDeltaRatio"`
	Blockers     []string `json:"blockers,omitempty"`
}

// Executor mirrors sampled production requests onto a shadow variant,
// records comparisons, and judges promotion readiness. Shadow runs are
// fire-and-forget; they never delay or fail the primary response.
type Executor struct {
	store  *store.Store
	runner Runner

	mu     sync.Mutex
	config *ShadowConfig

	wg          sync.WaitGroup
	shadowRuns  atomic.Int64
	shadowErrs  atomic.Int64
	primaryCost atomic.Int64 // microdollars
	shadowCost  atomic.Int64

	rand func() float64
}

// NewExecutor builds an executor with no active shadow test.
func NewExecutor(st *store.Store, runner Runner) *Executor {
	return &Executor{store: st, runner: runner, rand: rand.Float64}
}

// SetRunner attaches the shadow runner. The engine and the executor refer to
// each other, so the runner arrives after both are constructed.
func (e *Executor) SetRunner(r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runner = r
}

// Configure starts or replaces the shadow test. Nil stops shadowing.
func (e *Executor) Configure(cfg *ShadowConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.config = cfg
}

// Config returns the active shadow test, or nil.
func (e *Executor) Config() *ShadowConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config == nil {
		return nil
	}
	cfg := *e.config
	return &cfg
}

// Fire mirrors one request onto the shadow variant if a test is active for
// the primary variant and the sample draw hits. It returns immediately.
func (e *Executor) Fire(primaryVariant, message string, history []llm.Message, primary *llm.Response) {
	cfg := e.Config()
	if cfg == nil || cfg.PrimaryVariant != primaryVariant || e.rand() >= cfg.SampleRate {
		return
	}
	e.mu.Lock()
	runner := e.runner
	e.mu.Unlock()
	if runner == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shadowTimeout)
		defer cancel()

		e.shadowRuns.Add(1)
		start := time.Now()
		shadow, err := runner.RunShadow(ctx, cfg.ShadowVariant, message, history)
		if err != nil {
			e.shadowErrs.Add(1)
			log.Printf("rollout: shadow run: %v", err)
			return
		}
		shadowMs := time.Since(start).Milliseconds()

		e.primaryCost.Add(int64(primary.CostUSD * 1e6))
		e.shadowCost.Add(int64(shadow.CostUSD * 1e6))

		similarity := responseJaccard(primary.Message, shadow.Message)
		different := primary.Action != shadow.Action || similarity < responseSimilarity

		pMsg, sMsg := primary.Message, shadow.Message
		if _, err := e.store.InsertShadowComparison(&store.ShadowComparison{
			PrimaryVariant:    cfg.PrimaryVariant,
			ShadowVariant:     cfg.ShadowVariant,
			PrimaryResponse:   &pMsg,
			ShadowResponse:    &sMsg,
			PrimaryDurationMs: primary.DurationMs,
			ShadowDurationMs:  shadowMs,
			Different:         different,
			DifferenceScore:   similarity,
			CreatedAt:         time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			log.Printf("rollout: record shadow comparison: %v", err)
		}
	}()
}

// Drain waits for in-flight shadow runs, up to ctx.
func (e *Executor) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckPromotion evaluates the shadow variant against the promotion gates.
func (e *Executor) CheckPromotion(primary, shadow string) (*PromotionReport, error) {
	stats, err := e.store.GetShadowStats(primary, shadow)
	if err != nil {
		return nil, err
	}

	rep := &PromotionReport{Samples: stats.Samples}
	if stats.Samples < promotionMinSamples {
		rep.Blockers = append(rep.Blockers, "insufficient samples")
		return rep, nil
	}

	runs := e.shadowRuns.Load()
	if runs > 0 {
		rep.ErrRate = float64(e.shadowErrs.Load()) / float64(runs)
	}
	rep.DiffRate = float64(stats.Different) / float64(stats.Samples)
	rep.LatencyDelta = stats.AvgShadowMs - stats.AvgPrimaryMs
	if pc := e.primaryCost.Load(); pc > 0 {
		rep.CostDelta = float64(e.shadowCost.Load()-pc) / float64(pc)
	}

	if rep.ErrRate > maxShadowErrRate {
		rep.Blockers = append(rep.Blockers, "shadow error rate above 5%")
	}
	if rep.DiffRate > maxShadowDiffRate {
		rep.Blockers = append(rep.Blockers, "difference rate above 30%")
	}
	if rep.LatencyDelta > maxLatencyDeltaMs {
		rep.Blockers = append(rep.Blockers, "latency regression above 500ms")
	}
	if rep.CostDelta > maxCostDeltaRatio {
		rep.Blockers = append(rep.Blockers, "cost regression above 10%")
	}

	rep.Ready = len(rep.Blockers) == 0
	return rep, nil
}

func responseJaccard(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	inter := 0
	for w := range sa {
		if sb[w] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(w, ".,!?;:'\"")] = true
	}
	return set
}
