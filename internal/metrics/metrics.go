// Package metrics exposes orchestrator state as Prometheus metrics. A
// custom collector reads the live singletons at scrape time, so no counter
// mirroring or background sampling is needed.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cache"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cost"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/engine"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/reliability"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/rollout"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/safety"
)

// Sources holds the singletons the collector reads. Nil fields are skipped.
type Sources struct {
	Safety    *safety.Pipeline
	Cache     *cache.ResponseCache
	Optimizer *cost.Optimizer
	Breaker   *reliability.CircuitBreaker
	Engine    *engine.Engine
	Canary    *rollout.Controller
}

type collector struct {
	src Sources

	safetyChecked    *prometheus.Desc
	safetyBlocked    *prometheus.Desc
	piiDetected      *prometheus.Desc
	leaksPrevented   *prometheus.Desc
	cacheHits        *prometheus.Desc
	cacheMisses      *prometheus.Desc
	cacheEntries     *prometheus.Desc
	cacheCostSaved   *prometheus.Desc
	spendUSD         *prometheus.Desc
	tierRequests     *prometheus.Desc
	tierSuccessRate  *prometheus.Desc
	breakerState     *prometheus.Desc
	breakerThreshold *prometheus.Desc
	activeSessions   *prometheus.Desc
	canaryStage      *prometheus.Desc
}

// NewCollector builds the scrape-time collector.
func NewCollector(src Sources) prometheus.Collector {
	return &collector{
		src: src,
		safetyChecked: prometheus.NewDesc("scheduler_safety_checked_total",
			"Messages screened by the safety pipeline.", []string{"result"}, nil),
		safetyBlocked: prometheus.NewDesc("scheduler_safety_blocked_total",
			"Messages blocked, by category.", []string{"category"}, nil),
		piiDetected: prometheus.NewDesc("scheduler_pii_detected_total",
			"Messages with PII detected.", nil, nil),
		leaksPrevented: prometheus.NewDesc("scheduler_leaks_prevented_total",
			"Model responses sanitized for prompt or PII leaks.", nil, nil),
		cacheHits: prometheus.NewDesc("scheduler_cache_hits_total",
			"Response cache hits.", nil, nil),
		cacheMisses: prometheus.NewDesc("scheduler_cache_misses_total",
			"Response cache misses.", nil, nil),
		cacheEntries: prometheus.NewDesc("scheduler_cache_entries",
			"Live response cache entries.", nil, nil),
		cacheCostSaved: prometheus.NewDesc("scheduler_cache_cost_saved_usd",
			"Cumulative spend avoided by cache hits.", nil, nil),
		spendUSD: prometheus.NewDesc("scheduler_llm_spend_usd",
			"Realized LLM spend in the current window.", []string{"window"}, nil),
		tierRequests: prometheus.NewDesc("scheduler_tier_requests_total",
			"LLM requests routed, by tier.", []string{"tier"}, nil),
		tierSuccessRate: prometheus.NewDesc("scheduler_tier_success_rate",
			"Realized success rate per tier.", []string{"tier"}, nil),
		breakerState: prometheus.NewDesc("scheduler_breaker_state",
			"Circuit breaker state: 0 closed, 1 half-open, 2 open.", nil, nil),
		breakerThreshold: prometheus.NewDesc("scheduler_breaker_threshold",
			"Current adaptive failure threshold.", nil, nil),
		activeSessions: prometheus.NewDesc("scheduler_active_sessions",
			"Open conversation sessions.", nil, nil),
		canaryStage: prometheus.NewDesc("scheduler_canary_stage_percent",
			"Active canary traffic stage, 0 when none.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.safetyChecked
	ch <- c.safetyBlocked
	ch <- c.piiDetected
	ch <- c.leaksPrevented
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEntries
	ch <- c.cacheCostSaved
	ch <- c.spendUSD
	ch <- c.tierRequests
	ch <- c.tierSuccessRate
	ch <- c.breakerState
	ch <- c.breakerThreshold
	ch <- c.activeSessions
	ch <- c.canaryStage
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Safety != nil {
		m := c.src.Safety.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.safetyChecked, prometheus.CounterValue, float64(m.Checked), "all")
		ch <- prometheus.MustNewConstMetric(c.safetyBlocked, prometheus.CounterValue, float64(m.JailbreakBlocked), "jailbreak")
		ch <- prometheus.MustNewConstMetric(c.safetyBlocked, prometheus.CounterValue, float64(m.ContentBlocked), "content")
		ch <- prometheus.MustNewConstMetric(c.safetyBlocked, prometheus.CounterValue, float64(m.ValidationFailed), "validation")
		ch <- prometheus.MustNewConstMetric(c.safetyBlocked, prometheus.CounterValue, float64(m.PIIBlocked), "pii")
		ch <- prometheus.MustNewConstMetric(c.piiDetected, prometheus.CounterValue, float64(m.PIIDetected))
		ch <- prometheus.MustNewConstMetric(c.leaksPrevented, prometheus.CounterValue, float64(m.LeaksPrevented))
	}

	if c.src.Cache != nil {
		if s, err := c.src.Cache.Snapshot(); err == nil {
			ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.Hits))
			ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.Misses))
			ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(s.Entries))
			ch <- prometheus.MustNewConstMetric(c.cacheCostSaved, prometheus.CounterValue, s.CostSavedUSD)
		} else {
			log.Printf("metrics: cache snapshot: %v", err)
		}
	}

	if c.src.Optimizer != nil {
		rep := c.src.Optimizer.Snapshot()
		ch <- prometheus.MustNewConstMetric(c.spendUSD, prometheus.GaugeValue, rep.DailySpend, "daily")
		ch <- prometheus.MustNewConstMetric(c.spendUSD, prometheus.GaugeValue, rep.MonthlySpend, "monthly")
		for tier, tv := range rep.Tiers {
			ch <- prometheus.MustNewConstMetric(c.tierRequests, prometheus.CounterValue, float64(tv.Requests), tier)
			ch <- prometheus.MustNewConstMetric(c.tierSuccessRate, prometheus.GaugeValue, tv.SuccessRate, tier)
		}
	}

	if c.src.Breaker != nil {
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerStateValue(c.src.Breaker.State()))
		ch <- prometheus.MustNewConstMetric(c.breakerThreshold, prometheus.GaugeValue, float64(c.src.Breaker.Threshold()))
	}

	if c.src.Engine != nil {
		ch <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(c.src.Engine.ActiveSessions()))
	}

	if c.src.Canary != nil {
		stage := 0
		if st := c.src.Canary.Status(); st.Active {
			stage = st.Stage
		}
		ch <- prometheus.MustNewConstMetric(c.canaryStage, prometheus.GaugeValue, float64(stage))
	}
}

func breakerStateValue(s reliability.State) float64 {
	switch s {
	case reliability.StateOpen:
		return 2
	case reliability.StateHalfOpen:
		return 1
	}
	return 0
}

// Handler registers the collector on a fresh registry and returns the
// exposition handler.
func Handler(src Sources) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(src))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
