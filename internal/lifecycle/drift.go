// Package lifecycle watches deployed variants for behavioral drift, manages
// prompt versions, and orchestrates retraining when quality degrades.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/alerts"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

const (
	baselineWindow = 7 * 24 * time.Hour
	recentWindow   = 24 * time.Hour

	driftMinSamples = 50
	driftCacheTTL   = 5 * time.Minute

	// Relative-change thresholds per metric.
	bookingRateThreshold    = 0.10
	escalationRateThreshold = 0.15
	avgCostThreshold        = 0.20
	responseTimeThreshold   = 0.25

	// chi-squared critical value at p=0.05, df=4.
	chiSquaredCritical = 9.488
)

// Drift severities.
const (
	DriftLow    = "low"
	DriftMedium = "medium"
	DriftHigh   = "high"
)

// MetricDelta compares one metric across the two windows.
type MetricDelta struct {
	Baseline  float64 `json:"baseline"`
	Recent    float64 `json:"recent"`
	Change    float64 `json:"relativeChange"`
	Threshold float64 `json:"threshold"`
	Drifted   bool    `json:"drifted"`
}

// Report is one drift analysis.
type Report struct {
	Variant          string                 `json:"variant"`
	Drifted          bool                   `json:"drifted"`
	InsufficientData bool                   `json:"insufficientData"`
	Types            []string               `json:"types,omitempty"`
	Severity         string                 `json:"severity,omitempty"`
	Metrics          map[string]MetricDelta `json:"metrics,omitempty"`
	ChiSquared       float64                `json:"chiSquared,omitempty"`
	BaselineSamples  int                    `json:"baselineSamples"`
	RecentSamples    int                    `json:"recentSamples"`
	CheckedAt        time.Time              `json:"checkedAt"`
}

type cachedReport struct {
	report *Report
	at     time.Time
}

// Detector compares a variant's last 24 hours against its prior week across
// booking rate, escalation rate, cost, latency, and action distribution.
// Results are cached briefly since the underlying windows move slowly.
type Detector struct {
	store *store.Store
	hub   *alerts.Hub

	mu    sync.Mutex
	cache map[string]cachedReport

	now func() time.Time
}

// NewDetector builds a detector.
func NewDetector(st *store.Store, hub *alerts.Hub) *Detector {
	return &Detector{store: st, hub: hub, cache: make(map[string]cachedReport), now: time.Now}
}

// Detect analyzes one variant, serving a cached report when fresh. Drifted
// reports are persisted and alerted.
func (d *Detector) Detect(variant string) (*Report, error) {
	d.mu.Lock()
	if c, ok := d.cache[variant]; ok && d.now().Sub(c.at) < driftCacheTTL {
		d.mu.Unlock()
		return c.report, nil
	}
	d.mu.Unlock()

	report, err := d.analyze(variant)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[variant] = cachedReport{report: report, at: d.now()}
	d.mu.Unlock()

	if report.Drifted {
		d.persist(report)
		if d.hub != nil {
			level := alerts.LevelWarning
			if report.Severity == DriftHigh {
				level = alerts.LevelCritical
			}
			d.hub.Publish(level, "drift", fmt.Sprintf(
				"%s drift on %s: %s", report.Severity, variant, strings.Join(report.Types, ", ")))
		}
	}
	return report, nil
}

// ClearCache drops the cached report for one variant, or every variant when
// variant is empty, forcing fresh analysis.
func (d *Detector) ClearCache(variant string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if variant == "" {
		d.cache = make(map[string]cachedReport)
		return
	}
	delete(d.cache, variant)
}

// RunAll analyzes every variant with registered versions. Intended for the
// hourly scheduler; errors are logged, not returned.
func (d *Detector) RunAll() {
	variants, err := d.store.DistinctVariants()
	if err != nil {
		log.Printf("lifecycle: list variants: %v", err)
		return
	}
	for _, v := range variants {
		if _, err := d.Detect(v); err != nil {
			log.Printf("lifecycle: drift check %s: %v", v, err)
		}
	}
}

func (d *Detector) analyze(variant string) (*Report, error) {
	now := d.now().UTC()
	recentStart := now.Add(-recentWindow)
	baseStart := now.Add(-recentWindow - baselineWindow)

	fmtT := func(t time.Time) string { return t.Format(time.RFC3339) }

	base, err := d.store.GetConversationWindowStats(variant, fmtT(baseStart), fmtT(recentStart))
	if err != nil {
		return nil, fmt.Errorf("baseline stats: %w", err)
	}
	recent, err := d.store.GetConversationWindowStats(variant, fmtT(recentStart), fmtT(now))
	if err != nil {
		return nil, fmt.Errorf("recent stats: %w", err)
	}

	report := &Report{
		Variant:         variant,
		BaselineSamples: base.Samples,
		RecentSamples:   recent.Samples,
		CheckedAt:       now,
	}
	if base.Samples < driftMinSamples || recent.Samples < driftMinSamples {
		report.InsufficientData = true
		return report, nil
	}

	report.Metrics = map[string]MetricDelta{
		"booking_rate":    delta(base.BookingRate, recent.BookingRate, bookingRateThreshold, driftOnDrop),
		"escalation_rate": delta(base.EscalationRate, recent.EscalationRate, escalationRateThreshold, driftOnRise),
		"avg_cost":        delta(base.AvgCostUSD, recent.AvgCostUSD, avgCostThreshold, driftOnRise),
	}

	baseMs, _, err := d.store.GetAvgResponseTime(variant, fmtT(baseStart), fmtT(recentStart))
	if err != nil {
		return nil, fmt.Errorf("baseline latency: %w", err)
	}
	recentMs, _, err := d.store.GetAvgResponseTime(variant, fmtT(recentStart), fmtT(now))
	if err != nil {
		return nil, fmt.Errorf("recent latency: %w", err)
	}
	report.Metrics["response_time"] = delta(baseMs, recentMs, responseTimeThreshold, driftOnRise)

	baseActions, err := d.store.GetActionCounts(variant, fmtT(baseStart), fmtT(recentStart))
	if err != nil {
		return nil, fmt.Errorf("baseline actions: %w", err)
	}
	recentActions, err := d.store.GetActionCounts(variant, fmtT(recentStart), fmtT(now))
	if err != nil {
		return nil, fmt.Errorf("recent actions: %w", err)
	}
	report.ChiSquared = chiSquared(baseActions, recentActions)

	var maxOverrun float64
	for name, m := range report.Metrics {
		if m.Drifted {
			report.Types = append(report.Types, name)
			if over := math.Abs(m.Change) / m.Threshold; over > maxOverrun {
				maxOverrun = over
			}
		}
	}
	if report.ChiSquared > chiSquaredCritical {
		report.Types = append(report.Types, "action_distribution")
	}

	report.Drifted = len(report.Types) > 0
	if report.Drifted {
		switch {
		case len(report.Types) >= 3 || maxOverrun >= 2:
			report.Severity = DriftHigh
		case len(report.Types) == 2:
			report.Severity = DriftMedium
		default:
			report.Severity = DriftLow
		}
	}
	return report, nil
}

// Drift directions. Booking rate degrades by falling; escalation rate,
// cost, and latency degrade by rising. Movement the other way is an
// improvement, not drift.
const (
	driftOnDrop = -1
	driftOnRise = 1
)

func delta(baseline, recent, threshold float64, direction int) MetricDelta {
	m := MetricDelta{Baseline: baseline, Recent: recent, Threshold: threshold}
	if baseline == 0 {
		// No baseline signal: a rise-sensitive metric drifts on any nonzero
		// recent value; a drop-sensitive one has nowhere to fall.
		if direction == driftOnRise && recent > 0 {
			m.Drifted = true
			m.Change = 1
		}
		return m
	}
	m.Change = (recent - baseline) / math.Abs(baseline)
	if direction == driftOnDrop {
		m.Drifted = m.Change <= -threshold
	} else {
		m.Drifted = m.Change >= threshold
	}
	return m
}

// chiSquared compares the recent action distribution against expectations
// scaled from the baseline proportions.
func chiSquared(baseline, recent map[string]int) float64 {
	baseTotal, recentTotal := 0, 0
	for _, n := range baseline {
		baseTotal += n
	}
	for _, n := range recent {
		recentTotal += n
	}
	if baseTotal == 0 || recentTotal == 0 {
		return 0
	}

	actions := make(map[string]bool)
	for a := range baseline {
		actions[a] = true
	}
	for a := range recent {
		actions[a] = true
	}

	var chi2 float64
	for a := range actions {
		expected := float64(baseline[a]) / float64(baseTotal) * float64(recentTotal)
		if expected == 0 {
			// A brand-new action in the recent window.
			expected = 0.5
		}
		diff := float64(recent[a]) - expected
		chi2 += diff * diff / expected
	}
	return chi2
}

func (d *Detector) persist(report *Report) {
	metrics, err := json.Marshal(report.Metrics)
	if err != nil {
		metrics = []byte("{}")
	}
	now := report.CheckedAt.Format(time.RFC3339)
	_, err = d.store.InsertDriftDetection(&store.DriftDetection{
		Variant:        report.Variant,
		DriftTypes:     strings.Join(report.Types, ","),
		Severity:       report.Severity,
		BaselineWindow: "7d",
		RecentWindow:   "24h",
		Metrics:        string(metrics),
		CreatedAt:      now,
	})
	if err != nil {
		log.Printf("lifecycle: persist drift detection: %v", err)
	}
}
