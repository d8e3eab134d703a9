package rollout

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/alerts"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

// ErrCanaryActive rejects starting a canary while one is already running.
var ErrCanaryActive = errors.New("a canary deployment is already active")

// ErrNoCanary rejects canary operations with none active.
var ErrNoCanary = errors.New("no active canary deployment")

// Traffic stages in percent. A stage must prove itself before the next.
var canaryStages = []int{10, 25, 50, 100}

// Stages returns the traffic ladder a canary climbs.
func Stages() []int {
	out := make([]int, len(canaryStages))
	copy(out, canaryStages)
	return out
}

// StageGates describes the health gates each stage must pass.
type StageGates struct {
	MinSamples      int     `json:"minSamples"`
	MinDurationSecs int     `json:"minDurationSeconds"`
	MaxErrorRate    float64 `json:"maxErrorRate"`
	MaxLatencyRatio float64 `json:"maxLatencyRatio"`
	MinBookingRatio float64 `json:"minBookingRatio"`
}

// Gates returns the stage health gate configuration.
func Gates() StageGates {
	return StageGates{
		MinSamples:      stageMinSamples,
		MinDurationSecs: int(stageMinDuration.Seconds()),
		MaxErrorRate:    maxCanaryErrRate,
		MaxLatencyRatio: maxLatencyRatio,
		MinBookingRatio: minBookingRatio,
	}
}

const (
	stageMinSamples  = 100
	stageMinDuration = 10 * time.Minute

	maxCanaryErrRate = 0.05
	maxLatencyRatio  = 1.3
	minBookingRatio  = 0.9
	latencySampleCap = 5000
)

type variantOutcomes struct {
	requests  int
	errors    int
	bookings  int
	latencies []int64
}

func (v *variantOutcomes) record(failed bool, latencyMs int64, booked bool) {
	v.requests++
	if failed {
		v.errors++
	}
	if booked {
		v.bookings++
	}
	if len(v.latencies) < latencySampleCap {
		v.latencies = append(v.latencies, latencyMs)
	}
}

func (v *variantOutcomes) errRate() float64 {
	if v.requests == 0 {
		return 0
	}
	return float64(v.errors) / float64(v.requests)
}

func (v *variantOutcomes) bookingRate() float64 {
	if v.requests == 0 {
		return 0
	}
	return float64(v.bookings) / float64(v.requests)
}

func (v *variantOutcomes) p95() int64 {
	if len(v.latencies) == 0 {
		return 0
	}
	sorted := append([]int64{}, v.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*0.95) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

type canaryState struct {
	canaryVariant string
	stableVariant string
	stageIdx      int
	stageStarted  time.Time
	canary        variantOutcomes
	stable        variantOutcomes
}

// Status is the externally visible canary state.
type Status struct {
	Active        bool    `json:"active"`
	CanaryVariant string  `json:"canaryVariant,omitempty"`
	StableVariant string  `json:"stableVariant,omitempty"`
	Stage         int     `json:"stagePercent,omitempty"`
	StageSamples  int     `json:"stageSamples,omitempty"`
	StageElapsed  string  `json:"stageElapsed,omitempty"`
	CanaryErrRate float64 `json:"canaryErrorRate,omitempty"`
	CanaryP95Ms   int64   `json:"canaryP95Ms,omitempty"`
	StableP95Ms   int64   `json:"stableP95Ms,omitempty"`
	CanaryBooking float64 `json:"canaryBookingRate,omitempty"`
	StableBooking float64 `json:"stableBookingRate,omitempty"`
}

// Controller runs at most one staged canary deployment. Traffic splits by
// stage percentage; each stage must accumulate enough mature samples with
// healthy metrics before promotion, and an unhealthy stage rolls the whole
// deployment back.
type Controller struct {
	store *store.Store
	hub   *alerts.Hub

	mu    sync.Mutex
	state *canaryState

	rand func() float64
	now  func() time.Time
}

// NewController builds a controller with no active deployment.
func NewController(st *store.Store, hub *alerts.Hub) *Controller {
	return &Controller{store: st, hub: hub, rand: rand.Float64, now: time.Now}
}

// Start begins a canary at the first stage.
func (c *Controller) Start(canaryVariant, stableVariant string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != nil {
		return ErrCanaryActive
	}
	c.state = &canaryState{
		canaryVariant: canaryVariant,
		stableVariant: stableVariant,
		stageStarted:  c.now(),
	}
	c.recordEvent("start", canaryStages[0], "", nil)
	c.publish(alerts.LevelInfo, fmt.Sprintf("canary %s started at %d%% against %s", canaryVariant, canaryStages[0], stableVariant))
	return nil
}

// PickVariant routes one new session. Without an active canary the default
// is returned unchanged.
func (c *Controller) PickVariant(defaultVariant string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return defaultVariant
	}
	if c.rand()*100 < float64(canaryStages[c.state.stageIdx]) {
		return c.state.canaryVariant
	}
	return c.state.stableVariant
}

// RecordOutcome feeds one finished request back. Stage health is evaluated
// on every canary sample once the stage is mature.
func (c *Controller) RecordOutcome(variant string, failed bool, latencyMs int64, booked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s == nil {
		return
	}

	switch variant {
	case s.canaryVariant:
		s.canary.record(failed, latencyMs, booked)
	case s.stableVariant:
		s.stable.record(failed, latencyMs, booked)
	default:
		return
	}

	c.evaluate()
}

// evaluate promotes or rolls back a mature stage. Caller holds c.mu.
func (c *Controller) evaluate() {
	s := c.state
	if s.canary.requests < stageMinSamples || c.now().Sub(s.stageStarted) < stageMinDuration {
		return
	}

	if reason := c.unhealthyReason(); reason != "" {
		stage := canaryStages[s.stageIdx]
		c.recordEvent("rollback", stage, reason, c.snapshotLocked())
		c.publish(alerts.LevelCritical, fmt.Sprintf("canary %s rolled back at %d%%: %s", s.canaryVariant, stage, reason))
		c.state = nil
		return
	}

	if s.stageIdx == len(canaryStages)-1 {
		c.recordEvent("promote", 100, "all stages healthy", c.snapshotLocked())
		c.publish(alerts.LevelInfo, fmt.Sprintf("canary %s promoted to 100%%", s.canaryVariant))
		c.state = nil
		return
	}

	s.stageIdx++
	s.stageStarted = c.now()
	s.canary = variantOutcomes{}
	s.stable = variantOutcomes{}
	stage := canaryStages[s.stageIdx]
	c.recordEvent("promote", stage, "stage healthy", nil)
	c.publish(alerts.LevelInfo, fmt.Sprintf("canary %s advanced to %d%%", s.canaryVariant, stage))
}

// unhealthyReason checks the stage gates. Caller holds c.mu.
func (c *Controller) unhealthyReason() string {
	s := c.state
	if rate := s.canary.errRate(); rate > maxCanaryErrRate {
		return fmt.Sprintf("error rate %.1f%% above 5%%", rate*100)
	}
	if sp95 := s.stable.p95(); sp95 > 0 {
		if cp95 := s.canary.p95(); float64(cp95) > maxLatencyRatio*float64(sp95) {
			return fmt.Sprintf("p95 %dms above 1.3x stable %dms", cp95, sp95)
		}
	}
	if sRate := s.stable.bookingRate(); sRate > 0 {
		if cRate := s.canary.bookingRate(); cRate < minBookingRatio*sRate {
			return fmt.Sprintf("booking rate %.2f below 0.9x stable %.2f", cRate, sRate)
		}
	}
	return ""
}

// Promote manually advances one stage (or completes at the last stage).
func (c *Controller) Promote() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s == nil {
		return ErrNoCanary
	}

	if s.stageIdx == len(canaryStages)-1 {
		c.recordEvent("promote", 100, "manual", c.snapshotLocked())
		c.publish(alerts.LevelInfo, fmt.Sprintf("canary %s promoted to 100%% (manual)", s.canaryVariant))
		c.state = nil
		return nil
	}
	s.stageIdx++
	s.stageStarted = c.now()
	s.canary = variantOutcomes{}
	s.stable = variantOutcomes{}
	c.recordEvent("promote", canaryStages[s.stageIdx], "manual", nil)
	return nil
}

// Rollback manually aborts the deployment.
func (c *Controller) Rollback(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s == nil {
		return ErrNoCanary
	}
	if reason == "" {
		reason = "manual"
	}
	c.recordEvent("rollback", canaryStages[s.stageIdx], reason, c.snapshotLocked())
	c.publish(alerts.LevelWarning, fmt.Sprintf("canary %s rolled back: %s", s.canaryVariant, reason))
	c.state = nil
	return nil
}

// Status reports the current deployment.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	if s == nil {
		return Status{}
	}
	return Status{
		Active:        true,
		CanaryVariant: s.canaryVariant,
		StableVariant: s.stableVariant,
		Stage:         canaryStages[s.stageIdx],
		StageSamples:  s.canary.requests,
		StageElapsed:  c.now().Sub(s.stageStarted).Round(time.Second).String(),
		CanaryErrRate: s.canary.errRate(),
		CanaryP95Ms:   s.canary.p95(),
		StableP95Ms:   s.stable.p95(),
		CanaryBooking: s.canary.bookingRate(),
		StableBooking: s.stable.bookingRate(),
	}
}

// snapshotLocked serializes current stage metrics for the event row.
// Caller holds c.mu.
func (c *Controller) snapshotLocked() *string {
	s := c.state
	raw, err := json.Marshal(map[string]any{
		"canaryRequests": s.canary.requests,
		"canaryErrRate":  s.canary.errRate(),
		"canaryP95Ms":    s.canary.p95(),
		"canaryBooking":  s.canary.bookingRate(),
		"stableRequests": s.stable.requests,
		"stableP95Ms":    s.stable.p95(),
		"stableBooking":  s.stable.bookingRate(),
	})
	if err != nil {
		return nil
	}
	str := string(raw)
	return &str
}

func (c *Controller) recordEvent(event string, stage int, reason string, metrics *string) {
	s := c.state
	var rp *string
	if reason != "" {
		rp = &reason
	}
	_, err := c.store.InsertCanaryEvent(&store.CanaryEvent{
		CanaryVariant:   s.canaryVariant,
		StableVariant:   s.stableVariant,
		Stage:           stage,
		Event:           event,
		Reason:          rp,
		MetricsSnapshot: metrics,
		CreatedAt:       c.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("rollout: record canary event: %v", err)
	}
}

func (c *Controller) publish(level, msg string) {
	if c.hub != nil {
		c.hub.Publish(level, "canary", msg)
	}
}
