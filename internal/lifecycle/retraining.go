package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

const (
	retrainingCooldown = 7 * 24 * time.Hour
	retrainingMaxConvs = 500
	minEvalCases       = 10
	minEvalScore       = 0.8
	mediumDriftTrigger = 2
	driftHistoryDepth  = 10
)

// ErrRetrainingCooldown rejects a retraining attempt inside the cooldown.
var ErrRetrainingCooldown = errors.New("retraining cooldown active")

// ErrNotEnoughEvalCases rejects retraining without a usable eval suite.
var ErrNotEnoughEvalCases = errors.New("not enough eval cases")

// EvalCase is one offline evaluation probe: an input and the dialogue
// action the agent should take.
type EvalCase struct {
	Input          string
	ExpectedAction string
}

// DefaultEvalCases is the stock offline eval set: common scheduling
// exchanges and the action the agent is expected to take.
func DefaultEvalCases() []EvalCase {
	return []EvalCase{
		{Input: "Hi, I'd like to get my apartment cleaned", ExpectedAction: "collect_info"},
		{Input: "I need a deep clean for a 3 bedroom house", ExpectedAction: "collect_info"},
		{Input: "Do you do move-out cleanings?", ExpectedAction: "collect_info"},
		{Input: "Can someone come this Thursday afternoon?", ExpectedAction: "check_availability"},
		{Input: "Is next Monday morning open?", ExpectedAction: "check_availability"},
		{Input: "What times do you have this weekend?", ExpectedAction: "check_availability"},
		{Input: "Thursday at 2pm works, book it", ExpectedAction: "book_appointment"},
		{Input: "Yes, confirm that appointment please", ExpectedAction: "book_appointment"},
		{Input: "I want to talk to a real person", ExpectedAction: "escalate"},
		{Input: "This is the third time my cleaner didn't show up", ExpectedAction: "escalate"},
		{Input: "You charged me twice last month", ExpectedAction: "escalate"},
		{Input: "How much is a standard clean for a 2 bedroom?", ExpectedAction: "collect_info"},
	}
}

// Evaluator scores a candidate system prompt against eval cases, returning
// the fraction of cases handled correctly.
type Evaluator interface {
	Evaluate(ctx context.Context, model, systemPrompt string, cases []EvalCase) (float64, error)
}

// ClientEvaluator runs eval cases through the live LLM client and checks
// the returned action against expectations.
type ClientEvaluator struct {
	Client llm.Client
}

// Evaluate runs every case; a case passes when the model picks the expected
// action.
func (e *ClientEvaluator) Evaluate(ctx context.Context, model, systemPrompt string, cases []EvalCase) (float64, error) {
	if len(cases) == 0 {
		return 0, ErrNotEnoughEvalCases
	}
	passed := 0
	for _, c := range cases {
		resp, err := e.Client.Complete(ctx, llm.Request{
			Model:     model,
			System:    systemPrompt,
			Messages:  []llm.Message{{Role: "user", Content: c.Input}},
			MaxTokens: 300,
		})
		if err != nil {
			return 0, fmt.Errorf("eval case: %w", err)
		}
		if resp.Action == c.ExpectedAction {
			passed++
		}
	}
	return float64(passed) / float64(len(cases)), nil
}

// failureCategories maps a failure theme to the phrases that signal it in
// escalated or abandoned conversations.
var failureCategories = map[string][]string{
	"pricing":      {"price", "cost", "expensive", "quote", "charge", "fee"},
	"availability": {"available", "availability", "schedule", "reschedule", "no times", "fully booked"},
	"clarity":      {"confus", "don't understand", "unclear", "what do you mean", "makes no sense"},
	"technical":    {"error", "broken", "not working", "glitch", "tried again"},
}

// promptGuidance is appended to the base prompt per dominant failure theme.
var promptGuidance = map[string]string{
	"pricing":      "When asked about pricing, give the standard rate up front and offer a precise quote after collecting square footage and service type. Never deflect a direct price question.",
	"availability": "When a requested slot is unavailable, always offer the two nearest open alternatives instead of asking the customer to pick again from scratch.",
	"clarity":      "Keep replies under three sentences and ask for exactly one piece of information at a time.",
	"technical":    "If the customer reports something not working, apologize once, capture what they attempted, and escalate to a human rather than troubleshooting in chat.",
}

// Report summarizes one retraining run.
type RetrainingReport struct {
	SessionID       string         `json:"sessionId"`
	Variant         string         `json:"variant"`
	NewVersion      int            `json:"newVersion,omitempty"`
	Status          string         `json:"status"`
	TrainingConvs   int            `json:"trainingConversations"`
	FailureCounts   map[string]int `json:"failureCounts"`
	EvalScore       float64        `json:"evalScore"`
	AppliedGuidance []string       `json:"appliedGuidance,omitempty"`
}

// Orchestrator runs the retraining loop: decide, collect, analyze, propose,
// evaluate offline, and hand the candidate to shadow testing. Promotion is
// a separate explicit step.
type Orchestrator struct {
	store     *store.Store
	registry  *Registry
	evaluator Evaluator
	evalModel string
	evalCases []EvalCase

	now func() time.Time
}

// NewOrchestrator wires the retraining loop.
func NewOrchestrator(st *store.Store, registry *Registry, evaluator Evaluator, evalModel string, cases []EvalCase) *Orchestrator {
	return &Orchestrator{
		store:     st,
		registry:  registry,
		evaluator: evaluator,
		evalModel: evalModel,
		evalCases: cases,
		now:       time.Now,
	}
}

// ShouldRetrain reports whether drift history justifies retraining: the
// latest detection is high severity, or two or more recent detections are
// medium. The cooldown since the last retraining session always applies.
func (o *Orchestrator) ShouldRetrain(variant string) (bool, string, error) {
	last, err := o.store.LatestRetrainingSession(variant)
	if err != nil {
		return false, "", err
	}
	if last != nil {
		started, err := time.Parse(time.RFC3339, last.StartedAt)
		if err == nil && o.now().UTC().Sub(started) < retrainingCooldown {
			return false, "cooldown active", nil
		}
	}

	detections, err := o.store.ListDriftDetections(variant, driftHistoryDepth)
	if err != nil {
		return false, "", err
	}
	if len(detections) == 0 {
		return false, "no drift history", nil
	}
	if detections[0].Severity == DriftHigh {
		return true, "latest drift is high severity", nil
	}
	mediums := 0
	for _, det := range detections {
		if det.Severity == DriftMedium {
			mediums++
		}
	}
	if mediums >= mediumDriftTrigger {
		return true, fmt.Sprintf("%d medium-severity detections", mediums), nil
	}
	return false, "drift below retraining threshold", nil
}

// Start runs one retraining pass for a variant. On success the returned
// report names a registered (not yet active) candidate version in
// shadow_testing status.
func (o *Orchestrator) Start(ctx context.Context, variant string) (*RetrainingReport, error) {
	if last, err := o.store.LatestRetrainingSession(variant); err != nil {
		return nil, err
	} else if last != nil {
		if started, perr := time.Parse(time.RFC3339, last.StartedAt); perr == nil &&
			o.now().UTC().Sub(started) < retrainingCooldown {
			return nil, ErrRetrainingCooldown
		}
	}
	if len(o.evalCases) < minEvalCases {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughEvalCases, len(o.evalCases), minEvalCases)
	}

	active, err := o.registry.Active(variant)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("variant %q: %w", variant, ErrVersionNotFound)
	}

	session := &store.RetrainingSession{
		SessionID: uuid.NewString(),
		Variant:   variant,
		Version:   active.Version,
		Status:    "collecting_data",
		StartedAt: o.now().UTC().Format(time.RFC3339),
	}
	if _, err := o.store.InsertRetrainingSession(session); err != nil {
		return nil, err
	}

	report := &RetrainingReport{SessionID: session.SessionID, Variant: variant, Status: session.Status}

	outcomes, err := o.store.ListRecentConversationOutcomes(variant, retrainingMaxConvs)
	if err != nil {
		return nil, o.fail(session, report, fmt.Errorf("collect conversations: %w", err))
	}
	session.TrainingDataSize = len(outcomes)
	report.TrainingConvs = len(outcomes)

	report.FailureCounts = analyzeFailures(outcomes)
	fa := formatFailureCounts(report.FailureCounts)
	session.FailureAnalysis = &fa

	newPrompt, applied := annotatePrompt(active.SystemPrompt, report.FailureCounts)
	report.AppliedGuidance = applied

	candidate, err := o.registry.Register(variant, newPrompt, map[string]string{
		"retraining_session": session.SessionID,
		"parent_version":     fmt.Sprintf("%d", active.Version),
	})
	if err != nil {
		return nil, o.fail(session, report, fmt.Errorf("register candidate: %w", err))
	}
	report.NewVersion = candidate.Version
	nv := fmt.Sprintf("%s/v%d", variant, candidate.Version)
	session.NewVariant = &nv

	score, err := o.evaluator.Evaluate(ctx, o.evalModel, newPrompt, o.evalCases)
	if err != nil {
		return nil, o.fail(session, report, fmt.Errorf("offline eval: %w", err))
	}
	report.EvalScore = score
	if score < minEvalScore {
		return report, o.fail(session, report, fmt.Errorf("eval score %.2f below %.2f", score, minEvalScore))
	}

	session.Status = "shadow_testing"
	report.Status = session.Status
	if err := o.store.UpdateRetrainingSession(session); err != nil {
		return nil, err
	}
	return report, nil
}

// Finalize completes a shadow-tested session: promote activates the
// candidate, otherwise the session closes rolled back with the old version
// still serving.
func (o *Orchestrator) Finalize(sessionID string, promote bool, shadowAnalysis string) error {
	session, err := o.store.GetRetrainingSession(sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("retraining session %q not found", sessionID)
	}

	if shadowAnalysis != "" {
		session.ShadowAnalysis = &shadowAnalysis
	}
	done := o.now().UTC().Format(time.RFC3339)
	session.CompletedAt = &done

	if promote {
		if session.NewVariant == nil {
			return fmt.Errorf("session %q has no candidate version", sessionID)
		}
		var version int
		if _, err := fmt.Sscanf(*session.NewVariant, session.Variant+"/v%d", &version); err != nil {
			return fmt.Errorf("parse candidate version from %q: %w", *session.NewVariant, err)
		}
		if err := o.registry.Activate(session.Variant, version); err != nil {
			return err
		}
		session.Status = "promoted"
		session.Success = true
	} else {
		session.Status = "rolled_back"
	}
	return o.store.UpdateRetrainingSession(session)
}

func (o *Orchestrator) fail(session *store.RetrainingSession, report *RetrainingReport, cause error) error {
	session.Status = "failed"
	done := o.now().UTC().Format(time.RFC3339)
	session.CompletedAt = &done
	report.Status = session.Status
	if err := o.store.UpdateRetrainingSession(session); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// analyzeFailures counts failure themes across the customer messages of
// escalated or abandoned conversations.
func analyzeFailures(outcomes []store.ConversationOutcome) map[string]int {
	counts := make(map[string]int)
	for _, oc := range outcomes {
		if !oc.Conversation.EscalatedToHuman && oc.Conversation.Status != "abandoned" {
			continue
		}
		for _, m := range oc.Messages {
			if m.Role != "user" {
				continue
			}
			lower := strings.ToLower(m.Content)
			for category, phrases := range failureCategories {
				for _, phrase := range phrases {
					if strings.Contains(lower, phrase) {
						counts[category]++
						break
					}
				}
			}
		}
	}
	return counts
}

// annotatePrompt appends guidance paragraphs for the dominant failure
// themes, strongest first.
func annotatePrompt(base string, failureCounts map[string]int) (string, []string) {
	type themed struct {
		category string
		count    int
	}
	var themes []themed
	for c, n := range failureCounts {
		if n > 0 {
			themes = append(themes, themed{c, n})
		}
	}
	sort.Slice(themes, func(i, j int) bool {
		if themes[i].count != themes[j].count {
			return themes[i].count > themes[j].count
		}
		return themes[i].category < themes[j].category
	})

	prompt := strings.TrimRight(base, "\n")
	var applied []string
	for _, th := range themes {
		guidance, ok := promptGuidance[th.category]
		if !ok {
			continue
		}
		prompt += "\n\n" + guidance
		applied = append(applied, th.category)
	}
	return prompt, applied
}

func formatFailureCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
