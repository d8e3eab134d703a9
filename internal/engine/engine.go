// Package engine drives conversations end to end: safety screening, cache
// lookup, cost-optimized model selection, the guarded LLM call, output
// sanitization, and telemetry persistence.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cache"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cost"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/lifecycle"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/reliability"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/rollout"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/safety"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

// Session states. Terminal states reject further Chat calls.
type State string

const (
	StateIdle         State = "IDLE"
	StateAwaitingInfo State = "AWAITING_INFO"
	StateReadyToBook  State = "READY_TO_BOOK"
	StateBooked       State = "BOOKED"
	StateEscalated    State = "ESCALATED"
	StateAbandoned    State = "ABANDONED"
)

func (s State) terminal() bool {
	return s == StateBooked || s == StateEscalated || s == StateAbandoned
}

// Engine errors the HTTP layer maps onto status codes.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session busy")
	ErrSessionClosed   = errors.New("session closed")
	ErrCapacity        = errors.New("session capacity exceeded")
)

const (
	defaultMaxSessions = 1000
	defaultVariant     = "baseline"
	assistantMaxTokens = 500

	welcomeMetadataKey = "welcome_message"
	defaultWelcome     = "Hi! I'm the CleanSpace Pro scheduling assistant. I can help you book a cleaning, check availability, or answer questions about our services. What can I do for you?"
	degradedMessage    = "I'm having trouble on my end right now. Let me connect you with a member of our team who can help."
)

type session struct {
	mu             sync.Mutex
	conversationID int64
	variant        string
	version        int
	systemPrompt   string
	state          State
	escalated      bool
}

// Metadata is the per-response telemetry returned to the caller.
type Metadata struct {
	Model          string  `json:"model,omitempty"`
	Tokens         int     `json:"tokens"`
	CostUSD        float64 `json:"cost"`
	ResponseTimeMs int64   `json:"responseTime"`
	FromCache      bool    `json:"fromCache"`
	Strategy       string  `json:"strategy,omitempty"`
}

// Reply is the outcome of one Chat call. Blocked replies carry the safety
// refusal; every other reply went through both safety stages.
type Reply struct {
	Message       string            `json:"message"`
	Action        string            `json:"action"`
	ExtractedData map[string]string `json:"extractedData,omitempty"`
	Blocked       bool              `json:"blocked,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      Metadata          `json:"metadata"`
}

// Turn is one redacted history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BookingRequest carries the fields needed to create an appointment.
type BookingRequest struct {
	CustomerName string  `json:"customerName"`
	Phone        *string `json:"phone,omitempty"`
	Email        *string `json:"email,omitempty"`
	ServiceType  *string `json:"serviceType,omitempty"`
	ScheduledAt  *string `json:"scheduledAt,omitempty"`
	Notes        *string `json:"notes,omitempty"`
}

// Options wires the engine's collaborators. Shadow and Canary may be nil.
type Options struct {
	Store     *store.Store
	Safety    *safety.Pipeline
	Cache     *cache.ResponseCache
	Optimizer *cost.Optimizer
	Recovery  *reliability.Executor[*llm.Response]
	Client    llm.Client
	Registry  *lifecycle.Registry
	Shadow    *rollout.Executor
	Canary    *rollout.Controller

	// MaxSessions caps concurrent sessions; zero means the default of 1000.
	MaxSessions int
	// ShadowModel runs shadow requests; empty falls back to the balanced tier.
	ShadowModel string
}

// Engine owns the session table and the chat pipeline. One mutex per
// session serializes its pipeline; sessions are independent otherwise.
type Engine struct {
	store     *store.Store
	safety    *safety.Pipeline
	cache     *cache.ResponseCache
	optimizer *cost.Optimizer
	recovery  *reliability.Executor[*llm.Response]
	client    llm.Client
	registry  *lifecycle.Registry
	shadow    *rollout.Executor
	canary    *rollout.Controller

	maxSessions int
	shadowModel string

	mu       sync.Mutex
	sessions map[string]*session

	now func() time.Time
}

// New builds the engine and installs the degraded rung on the recovery
// executor: when retries and the breaker give up, the customer gets a
// human-handoff message instead of an error.
func New(opts Options) *Engine {
	e := &Engine{
		store:       opts.Store,
		safety:      opts.Safety,
		cache:       opts.Cache,
		optimizer:   opts.Optimizer,
		recovery:    opts.Recovery,
		client:      opts.Client,
		registry:    opts.Registry,
		shadow:      opts.Shadow,
		canary:      opts.Canary,
		maxSessions: opts.MaxSessions,
		shadowModel: opts.ShadowModel,
		sessions:    make(map[string]*session),
		now:         time.Now,
	}
	if e.maxSessions <= 0 {
		e.maxSessions = defaultMaxSessions
	}
	if e.shadowModel == "" {
		e.shadowModel = llm.DefaultModel
	}
	if e.recovery != nil {
		e.recovery.Degraded = func(context.Context) (*llm.Response, error) {
			return &llm.Response{Message: degradedMessage, Action: "escalate"}, nil
		}
	}
	return e
}

// StartConversation opens a session under the requested variant (the canary
// controller may substitute its candidate) and returns the variant's welcome
// message.
func (e *Engine) StartConversation(variant string) (sessionID string, conversationID int64, welcome string, err error) {
	if variant == "" {
		variant = defaultVariant
	}
	if e.canary != nil {
		variant = e.canary.PickVariant(variant)
	}

	active, err := e.registry.Active(variant)
	if err != nil {
		return "", 0, "", err
	}
	if active == nil {
		return "", 0, "", fmt.Errorf("variant %q: %w", variant, lifecycle.ErrVersionNotFound)
	}

	e.mu.Lock()
	if len(e.sessions) >= e.maxSessions {
		e.mu.Unlock()
		return "", 0, "", ErrCapacity
	}
	e.mu.Unlock()

	sessionID = uuid.NewString()
	conversationID, err = e.store.InsertConversation(&store.Conversation{
		SessionID: sessionID,
		Variant:   variant,
		Version:   active.Version,
		Status:    "active",
		StartedAt: e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", 0, "", fmt.Errorf("start conversation: %w", err)
	}

	e.mu.Lock()
	e.sessions[sessionID] = &session{
		conversationID: conversationID,
		variant:        variant,
		version:        active.Version,
		systemPrompt:   active.SystemPrompt,
		state:          StateIdle,
	}
	e.mu.Unlock()

	return sessionID, conversationID, welcomeFor(active), nil
}

func welcomeFor(v *store.ModelVersion) string {
	if v.Metadata != nil {
		meta := make(map[string]string)
		if err := json.Unmarshal([]byte(*v.Metadata), &meta); err == nil {
			if w, ok := meta[welcomeMetadataKey]; ok && w != "" {
				return w
			}
		}
	}
	return defaultWelcome
}

// Chat runs one user turn through the full pipeline.
func (e *Engine) Chat(ctx context.Context, sessionID, userMessage string) (*Reply, error) {
	s, err := e.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	start := e.now()
	convID := s.conversationID

	in := e.safety.CheckInput(sessionID, &convID, userMessage)
	if !in.Allowed {
		e.persistUserMessage(s, in.Redacted)
		return &Reply{
			Message: in.UserMessage,
			Action:  "blocked",
			Blocked: true,
			Reason:  in.Reason,
		}, nil
	}
	// The model sees the raw text so it can extract contact details; only
	// the redacted form is cached, persisted, or logged.
	redacted := in.Redacted

	if hit, err := e.cache.Lookup(redacted, s.variant); err != nil {
		log.Printf("engine: cache lookup: %v", err)
	} else if hit != nil {
		return e.serveCached(sessionID, s, redacted, hit, start)
	}

	history, err := e.history(convID)
	if err != nil {
		return nil, err
	}

	plan, err := e.optimizer.Optimize(userMessage, s.systemPrompt, history, s.escalated)
	if err != nil {
		return nil, err
	}

	result, execErr := e.recovery.Execute(ctx, s.variant, func(ctx context.Context) (*llm.Response, error) {
		return e.client.Complete(ctx, llm.Request{
			Model:     plan.Model,
			System:    s.systemPrompt,
			Messages:  plan.Messages,
			MaxTokens: assistantMaxTokens,
		})
	})
	elapsed := e.now().Sub(start).Milliseconds()

	if execErr != nil && result.Value == nil {
		// Every recovery rung declined. The classifier's message goes to the
		// customer and the turn is recorded as a handoff.
		cls := reliability.Classify(execErr)
		e.optimizer.RecordOutcome(plan.Tier, true, elapsed, 0)
		e.recordCanary(s.variant, true, elapsed, false)
		e.persistTurn(s, redacted, cls.UserMessage, "escalate", nil, 0, 0, elapsed)
		e.markEscalated(s)
		return &Reply{
			Message:  cls.UserMessage,
			Action:   "escalate",
			Metadata: Metadata{ResponseTimeMs: elapsed},
		}, nil
	}

	resp := result.Value
	out := e.safety.SanitizeOutput(sessionID, &convID, resp.Message, s.systemPrompt)

	failed := result.Strategy != reliability.StrategyPrimary
	e.optimizer.RecordOutcome(plan.Tier, failed, elapsed, resp.CostUSD)
	e.recordCanary(s.variant, failed, elapsed, resp.Action == "book_appointment")

	tokens := int(resp.Usage.InputTokens + resp.Usage.OutputTokens)
	e.persistTurn(s, redacted, out, resp.Action, strPtr(resp.Model), tokens, resp.CostUSD, elapsed)
	e.advance(s, resp.Action)

	if result.Strategy == reliability.StrategyPrimary {
		rt := elapsed
		if err := e.cache.Put(redacted, s.variant, &store.CacheEntry{
			ResponseMessage: out,
			ResponseAction:  strPtr(resp.Action),
			Model:           strPtr(resp.Model),
			Tokens:          tokens,
			CostUSD:         resp.CostUSD,
			ResponseTimeMs:  &rt,
		}); err != nil {
			log.Printf("engine: cache put: %v", err)
		}
		if e.shadow != nil {
			e.shadow.Fire(s.variant, userMessage, history, resp)
		}
	}

	return &Reply{
		Message:       out,
		Action:        resp.Action,
		ExtractedData: resp.ExtractedData,
		Metadata: Metadata{
			Model:          resp.Model,
			Tokens:         tokens,
			CostUSD:        resp.CostUSD,
			ResponseTimeMs: elapsed,
			Strategy:       string(result.Strategy),
		},
	}, nil
}

func (e *Engine) serveCached(sessionID string, s *session, message string, hit *cache.Hit, start time.Time) (*Reply, error) {
	convID := s.conversationID
	out := e.safety.SanitizeOutput(sessionID, &convID, hit.Entry.ResponseMessage, s.systemPrompt)

	action := "continue"
	if hit.Entry.ResponseAction != nil {
		action = *hit.Entry.ResponseAction
	}
	elapsed := e.now().Sub(start).Milliseconds()

	// A cache hit costs nothing; tokens are carried for the rolling sums of
	// what the customer actually received.
	e.persistTurn(s, message, out, action, hit.Entry.Model, hit.Entry.Tokens, 0, elapsed)
	e.advance(s, action)
	e.recordCanary(s.variant, false, elapsed, action == "book_appointment")

	model := ""
	if hit.Entry.Model != nil {
		model = *hit.Entry.Model
	}
	return &Reply{
		Message: out,
		Action:  action,
		Metadata: Metadata{
			Model:          model,
			Tokens:         hit.Entry.Tokens,
			ResponseTimeMs: elapsed,
			FromCache:      true,
		},
	}, nil
}

// RunShadow executes a request under a different variant's prompt without
// touching persistence, caching, or session state.
func (e *Engine) RunShadow(ctx context.Context, variant, message string, history []llm.Message) (*llm.Response, error) {
	active, err := e.registry.Active(variant)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, fmt.Errorf("shadow variant %q: %w", variant, lifecycle.ErrVersionNotFound)
	}
	msgs := append(append([]llm.Message{}, history...), llm.Message{Role: "user", Content: message})
	return e.client.Complete(ctx, llm.Request{
		Model:     e.shadowModel,
		System:    active.SystemPrompt,
		Messages:  msgs,
		MaxTokens: assistantMaxTokens,
	})
}

// Book creates the appointment for a session and marks the conversation
// booked.
func (e *Engine) Book(sessionID string, req BookingRequest) (int64, error) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return 0, ErrSessionNotFound
	}
	if !s.mu.TryLock() {
		return 0, ErrSessionBusy
	}
	defer s.mu.Unlock()
	// A session the model already moved to BOOKED may still file its booking.
	if s.state.terminal() && s.state != StateBooked {
		return 0, ErrSessionClosed
	}

	convID := s.conversationID
	id, err := e.store.InsertAppointment(&store.Appointment{
		ConversationID: &convID,
		CustomerName:   req.CustomerName,
		Phone:          req.Phone,
		Email:          req.Email,
		ServiceType:    req.ServiceType,
		ScheduledAt:    req.ScheduledAt,
		Notes:          req.Notes,
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, fmt.Errorf("book appointment: %w", err)
	}
	if err := e.store.SetBookingCompleted(convID); err != nil {
		return 0, err
	}
	s.state = StateBooked
	return id, nil
}

// End closes a session, records satisfaction, and releases per-session state.
func (e *Engine) End(sessionID string, satisfaction *int) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	status := "abandoned"
	switch s.state {
	case StateBooked:
		status = "completed"
	case StateEscalated:
		status = "escalated"
	}
	ended := e.now().UTC().Format(time.RFC3339)
	if err := e.store.SetConversationStatus(s.conversationID, status, &ended); err != nil {
		return err
	}
	if satisfaction != nil {
		if err := e.store.SetSatisfaction(s.conversationID, *satisfaction); err != nil {
			return err
		}
	}

	e.safety.EndSession(sessionID)
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	return nil
}

// History returns the session's turns. Contents are persisted redacted, and
// redaction runs once more on the way out.
func (e *Engine) History(sessionID string) ([]Turn, error) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	var convID int64
	if ok {
		convID = s.conversationID
	} else {
		conv, err := e.store.GetConversationBySession(sessionID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, ErrSessionNotFound
		}
		convID = conv.ID
	}

	messages, err := e.store.ListMessages(convID)
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, Turn{Role: m.Role, Content: e.safety.PII().Scan(m.Content).Redacted})
	}
	return turns, nil
}

// ActiveSessions reports the current session count for monitoring.
func (e *Engine) ActiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) acquire(sessionID string) (*session, error) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.mu.TryLock() {
		return nil, ErrSessionBusy
	}
	if s.state.terminal() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	return s, nil
}

func (e *Engine) advance(s *session, action string) {
	switch action {
	case "collect_info":
		s.state = StateAwaitingInfo
	case "check_availability", "confirm":
		s.state = StateReadyToBook
	case "book_appointment":
		s.state = StateBooked
		if err := e.store.SetBookingCompleted(s.conversationID); err != nil {
			log.Printf("engine: set booking completed: %v", err)
		}
	case "escalate":
		e.markEscalated(s)
	}
}

func (e *Engine) markEscalated(s *session) {
	s.state = StateEscalated
	s.escalated = true
	if err := e.store.SetEscalated(s.conversationID); err != nil {
		log.Printf("engine: set escalated: %v", err)
	}
}

func (e *Engine) recordCanary(variant string, failed bool, latencyMs int64, booked bool) {
	if e.canary != nil {
		e.canary.RecordOutcome(variant, failed, latencyMs, booked)
	}
}

func (e *Engine) history(conversationID int64) ([]llm.Message, error) {
	messages, err := e.store.ListMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (e *Engine) persistUserMessage(s *session, redacted string) {
	now := e.now().UTC().Format(time.RFC3339)
	if _, err := e.store.InsertMessage(&store.Message{
		ConversationID: s.conversationID,
		Role:           "user",
		Content:        redacted,
		CreatedAt:      now,
	}); err != nil {
		log.Printf("engine: persist user message: %v", err)
		return
	}
	if err := e.store.UpdateConversationRolling(s.conversationID, 1, 0, 0); err != nil {
		log.Printf("engine: rolling sums: %v", err)
	}
}

func (e *Engine) persistTurn(s *session, userMsg, assistantMsg, action string, model *string, tokens int, costUSD float64, responseMs int64) {
	now := e.now().UTC().Format(time.RFC3339)
	if _, err := e.store.InsertMessage(&store.Message{
		ConversationID: s.conversationID,
		Role:           "user",
		Content:        userMsg,
		CreatedAt:      now,
	}); err != nil {
		log.Printf("engine: persist user message: %v", err)
	}
	if _, err := e.store.InsertMessage(&store.Message{
		ConversationID: s.conversationID,
		Role:           "assistant",
		Content:        assistantMsg,
		Action:         strPtr(action),
		Tokens:         tokens,
		CostUSD:        costUSD,
		Model:          model,
		ResponseTimeMs: &responseMs,
		CreatedAt:      now,
	}); err != nil {
		log.Printf("engine: persist assistant message: %v", err)
	}
	if err := e.store.UpdateConversationRolling(s.conversationID, 2, tokens, costUSD); err != nil {
		log.Printf("engine: rolling sums: %v", err)
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
