package safety

import (
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

const eventSnippetLength = 80

// EventStore is the slice of the store the pipeline persists audit rows
// through.
type EventStore interface {
	InsertSafetyEvent(e *store.SafetyEvent) (int64, error)
	InsertPIIEvent(e *store.PIIEvent) (int64, error)
}

// InputResult is the decision for one inbound message.
type InputResult struct {
	Allowed bool
	// Reason categorizes a rejection: validation, jailbreak, content.
	Reason string
	// UserMessage is what to tell the customer when blocked.
	UserMessage string
	// Redacted is the PII-scrubbed message safe to send upstream and log.
	Redacted string
	PII      PIIResult
}

// Metrics is a snapshot of the pipeline's running counters.
type Metrics struct {
	Checked          int64
	Blocked          int64
	JailbreakBlocked int64
	PIIBlocked       int64
	ContentBlocked   int64
	ValidationFailed int64
	PIIDetected      int64
	LeaksPrevented   int64
}

// Pipeline runs every inbound message through validation, jailbreak
// detection, content filtering, and PII redaction, and every outbound
// response through leak prevention. Raw user text never leaves this
// package: persisted audit rows and logs carry redacted snippets only.
type Pipeline struct {
	enabled   bool
	pii       *PIIDetector
	jailbreak *JailbreakDetector
	content   *ContentFilter
	leak      *LeakGuard
	events    EventStore

	checked          atomic.Int64
	blocked          atomic.Int64
	jailbreakBlocked atomic.Int64
	piiBlocked       atomic.Int64
	contentBlocked   atomic.Int64
	validationFailed atomic.Int64
	piiDetected      atomic.Int64
	leaksPrevented   atomic.Int64
}

// NewPipeline wires the pipeline. events may be nil to skip audit rows
// (tests).
func NewPipeline(enabled bool, strategy RedactionStrategy, events EventStore) *Pipeline {
	pii := NewPIIDetector(strategy)
	return &Pipeline{
		enabled:   enabled,
		pii:       pii,
		jailbreak: NewJailbreakDetector(),
		content:   NewContentFilter(),
		leak:      NewLeakGuard(pii),
		events:    events,
	}
}

// PII exposes the shared detector for components that redact on their own
// (history replay, logging).
func (p *Pipeline) PII() *PIIDetector { return p.pii }

// CheckInput screens one user message. Even when blocking is disabled the
// PII scan still runs, so redaction and audit trails never switch off.
func (p *Pipeline) CheckInput(sessionID string, conversationID *int64, message string) InputResult {
	p.checked.Add(1)

	scan := p.pii.Scan(message)
	if scan.Detected {
		p.piiDetected.Add(1)
		p.recordPII(sessionID, conversationID, "user_message", message, scan)
	}
	res := InputResult{Allowed: true, Redacted: scan.Redacted, PII: scan}

	if v := ValidateInput(message); !v.Valid {
		p.validationFailed.Add(1)
		p.blocked.Add(1)
		p.recordEvent(conversationID, "validation", scan.Redacted, true, v.Reason)
		return InputResult{
			Reason:      "validation",
			UserMessage: "I couldn't read that message. Could you rephrase it?",
			Redacted:    scan.Redacted,
			PII:         scan,
		}
	}

	if !p.enabled {
		return res
	}

	if scan.RiskLevel == RiskCritical {
		p.piiBlocked.Add(1)
		p.blocked.Add(1)
		p.recordEvent(conversationID, "pii", scan.Redacted, true, "critical_pii_detected")
		return InputResult{
			Reason:      "critical_pii_detected",
			UserMessage: "For your security, please don't share sensitive personal or payment details here. How can I help with your cleaning service?",
			Redacted:    scan.Redacted,
			PII:         scan,
		}
	}

	if jb := p.jailbreak.Check(sessionID, message); jb.Detected {
		violation := strings.Join(jb.Patterns, ",")
		p.recordEvent(conversationID, "jailbreak", scan.Redacted, jb.Blocks(), violation)
		if jb.Blocks() {
			p.jailbreakBlocked.Add(1)
			p.blocked.Add(1)
			return InputResult{
				Reason:      "jailbreak",
				UserMessage: "I can only help with scheduling cleaning services. What can I do for you?",
				Redacted:    scan.Redacted,
				PII:         scan,
			}
		}
	}

	if cf := p.content.Check(message); cf.Flagged {
		p.recordEvent(conversationID, "content", scan.Redacted, cf.Blocks(), cf.Category)
		if cf.Blocks() {
			p.contentBlocked.Add(1)
			p.blocked.Add(1)
			return InputResult{
				Reason:      "content",
				UserMessage: "Let's keep this about your cleaning service. How can I help?",
				Redacted:    scan.Redacted,
				PII:         scan,
			}
		}
	}

	return res
}

// SanitizeOutput scans a model response before it reaches the customer.
func (p *Pipeline) SanitizeOutput(sessionID string, conversationID *int64, output, systemPrompt string) string {
	res := p.leak.Scan(output, systemPrompt)
	if !res.Leaked {
		return output
	}

	p.leaksPrevented.Add(1)
	if res.Kind == "pii_echo" {
		scan := p.pii.Scan(output)
		p.recordPII(sessionID, conversationID, "ai_response", output, scan)
	} else {
		p.recordEvent(conversationID, "leak", p.pii.Snippet(output, eventSnippetLength), true, res.Kind)
	}
	return res.Sanitized
}

// EndSession releases per-session tracking state.
func (p *Pipeline) EndSession(sessionID string) {
	p.jailbreak.ClearSession(sessionID)
}

// Snapshot returns current counter values.
func (p *Pipeline) Snapshot() Metrics {
	return Metrics{
		Checked:          p.checked.Load(),
		Blocked:          p.blocked.Load(),
		JailbreakBlocked: p.jailbreakBlocked.Load(),
		PIIBlocked:       p.piiBlocked.Load(),
		ContentBlocked:   p.contentBlocked.Load(),
		ValidationFailed: p.validationFailed.Load(),
		PIIDetected:      p.piiDetected.Load(),
		LeaksPrevented:   p.leaksPrevented.Load(),
	}
}

func (p *Pipeline) recordEvent(conversationID *int64, checkType, redactedSnippet string, blocked bool, violation string) {
	if p.events == nil {
		return
	}
	if len(redactedSnippet) > eventSnippetLength {
		redactedSnippet = redactedSnippet[:eventSnippetLength]
	}
	var vt *string
	if violation != "" {
		vt = &violation
	}
	_, err := p.events.InsertSafetyEvent(&store.SafetyEvent{
		ConversationID: conversationID,
		CheckType:      checkType,
		UserMessage:    redactedSnippet,
		Blocked:        blocked,
		ViolationType:  vt,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("safety: record event: %v", err)
	}
}

func (p *Pipeline) recordPII(sessionID string, conversationID *int64, source, original string, scan PIIResult) {
	if p.events == nil {
		return
	}
	var sid *string
	if sessionID != "" {
		sid = &sessionID
	}
	_, err := p.events.InsertPIIEvent(&store.PIIEvent{
		ConversationID: conversationID,
		SessionID:      sid,
		Source:         source,
		PIIDetected:    scan.Detected,
		PIITypes:       scan.TypesCSV(),
		RiskLevel:      scan.RiskLevel,
		RiskScore:      scan.RiskScore,
		RedactedCount:  scan.RedactedCount,
		MessageLength:  len(original),
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("safety: record pii event: %v", err)
	}
}
