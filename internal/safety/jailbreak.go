package safety

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Jailbreak severities, ordered. HIGH and above block the request.
const (
	SeverityNone     = "NONE"
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

type jailbreakPattern struct {
	name     string
	severity string
	re       *regexp.Regexp
}

var jailbreakPatterns = []jailbreakPattern{
	{"ignore_instructions", SeverityHigh, regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|above|your)\s+(?:instructions|rules|prompts?)`)},
	{"role_override", SeverityHigh, regexp.MustCompile(`(?i)you\s+are\s+(?:now|no\s+longer)\s+(?:a|an|the)?\s*\w+`)},
	{"pretend_roleplay", SeverityMedium, regexp.MustCompile(`(?i)(?:pretend|act\s+as\s+if|roleplay)\s+(?:you(?:'re|\s+are)|to\s+be)`)},
	{"dan_mode", SeverityHigh, regexp.MustCompile(`(?i)\b(?:DAN|do\s+anything\s+now|jailbreak(?:ed)?\s+mode)\b`)},
	{"developer_mode", SeverityHigh, regexp.MustCompile(`(?i)(?:developer|debug|god|admin)\s+mode`)},
	{"reveal_prompt", SeverityHigh, regexp.MustCompile(`(?i)(?:reveal|show|print|repeat|output)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+)?(?:prompt|instructions)`)},
	{"forget_rules", SeverityMedium, regexp.MustCompile(`(?i)(?:forget|disregard|override)\s+(?:everything|your\s+(?:rules|training|guidelines))`)},
	{"no_restrictions", SeverityMedium, regexp.MustCompile(`(?i)(?:without|no|free\s+(?:of|from))\s+(?:any\s+)?(?:restrictions?|limitations?|filters?|censorship)`)},
	{"hypothetical_bypass", SeverityLow, regexp.MustCompile(`(?i)(?:hypothetically|in\s+a\s+fictional\s+world|for\s+a\s+story)[,\s]+(?:you\s+can|there\s+are\s+no)`)},
	{"opposite_day", SeverityLow, regexp.MustCompile(`(?i)opposite\s+day|answer\s+the\s+opposite`)},
	{"new_persona", SeverityMedium, regexp.MustCompile(`(?i)(?:from\s+now\s+on|starting\s+now)[,\s]+(?:you|respond|act|behave)`)},
	{"system_injection", SeverityHigh, regexp.MustCompile(`(?i)<\s*/?\s*system\s*>|\[\s*system\s*\]|\bsystem\s*:\s`)},
	{"token_smuggling", SeverityMedium, regexp.MustCompile(`(?i)(?:base64|rot13|hex)\s+(?:decode|encoded?)\s+(?:this|the\s+following)`)},
	{"grandma_exploit", SeverityLow, regexp.MustCompile(`(?i)my\s+(?:deceased|dead|late)\s+(?:grandma|grandmother|relative)\s+(?:used\s+to|would)`)},
}

var leetMap = map[rune]rune{
	'0': 'o', '1': 'i', '3': 'e', '4': 'a', '5': 's', '7': 't', '@': 'a', '$': 's',
}

// normalizeLeetspeak folds common character substitutions so obfuscated
// phrasing still matches the patterns.
func normalizeLeetspeak(s string) string {
	return strings.Map(func(r rune) rune {
		if sub, ok := leetMap[r]; ok {
			return sub
		}
		return r
	}, s)
}

var (
	base64Token = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
	hexToken    = regexp.MustCompile(`(?:[0-9a-fA-F]{2}){10,}`)
)

type decodedPayload struct {
	encoding string // base64 or hex
	text     string
}

// decodeEmbedded extracts plausible base64 and hex runs and returns their
// decoded forms when they decode to printable text.
func decodeEmbedded(s string) []decodedPayload {
	var out []decodedPayload
	for _, tok := range base64Token.FindAllString(s, 4) {
		if raw, err := base64.StdEncoding.DecodeString(tok); err == nil && utf8.Valid(raw) && printable(raw) {
			out = append(out, decodedPayload{encoding: "base64", text: string(raw)})
		}
	}
	for _, tok := range hexToken.FindAllString(s, 4) {
		if raw, err := hex.DecodeString(tok); err == nil && utf8.Valid(raw) && printable(raw) {
			out = append(out, decodedPayload{encoding: "hex", text: string(raw)})
		}
	}
	return out
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 && c != '\n' && c != '\t' {
			return false
		}
	}
	return true
}

// Detection is one sub-detector hit. Type is "pattern" for plain-text
// matches, "base64" or "hex" for hits inside a decoded payload, or
// "multi_message" for session-level escalation.
type Detection struct {
	Type    string `json:"type"`
	Pattern string `json:"pattern,omitempty"`
}

// JailbreakResult is one detection outcome.
type JailbreakResult struct {
	Detected   bool
	Severity   string
	Patterns   []string
	Detections []Detection
}

type sessionHit struct {
	message string
	at      time.Time
}

// JailbreakDetector matches known manipulation patterns, including ones
// hidden behind leetspeak or base64/hex encoding, and tracks slow-burn
// attempts spread across a session's messages.
type JailbreakDetector struct {
	mu       sync.Mutex
	sessions map[string][]sessionHit
	now      func() time.Time
}

const (
	sessionHitTTL    = time.Hour
	sessionHitCap    = 10
	multiMessageHits = 3
)

// NewJailbreakDetector builds a detector with an empty session tracker.
func NewJailbreakDetector() *JailbreakDetector {
	return &JailbreakDetector{sessions: make(map[string][]sessionHit), now: time.Now}
}

// suspicionKeywords feed the multi-turn tracker. Individually benign words;
// three keyword-bearing messages in one session read as a slow-burn attempt.
var suspicionKeywords = []string{
	"hypothetical", "pretend", "scenario", "roleplay", "ignore",
	"forget", "override", "bypass", "admin", "unrestricted",
}

func hasSuspicionKeyword(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range suspicionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Check scans one message. sessionID enables multi-message tracking; empty
// disables it.
func (d *JailbreakDetector) Check(sessionID, message string) JailbreakResult {
	res := d.scan(message, "")

	for _, decoded := range decodeEmbedded(message) {
		sub := d.scan(decoded.text, decoded.encoding)
		if sub.Detected {
			res = mergeResults(res, sub)
		}
	}

	// Keyword tracking runs whether or not a pattern fired; the whole point
	// is catching sessions whose individual messages look clean.
	if sessionID != "" && hasSuspicionKeyword(message) {
		if d.trackHit(sessionID, message) {
			res.Patterns = append(res.Patterns, "multi_message")
			res.Detections = append(res.Detections, Detection{Type: "multi_message"})
			res.Severity = maxSeverity(res.Severity, SeverityHigh)
			res.Detected = true
		}
	}
	return res
}

func (d *JailbreakDetector) scan(message, encoding string) JailbreakResult {
	res := JailbreakResult{Severity: SeverityNone}
	for _, variant := range []string{message, normalizeLeetspeak(message)} {
		for _, p := range jailbreakPatterns {
			if p.re.MatchString(variant) && !contains(res.Patterns, p.name) {
				res.Patterns = append(res.Patterns, p.name)
				severity := p.severity
				if encoding == "" {
					res.Detections = append(res.Detections, Detection{Type: "pattern", Pattern: p.name})
				} else {
					// A blocking pattern someone bothered to encode is the
					// top of the ladder.
					res.Detections = append(res.Detections, Detection{Type: encoding, Pattern: p.name})
					if severity == SeverityHigh {
						severity = SeverityCritical
					}
				}
				res.Severity = maxSeverity(res.Severity, severity)
			}
		}
	}
	// Two distinct low-severity hits together read as deliberate probing.
	if res.Severity == SeverityLow && len(res.Patterns) >= 2 {
		res.Severity = SeverityMedium
	}
	res.Detected = len(res.Patterns) > 0
	return res
}

// trackHit records a suspicion-keyword hit for the session and reports
// whether the session has crossed the multi-message threshold: hits on three
// or more distinct messages within the TTL.
func (d *JailbreakDetector) trackHit(sessionID, message string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-sessionHitTTL)
	hits := d.sessions[sessionID]
	kept := hits[:0]
	for _, h := range hits {
		if h.at.After(cutoff) {
			kept = append(kept, h)
		}
	}

	kept = append(kept, sessionHit{message: message, at: now})
	if len(kept) > sessionHitCap {
		kept = kept[len(kept)-sessionHitCap:]
	}
	d.sessions[sessionID] = kept

	distinct := make(map[string]bool, len(kept))
	for _, h := range kept {
		distinct[h.message] = true
	}
	return len(distinct) >= multiMessageHits
}

// ClearSession drops a session's tracking state.
func (d *JailbreakDetector) ClearSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

func mergeResults(a, b JailbreakResult) JailbreakResult {
	out := a
	out.Detected = a.Detected || b.Detected
	out.Severity = maxSeverity(a.Severity, b.Severity)
	for _, p := range b.Patterns {
		if !contains(out.Patterns, p) {
			out.Patterns = append(out.Patterns, p)
		}
	}
	out.Detections = append(out.Detections, b.Detections...)
	return out
}

var severityRank = map[string]int{
	SeverityNone: 0, SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4,
}

func maxSeverity(a, b string) string {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Blocks reports whether the result's severity warrants rejecting the
// message outright.
func (r JailbreakResult) Blocks() bool {
	return severityRank[r.Severity] >= severityRank[SeverityHigh]
}
