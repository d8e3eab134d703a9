// Package safety screens user input before it reaches the model and
// sanitizes model output before it reaches the user. It covers PII
// detection and redaction, jailbreak and prompt-injection detection,
// content filtering, and system-prompt leak prevention.
package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// RedactionStrategy selects how matched PII is rewritten.
type RedactionStrategy string

const (
	// RedactFull replaces the whole match with a type marker.
	RedactFull RedactionStrategy = "full"
	// RedactPartial keeps a trailing hint (last 4 digits, email domain).
	RedactPartial RedactionStrategy = "partial"
)

// PII risk levels, ordered.
const (
	RiskNone     = "NONE"
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

type piiPattern struct {
	kind   string
	weight int
	re     *regexp.Regexp
	marker string
	// validate rejects regex matches that fail structural checks.
	validate func(string) bool
	// partial produces the partial-redaction form; nil falls back to marker.
	partial func(string) string
}

var digitsOnly = regexp.MustCompile(`\D`)

func lastDigits(s string, n int) string {
	d := digitsOnly.ReplaceAllString(s, "")
	if len(d) < n {
		return d
	}
	return d[len(d)-n:]
}

// luhnValid checks the credit card checksum.
func luhnValid(s string) bool {
	d := digitsOnly.ReplaceAllString(s, "")
	if len(d) < 13 || len(d) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(d) - 1; i >= 0; i-- {
		n := int(d[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// ssnValid rejects structurally impossible SSNs.
func ssnValid(s string) bool {
	d := digitsOnly.ReplaceAllString(s, "")
	if len(d) != 9 {
		return false
	}
	area, group, serial := d[0:3], d[3:5], d[5:9]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if group == "00" || serial == "0000" {
		return false
	}
	return true
}

var piiPatterns = []piiPattern{
	{
		kind: "ssn", weight: 10, marker: "[SSN_REDACTED]",
		re:       regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b|\b\d{9}\b`),
		validate: ssnValid,
		partial:  func(m string) string { return "***-**-" + lastDigits(m, 4) },
	},
	{
		kind: "credit_card", weight: 10, marker: "[CARD_REDACTED]",
		re:       regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`),
		validate: luhnValid,
		partial:  func(m string) string { return "****-****-****-" + lastDigits(m, 4) },
	},
	{
		kind: "email", weight: 5, marker: "[EMAIL_REDACTED]",
		re: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
		partial: func(m string) string {
			if i := strings.Index(m, "@"); i > 0 {
				return "***" + m[i:]
			}
			return "[EMAIL_REDACTED]"
		},
	},
	{
		kind: "phone", weight: 5, marker: "[PHONE_REDACTED]",
		re:      regexp.MustCompile(`\b(?:\+?1[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`),
		partial: func(m string) string { return "***-***-" + lastDigits(m, 4) },
	},
	{
		kind: "address", weight: 3, marker: "[ADDRESS_REDACTED]",
		re: regexp.MustCompile(`(?i)\b\d{1,5}\s+\w+(?:\s\w+)?\s+(?:street|st|avenue|ave|road|rd|boulevard|blvd|drive|dr|lane|ln|court|ct|way|place|pl)\b\.?`),
	},
	{
		kind: "zip", weight: 2, marker: "[ZIP_REDACTED]",
		re: regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`),
	},
	{
		kind: "ip_address", weight: 1, marker: "[IP_REDACTED]",
		re: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
	},
	{
		kind: "name", weight: 1, marker: "[NAME_REDACTED]",
		re: regexp.MustCompile(`(?i)\bmy name is\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)`),
	},
}

// PIIResult is one scan outcome.
type PIIResult struct {
	Detected      bool
	Types         []string
	RiskScore     int
	RiskLevel     string
	Redacted      string
	RedactedCount int
}

// PIIDetector scans and redacts text.
type PIIDetector struct {
	strategy RedactionStrategy
}

// NewPIIDetector builds a detector with the given redaction strategy.
func NewPIIDetector(strategy RedactionStrategy) *PIIDetector {
	if strategy != RedactPartial {
		strategy = RedactFull
	}
	return &PIIDetector{strategy: strategy}
}

// Scan detects PII, computes the weighted risk score, and returns the
// redacted text. Each detected type counts its weight once regardless of
// occurrence count. Patterns run in declining-weight order so an SSN is
// claimed as an SSN before the zip pattern can match its digits.
func (d *PIIDetector) Scan(text string) PIIResult {
	res := PIIResult{Redacted: text}
	seen := make(map[string]bool)

	for _, p := range piiPatterns {
		count := 0
		res.Redacted = p.re.ReplaceAllStringFunc(res.Redacted, func(m string) string {
			if p.validate != nil && !p.validate(m) {
				return m
			}
			count++
			if d.strategy == RedactPartial && p.partial != nil {
				return p.partial(m)
			}
			return p.marker
		})
		if count > 0 && !seen[p.kind] {
			seen[p.kind] = true
			res.Types = append(res.Types, p.kind)
			res.RiskScore += p.weight
		}
		res.RedactedCount += count
	}

	res.Detected = len(res.Types) > 0
	res.RiskLevel = riskLevel(res.RiskScore)
	sort.Strings(res.Types)
	return res
}

func riskLevel(score int) string {
	switch {
	case score >= 20:
		return RiskCritical
	case score >= 10:
		return RiskHigh
	case score >= 5:
		return RiskMedium
	case score >= 1:
		return RiskLow
	default:
		return RiskNone
	}
}

// Redact returns only the redacted text.
func (d *PIIDetector) Redact(text string) string {
	return d.Scan(text).Redacted
}

// RedactValue walks an arbitrary decoded JSON value and redacts every string
// in it. Used before structured payloads reach logs.
func (d *PIIDetector) RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return d.Redact(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = d.RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = d.RedactValue(val)
		}
		return out
	default:
		return v
	}
}

// Snippet returns a redacted, length-bounded form of text for audit rows.
func (d *PIIDetector) Snippet(text string, max int) string {
	red := d.Redact(text)
	if len(red) > max {
		red = red[:max]
	}
	return red
}

// TypesCSV renders detected types for persistence.
func (r PIIResult) TypesCSV() string {
	return strings.Join(r.Types, ",")
}

func (r PIIResult) String() string {
	return fmt.Sprintf("pii(types=%s score=%d level=%s)", r.TypesCSV(), r.RiskScore, r.RiskLevel)
}
