package safety

import (
	"strings"
	"unicode"
)

const (
	maxMessageLength = 5000
	// Above this share of symbol characters the message reads as noise or
	// an encoding probe rather than natural language.
	maxSymbolRatio = 0.5
)

// ValidationResult is one input-validation outcome.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// ValidateInput rejects messages that are empty, oversized, or mostly
// non-linguistic symbols. It runs before any pattern matching so the rest of
// the pipeline sees bounded, plausible text.
func ValidateInput(message string) ValidationResult {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return ValidationResult{Reason: "empty message"}
	}
	if len(message) > maxMessageLength {
		return ValidationResult{Reason: "message too long"}
	}
	for i := 0; i < len(message); i++ {
		if isForbiddenControl(message[i]) {
			return ValidationResult{Reason: "message contains control characters"}
		}
	}

	symbols, total := 0, 0
	for _, r := range trimmed {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) && !isCommonPunct(r) {
			symbols++
		}
	}
	if total > 20 && float64(symbols)/float64(total) > maxSymbolRatio {
		return ValidationResult{Reason: "message is mostly symbols"}
	}

	return ValidationResult{Valid: true}
}

// isForbiddenControl reports whether b is a control byte other than tab,
// newline, or carriage return.
func isForbiddenControl(b byte) bool {
	return b <= 0x08 || b == 0x0B || b == 0x0C || (b >= 0x0E && b <= 0x1F)
}

func isCommonPunct(r rune) bool {
	switch r {
	case '.', ',', '!', '?', '\'', '"', '-', ':', ';', '(', ')', '$', '@', '/', '&', '%':
		return true
	}
	return false
}
