// Package cost routes requests to model tiers by complexity, enforces
// per-request and calendar budgets, and batches compatible requests.
package cost

import (
	"strings"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/llm"
)

// Complexity tiers.
const (
	TierSimple  = "simple"
	TierMedium  = "medium"
	TierComplex = "complex"
)

// ComplexityScore is a scored request with the signals that produced it.
type ComplexityScore struct {
	Score   int
	Tier    string
	Signals []string
}

var complexityKeywords = []string{"compare", "explain", "why", "how", "multiple"}

var reasoningIndicators = []string{
	"what if", "suppose", "on the other hand", "trade-off", "tradeoff",
	"pros and cons", "depends on",
}

// ScoreComplexity rates one message in its conversation context. Higher
// scores route to the stronger model tier.
func ScoreComplexity(message string, historyLen int, previouslyEscalated bool) ComplexityScore {
	var cs ComplexityScore
	lower := strings.ToLower(message)

	if llm.EstimateTokens(message) > 50 {
		cs.Score += 2
		cs.Signals = append(cs.Signals, "long_message")
	}

	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			cs.Score++
			cs.Signals = append(cs.Signals, "keyword:"+kw)
		}
	}

	if historyLen > 6 {
		cs.Score++
		cs.Signals = append(cs.Signals, "long_history")
	}

	for _, ind := range reasoningIndicators {
		if strings.Contains(lower, ind) {
			cs.Score += 2
			cs.Signals = append(cs.Signals, "reasoning")
			break
		}
	}

	if previouslyEscalated {
		cs.Score += 3
		cs.Signals = append(cs.Signals, "previously_escalated")
	}

	if strings.Count(message, "?") >= 2 {
		cs.Score++
		cs.Signals = append(cs.Signals, "multiple_questions")
	}

	switch {
	case cs.Score >= 4:
		cs.Tier = TierComplex
	case cs.Score >= 2:
		cs.Tier = TierMedium
	default:
		cs.Tier = TierSimple
	}
	return cs
}
