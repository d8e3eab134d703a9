package safety

import "strings"

const leakProbeLength = 40

// LeakResult is one output-scan outcome.
type LeakResult struct {
	Leaked    bool
	Kind      string // system_prompt, pii_echo
	Sanitized string
}

// LeakGuard scans model output for fragments of the system prompt and for
// PII the model should not be echoing back.
type LeakGuard struct {
	pii *PIIDetector
}

// NewLeakGuard builds a guard sharing the pipeline's PII detector.
func NewLeakGuard(pii *PIIDetector) *LeakGuard {
	return &LeakGuard{pii: pii}
}

// Scan checks output against the active system prompt. A verbatim run of
// the prompt's opening characters means the model is reciting its
// instructions; the whole response is replaced. Echoed PII is redacted in
// place.
func (g *LeakGuard) Scan(output, systemPrompt string) LeakResult {
	probe := systemPrompt
	if len(probe) > leakProbeLength {
		probe = probe[:leakProbeLength]
	}
	if probe != "" && strings.Contains(output, probe) {
		return LeakResult{
			Leaked:    true,
			Kind:      "system_prompt",
			Sanitized: "I'm here to help you schedule a cleaning service. What can I do for you?",
		}
	}

	scan := g.pii.Scan(output)
	if scan.Detected {
		return LeakResult{Leaked: true, Kind: "pii_echo", Sanitized: scan.Redacted}
	}

	return LeakResult{Sanitized: output}
}
