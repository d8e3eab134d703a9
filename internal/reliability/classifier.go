// Package reliability wraps upstream calls with error classification,
// bounded retries, a circuit breaker, and a fallback chain.
package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// HTTPStatusError is implemented by upstream errors that carry an HTTP
// status code.
type HTTPStatusError interface {
	HTTPStatus() int
}

// Category is the classified failure kind of an upstream error.
type Category string

const (
	CategoryNetworkTimeout   Category = "network_timeout"
	CategoryNetworkDNS       Category = "network_dns"
	CategoryNetwork          Category = "network"
	CategoryRateLimit        Category = "rate_limit"
	CategoryAuth             Category = "auth"
	CategoryInvalidRequest   Category = "invalid_request"
	CategoryServerOverloaded Category = "server_overloaded"
	CategoryServerError      Category = "server_error"
	CategoryCircuitOpen      Category = "circuit_open"
	CategoryDatabase         Category = "database"
	CategoryValidation       Category = "validation"
	CategoryUnknown          Category = "unknown"
)

// Priorities for classified failures, ordered. CRITICAL failures also page.
const (
	PriorityLow      = "LOW"
	PriorityMedium   = "MEDIUM"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// Classification is the retry policy derived from one error. AlertAdmin
// marks categories the operator should hear about immediately.
type Classification struct {
	Category        Category
	Retryable       bool
	Priority        string
	DelayMultiplier float64
	UserMessage     string
	AlertAdmin      bool
}

// Classify maps an error to its category and retry policy. The checks run
// from most to least specific: sentinel errors, context errors, typed
// network errors, HTTP status, then substring heuristics. Anything
// unrecognized is not retried.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown, Priority: PriorityMedium, DelayMultiplier: 1}
	}

	if errors.Is(err, ErrCircuitOpen) {
		return Classification{
			Category:        CategoryCircuitOpen,
			Retryable:       false,
			Priority:        PriorityHigh,
			DelayMultiplier: 1,
			UserMessage:     "We're experiencing technical difficulties. Please try again in a moment.",
			AlertAdmin:      true,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{
			Category:        CategoryNetworkTimeout,
			Retryable:       true,
			Priority:        PriorityHigh,
			DelayMultiplier: 1,
			UserMessage:     "That took longer than expected. Please try again.",
		}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Category: CategoryNetwork, Retryable: false, Priority: PriorityLow, DelayMultiplier: 1}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Classification{
			Category:        CategoryNetworkDNS,
			Retryable:       true,
			Priority:        PriorityCritical,
			DelayMultiplier: 2,
			UserMessage:     "We're having trouble reaching our systems. Please try again shortly.",
			AlertAdmin:      true,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		cat := CategoryNetwork
		if netErr.Timeout() {
			cat = CategoryNetworkTimeout
		}
		return Classification{
			Category:        cat,
			Retryable:       true,
			Priority:        PriorityHigh,
			DelayMultiplier: 1,
			UserMessage:     "We're having trouble reaching our systems. Please try again shortly.",
		}
	}

	var httpErr HTTPStatusError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.HTTPStatus())
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "sqlite") || strings.Contains(msg, "database"):
		return Classification{
			Category:        CategoryDatabase,
			Retryable:       true,
			Priority:        PriorityCritical,
			DelayMultiplier: 1.5,
			UserMessage:     "Something went wrong on our end. Please try again.",
			AlertAdmin:      true,
		}
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return Classification{Category: CategoryValidation, Retryable: false, Priority: PriorityLow, DelayMultiplier: 1}
	}

	return Classification{
		Category:        CategoryUnknown,
		Retryable:       false,
		Priority:        PriorityMedium,
		DelayMultiplier: 1,
		UserMessage:     "Something went wrong. Please try again.",
		AlertAdmin:      true,
	}
}

func classifyStatus(status int) Classification {
	switch {
	case status == 429:
		return Classification{
			Category:        CategoryRateLimit,
			Retryable:       true,
			Priority:        PriorityMedium,
			DelayMultiplier: 3,
			UserMessage:     "We're handling a lot of requests right now. Please try again in a moment.",
		}
	case status == 401 || status == 403:
		return Classification{
			Category:        CategoryAuth,
			Retryable:       false,
			Priority:        PriorityCritical,
			DelayMultiplier: 1,
			UserMessage:     "We're experiencing a configuration issue. Our team has been notified.",
			AlertAdmin:      true,
		}
	case status == 400 || status == 422:
		return Classification{
			Category:        CategoryInvalidRequest,
			Retryable:       false,
			Priority:        PriorityLow,
			DelayMultiplier: 1,
			UserMessage:     "We couldn't process that request. Please rephrase and try again.",
		}
	case status == 503 || status == 529:
		return Classification{
			Category:        CategoryServerOverloaded,
			Retryable:       true,
			Priority:        PriorityHigh,
			DelayMultiplier: 2,
			UserMessage:     "Our systems are briefly overloaded. Please try again shortly.",
			AlertAdmin:      true,
		}
	case status >= 500:
		return Classification{
			Category:        CategoryServerError,
			Retryable:       true,
			Priority:        PriorityHigh,
			DelayMultiplier: 1.5,
			UserMessage:     "Something went wrong on our end. Please try again.",
			AlertAdmin:      true,
		}
	default:
		return Classification{
			Category:        CategoryUnknown,
			Retryable:       false,
			Priority:        PriorityMedium,
			DelayMultiplier: 1,
			UserMessage:     "Something went wrong. Please try again.",
			AlertAdmin:      true,
		}
	}
}
