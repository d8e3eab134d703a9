package web

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cost"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/engine"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/lifecycle"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/reliability"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/rollout"
)

// envelope is the uniform response shape: {success, data?, error?}.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: encode error: %v", err)
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message})
}

// requireJSON gates request bodies on the JSON content type.
func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if !requireJSON(w, r) {
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeDomainError maps engine/rollout/cost errors onto the status contract:
// 404 not found, 409 busy or conflicting deployment, 429 budget, 503 open
// circuit or capacity. Internal details never reach the response body.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound),
		errors.Is(err, lifecycle.ErrVersionNotFound),
		errors.Is(err, rollout.ErrNoCanary):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrSessionBusy),
		errors.Is(err, engine.ErrSessionClosed),
		errors.Is(err, rollout.ErrCanaryActive),
		errors.Is(err, lifecycle.ErrRetrainingCooldown):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, cost.ErrBudgetExceeded),
		errors.Is(err, reliability.ErrRetryBudgetExhausted):
		writeError(w, http.StatusTooManyRequests, "request budget exceeded, try again later")
	case errors.Is(err, engine.ErrCapacity),
		errors.Is(err, reliability.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "service is temporarily over capacity")
	default:
		log.Printf("web: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
