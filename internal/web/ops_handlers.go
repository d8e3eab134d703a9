package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// --- Safety monitoring ---

func (s *Server) handleSafetyMetrics(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.deps.Safety.Snapshot())
}

type safetyEventView struct {
	ID            int64   `json:"id"`
	CheckType     string  `json:"checkType"`
	Snippet       string  `json:"snippet"`
	Blocked       bool    `json:"blocked"`
	ViolationType *string `json:"violationType,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

func (s *Server) handleSafetyAlerts(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListSafetyEvents(50)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]safetyEventView, 0, len(events))
	for _, e := range events {
		out = append(out, safetyEventView{
			ID:            e.ID,
			CheckType:     e.CheckType,
			Snippet:       e.UserMessage,
			Blocked:       e.Blocked,
			ViolationType: e.ViolationType,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleSafetyDashboard(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)

	byCheck, err := s.deps.Store.CountSafetyEvents(since)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	byRisk, err := s.deps.Store.CountPIIEventsByRisk(since)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type checkCounts struct {
		Total   int `json:"total"`
		Blocked int `json:"blocked"`
	}
	checks := make(map[string]checkCounts, len(byCheck))
	for _, c := range byCheck {
		checks[c.CheckType] = checkCounts{Total: c.Total, Blocked: c.Blocked}
	}

	writeData(w, http.StatusOK, map[string]any{
		"window":    "24h",
		"counters":  s.deps.Safety.Snapshot(),
		"byCheck":   checks,
		"piiByRisk": byRisk,
	})
}

// --- Reliability monitoring ---

type breakerView struct {
	State     string `json:"state"`
	Threshold int    `json:"threshold"`
}

func (s *Server) breakerView() breakerView {
	return breakerView{
		State:     s.deps.Breaker.State().String(),
		Threshold: s.deps.Breaker.Threshold(),
	}
}

func (s *Server) handleReliabilityMetrics(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"breaker":              s.breakerView(),
		"retryBudgetRemaining": s.deps.RetryBudget.Remaining(),
	})
}

func (s *Server) handleReliabilityErrors(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Optimizer.Snapshot()
	type tierErrors struct {
		Requests    int64   `json:"requests"`
		SuccessRate float64 `json:"successRate"`
	}
	tiers := make(map[string]tierErrors, len(rep.Tiers))
	for name, t := range rep.Tiers {
		tiers[name] = tierErrors{Requests: t.Requests, SuccessRate: t.SuccessRate}
	}
	writeData(w, http.StatusOK, map[string]any{
		"breaker": s.breakerView(),
		"tiers":   tiers,
	})
}

func (s *Server) handleReliabilityRecovery(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"ladder":  []string{"primary", "cached", "degraded", "fallback"},
		"breaker": s.breakerView(),
	})
}

func (s *Server) handleReliabilityHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.deps.Breaker.State().String() != "open"
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeData(w, status, map[string]any{
		"healthy":        healthy,
		"breaker":        s.breakerView(),
		"activeSessions": s.deps.Engine.ActiveSessions(),
	})
}

func (s *Server) handleReliabilityDashboard(w http.ResponseWriter, r *http.Request) {
	cacheStats, err := s.deps.Cache.Snapshot()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"breaker":              s.breakerView(),
		"retryBudgetRemaining": s.deps.RetryBudget.Remaining(),
		"cache":                cacheStats,
		"activeSessions":       s.deps.Engine.ActiveSessions(),
		"safety":               s.deps.Safety.Snapshot(),
	})
}

// --- Cost optimization ---

func (s *Server) handleOptimizationReport(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.deps.Optimizer.Snapshot())
}

func (s *Server) handleRoutingStats(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Optimizer.Snapshot()
	writeData(w, http.StatusOK, map[string]any{
		"strategy": rep.Strategy,
		"tiers":    rep.Tiers,
	})
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Optimizer.Snapshot()
	writeData(w, http.StatusOK, map[string]any{
		"dailySpendUSD":   rep.DailySpend,
		"dailyLimitUSD":   rep.DailyLimit,
		"monthlySpendUSD": rep.MonthlySpend,
		"monthlyLimitUSD": rep.MonthlyLimit,
	})
}

func (s *Server) handleBatchingStats(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.deps.Optimizer.Snapshot().Batching)
}

// --- Alerts ---

func (s *Server) handleAlertsList(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.deps.Hub.Recent())
}

// handleAlertsStream serves the alert feed over SSE, replaying buffered
// history on connect.
func (s *Server) handleAlertsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.deps.Hub.Subscribe()
	defer unsubscribe()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case a, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(a)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: alert\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
