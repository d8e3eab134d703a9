// Package web serves the orchestrator's HTTP/JSON surface: chat, safety and
// reliability monitoring, cost optimization reports, lifecycle operations,
// shadow/canary rollout control, alerts, and Prometheus exposition.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/alerts"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cache"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/config"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cost"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/engine"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/lifecycle"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/reliability"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/rollout"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/safety"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

// Deps collects the singletons the server fronts. MetricsHandler serves
// /metrics/export; Shadow, Canary, and Retraining may be nil in tests.
type Deps struct {
	Config         config.Config
	Store          *store.Store
	Engine         *engine.Engine
	Safety         *safety.Pipeline
	Cache          *cache.ResponseCache
	Optimizer      *cost.Optimizer
	Breaker        *reliability.CircuitBreaker
	RetryBudget    *reliability.RetryBudget
	Shadow         *rollout.Executor
	Canary         *rollout.Controller
	Drift          *lifecycle.Detector
	Registry       *lifecycle.Registry
	Retraining     *lifecycle.Orchestrator
	Hub            *alerts.Hub
	MetricsHandler http.Handler
}

// Server is the HTTP server for the scheduling agent.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	server *http.Server
}

// New builds the server and registers all routes.
func New(deps Deps) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.Port),
		Handler:      s.corsMiddleware(s.timeoutMiddleware(s.mux)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// requestTimeout bounds every request except the SSE stream, so a hung
// upstream call cannot hold a session mutex past the deadline.
const requestTimeout = 30 * time.Second

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/alerts/stream" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Chat surface.
	s.mux.HandleFunc("POST /chat/start", s.handleChatStart)
	s.mux.HandleFunc("POST /chat/message", s.handleChatMessage)
	s.mux.HandleFunc("POST /chat/book", s.handleChatBook)
	s.mux.HandleFunc("POST /chat/end", s.handleChatEnd)
	s.mux.HandleFunc("GET /chat/history/{sessionID}", s.handleChatHistory)
	s.mux.HandleFunc("GET /chat/analytics", s.handleChatAnalytics)

	// Safety monitoring.
	s.mux.HandleFunc("GET /safety/dashboard", s.handleSafetyDashboard)
	s.mux.HandleFunc("GET /safety/metrics", s.handleSafetyMetrics)
	s.mux.HandleFunc("GET /safety/alerts", s.handleSafetyAlerts)

	// Reliability monitoring.
	s.mux.HandleFunc("GET /reliability-monitoring/dashboard", s.handleReliabilityDashboard)
	s.mux.HandleFunc("GET /reliability-monitoring/metrics", s.handleReliabilityMetrics)
	s.mux.HandleFunc("GET /reliability-monitoring/errors", s.handleReliabilityErrors)
	s.mux.HandleFunc("GET /reliability-monitoring/recovery", s.handleReliabilityRecovery)
	s.mux.HandleFunc("GET /reliability-monitoring/health", s.handleReliabilityHealth)

	// Cost optimization.
	s.mux.HandleFunc("GET /optimization/report", s.handleOptimizationReport)
	s.mux.HandleFunc("GET /optimization/metrics", s.handleOptimizationReport)
	s.mux.HandleFunc("GET /optimization/routing/stats", s.handleRoutingStats)
	s.mux.HandleFunc("GET /optimization/budgets/status", s.handleBudgetStatus)
	s.mux.HandleFunc("GET /optimization/batching/stats", s.handleBatchingStats)

	// Lifecycle.
	s.mux.HandleFunc("GET /lifecycle/drift/detect", s.handleDriftDetect)
	s.mux.HandleFunc("DELETE /lifecycle/drift/cache", s.handleDriftClearCache)
	s.mux.HandleFunc("GET /lifecycle/retraining/check", s.handleRetrainingCheck)
	s.mux.HandleFunc("POST /lifecycle/retraining/start", s.handleRetrainingStart)
	s.mux.HandleFunc("POST /lifecycle/retraining/finalize", s.handleRetrainingFinalize)
	s.mux.HandleFunc("POST /lifecycle/versions/register", s.handleVersionRegister)
	s.mux.HandleFunc("POST /lifecycle/versions/activate", s.handleVersionActivate)
	s.mux.HandleFunc("POST /lifecycle/versions/rollback", s.handleVersionRollback)
	s.mux.HandleFunc("POST /lifecycle/versions/tag", s.handleVersionTag)
	s.mux.HandleFunc("GET /lifecycle/versions/active", s.handleVersionActive)
	s.mux.HandleFunc("GET /lifecycle/versions/list", s.handleVersionList)
	s.mux.HandleFunc("GET /lifecycle/versions/history", s.handleVersionList)
	s.mux.HandleFunc("GET /lifecycle/versions/compare", s.handleVersionCompare)
	s.mux.HandleFunc("GET /lifecycle/versions/diff", s.handleVersionDiff)

	// Shadow testing.
	s.mux.HandleFunc("POST /reliability/shadow/start", s.handleShadowStart)
	s.mux.HandleFunc("POST /reliability/shadow/stop", s.handleShadowStop)
	s.mux.HandleFunc("POST /reliability/shadow/promote", s.handleShadowPromote)
	s.mux.HandleFunc("POST /reliability/shadow/rollback", s.handleShadowRollback)
	s.mux.HandleFunc("GET /reliability/shadow/status", s.handleShadowStatus)
	s.mux.HandleFunc("GET /reliability/shadow/promotion-check", s.handleShadowPromotionCheck)
	s.mux.HandleFunc("GET /reliability/shadow/analysis", s.handleShadowAnalysis)

	// Canary deployment.
	s.mux.HandleFunc("POST /canary/start", s.handleCanaryStart)
	s.mux.HandleFunc("POST /canary/stop", s.handleCanaryStop)
	s.mux.HandleFunc("POST /canary/promote", s.handleCanaryPromote)
	s.mux.HandleFunc("POST /canary/rollback", s.handleCanaryRollback)
	s.mux.HandleFunc("GET /canary/status", s.handleCanaryStatus)
	s.mux.HandleFunc("GET /canary/health", s.handleCanaryHealth)
	s.mux.HandleFunc("GET /canary/validation", s.handleCanaryValidation)
	s.mux.HandleFunc("GET /canary/stages", s.handleCanaryStages)
	s.mux.HandleFunc("GET /canary/metrics", s.handleCanaryMetrics)

	// Alerts.
	s.mux.HandleFunc("GET /alerts", s.handleAlertsList)
	s.mux.HandleFunc("GET /alerts/stream", s.handleAlertsStream)

	if s.deps.MetricsHandler != nil {
		s.mux.Handle("GET /metrics/export", s.deps.MetricsHandler)
	}
}

// corsMiddleware applies the configured origin; empty config allows any.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.deps.Config.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.corsMiddleware(s.timeoutMiddleware(s.mux)) }

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	log.Printf("web: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": config.Version,
	})
}
