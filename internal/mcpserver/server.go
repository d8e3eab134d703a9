// Package mcpserver implements an MCP (Model Context Protocol) server that
// exposes agent operations as typed tools over stdio JSON-RPC: drift
// detection, prompt version management, safety metrics, canary status, and
// budget reporting. Version activation and rollback are gated behind an
// environment flag so read-only deployments stay read-only.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/config"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/cost"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/lifecycle"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/rollout"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/safety"
)

// Deps collects the singletons the tools operate on.
type Deps struct {
	Drift      *lifecycle.Detector
	Registry   *lifecycle.Registry
	Retraining *lifecycle.Orchestrator
	Safety     *safety.Pipeline
	Canary     *rollout.Controller
	Optimizer  *cost.Optimizer
}

// Server holds the MCP server state.
type Server struct {
	deps         Deps
	writeEnabled bool
}

// NewServer creates an MCP server over the given dependencies. Write access
// (version activation and rollback) is read from the environment.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:         deps,
		writeEnabled: os.Getenv("SCHEDULER_MCP_WRITE_ENABLED") == "true",
	}
}

// Run starts the MCP stdio server. It blocks until the context is cancelled
// or stdin is closed.
func Run(deps Deps) error {
	s := NewServer(deps)

	mcpServer := server.NewMCPServer(
		"scheduler-ops",
		config.Version,
		server.WithToolCapabilities(true),
	)

	tools := []server.ServerTool{
		{Tool: detectDriftTool(), Handler: s.handleDetectDrift},
		{Tool: checkRetrainingTool(), Handler: s.handleCheckRetraining},
		{Tool: listVersionsTool(), Handler: s.handleListVersions},
		{Tool: safetyMetricsTool(), Handler: s.handleSafetyMetrics},
		{Tool: canaryStatusTool(), Handler: s.handleCanaryStatus},
		{Tool: budgetStatusTool(), Handler: s.handleBudgetStatus},
	}
	if s.writeEnabled {
		tools = append(tools,
			server.ServerTool{Tool: activateVersionTool(), Handler: s.handleActivateVersion},
			server.ServerTool{Tool: rollbackVersionTool(), Handler: s.handleRollbackVersion},
		)
	}
	mcpServer.AddTools(tools...)

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(context.Background(), os.Stdin, os.Stdout)
}
