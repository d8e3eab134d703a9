package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
)

// --- Tool Definitions ---

func detectDriftTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"detect_drift",
		"Run drift detection for a prompt variant, comparing recent conversation metrics against the baseline window.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"variant": {
					"type": "string",
					"description": "Prompt variant to analyze (default: baseline)"
				}
			}
		}`),
	)
}

func checkRetrainingTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"check_retraining",
		"Check whether a prompt variant needs retraining, based on recent drift detections and the retraining cooldown.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"variant": {
					"type": "string",
					"description": "Prompt variant to check (default: baseline)"
				}
			}
		}`),
	)
}

func listVersionsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_versions",
		"List registered prompt versions for a variant, newest first, with active flags and tags.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"variant": {
					"type": "string",
					"description": "Prompt variant to list (empty lists all variants)"
				}
			}
		}`),
	)
}

func activateVersionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"activate_version",
		"Activate a specific prompt version for a variant. Requires write access.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"variant": {
					"type": "string",
					"description": "Prompt variant"
				},
				"version": {
					"type": "integer",
					"description": "Version number to activate"
				}
			},
			"required": ["variant", "version"]
		}`),
	)
}

func rollbackVersionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"rollback_version",
		"Roll a variant back to its most recent previously-active prompt version. Requires write access.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"variant": {
					"type": "string",
					"description": "Prompt variant to roll back"
				}
			},
			"required": ["variant"]
		}`),
	)
}

func safetyMetricsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"safety_metrics",
		"Report safety pipeline counters: checks run, blocks by category, PII detections, and leaks prevented.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

func canaryStatusTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"canary_status",
		"Report the active canary deployment: stage percentage, sample counts, and health metrics.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

func budgetStatusTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"budget_status",
		"Report LLM spend against the daily and monthly budget limits.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

// --- Tool Handlers ---

// variantArgs is shared by the per-variant tools.
type variantArgs struct {
	Variant string `json:"variant"`
}

func (a *variantArgs) orDefault() string {
	if a.Variant == "" {
		return "baseline"
	}
	return a.Variant
}

func (s *Server) handleDetectDrift(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args variantArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	report, err := s.deps.Drift.Detect(args.orDefault())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("drift detection: %v", err)), nil
	}
	return resultJSON(report)
}

func (s *Server) handleCheckRetraining(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args variantArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	variant := args.orDefault()
	should, reason, err := s.deps.Retraining.ShouldRetrain(variant)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("retraining check: %v", err)), nil
	}
	return resultJSON(map[string]any{
		"variant":        variant,
		"should_retrain": should,
		"reason":         reason,
	})
}

// versionSummary mirrors the list_versions response.
type versionSummary struct {
	Variant     string  `json:"variant"`
	Version     int     `json:"version"`
	IsActive    bool    `json:"is_active"`
	Tags        *string `json:"tags,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ActivatedAt *string `json:"activated_at,omitempty"`
}

func (s *Server) handleListVersions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args variantArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	versions, err := s.deps.Registry.List(args.Variant)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list versions: %v", err)), nil
	}

	summaries := make([]versionSummary, len(versions))
	for i, v := range versions {
		summaries[i] = versionSummary{
			Variant:     v.Variant,
			Version:     v.Version,
			IsActive:    v.IsActive,
			Tags:        v.Tags,
			CreatedAt:   v.CreatedAt,
			ActivatedAt: v.ActivatedAt,
		}
	}
	return resultJSON(summaries)
}

// activateArgs mirrors the activate_version schema.
type activateArgs struct {
	Variant string `json:"variant"`
	Version int    `json:"version"`
}

func (s *Server) handleActivateVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.writeEnabled {
		return mcp.NewToolResultError("version writes are disabled (set SCHEDULER_MCP_WRITE_ENABLED=true to enable)"), nil
	}

	var args activateArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Variant == "" || args.Version < 1 {
		return mcp.NewToolResultError("variant and version are required"), nil
	}

	if err := s.deps.Registry.Activate(args.Variant, args.Version); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("activate version: %v", err)), nil
	}

	log.Printf("[MCP] Activated %s v%d", args.Variant, args.Version)
	return resultJSON(map[string]any{
		"variant":        args.Variant,
		"active_version": args.Version,
	})
}

func (s *Server) handleRollbackVersion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.writeEnabled {
		return mcp.NewToolResultError("version writes are disabled (set SCHEDULER_MCP_WRITE_ENABLED=true to enable)"), nil
	}

	var args variantArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Variant == "" {
		return mcp.NewToolResultError("variant is required"), nil
	}

	target, err := s.deps.Registry.Rollback(args.Variant)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rollback: %v", err)), nil
	}

	log.Printf("[MCP] Rolled %s back to v%d", args.Variant, target.Version)
	return resultJSON(versionSummary{
		Variant:     target.Variant,
		Version:     target.Version,
		IsActive:    true,
		Tags:        target.Tags,
		CreatedAt:   target.CreatedAt,
		ActivatedAt: target.ActivatedAt,
	})
}

func (s *Server) handleSafetyMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return resultJSON(s.deps.Safety.Snapshot())
}

func (s *Server) handleCanaryStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return resultJSON(s.deps.Canary.Status())
}

func (s *Server) handleBudgetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep := s.deps.Optimizer.Snapshot()
	return resultJSON(map[string]any{
		"daily_spend_usd":   rep.DailySpend,
		"daily_limit_usd":   rep.DailyLimit,
		"monthly_spend_usd": rep.MonthlySpend,
		"monthly_limit_usd": rep.MonthlyLimit,
	})
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
