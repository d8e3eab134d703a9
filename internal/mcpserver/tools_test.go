package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/lifecycle"
	"github.com/AlexCarrillo32/cleanspace-pro-website-sub000/internal/store"
)

// --- Helpers ---

func newTestServer(t *testing.T, writeEnabled bool) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := lifecycle.NewRegistry(st)
	if _, err := registry.Register("baseline", "You are a scheduling assistant.", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.Register("baseline", "You are a friendly scheduling assistant.", nil); err != nil {
		t.Fatalf("register v2: %v", err)
	}
	if err := registry.Activate("baseline", 2); err != nil {
		t.Fatalf("activate: %v", err)
	}

	return &Server{
		deps:         Deps{Registry: registry},
		writeEnabled: writeEnabled,
	}
}

func makeRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("result content is %T, not TextContent", result.Content[0])
	}
	return tc.Text
}

// --- Tests ---

func TestListVersions(t *testing.T) {
	s := newTestServer(t, false)

	result, err := s.handleListVersions(context.Background(), makeRequest("list_versions", map[string]any{
		"variant": "baseline",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var versions []versionSummary
	if err := json.Unmarshal([]byte(resultText(t, result)), &versions); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	var activeCount int
	for _, v := range versions {
		if v.IsActive {
			activeCount++
			if v.Version != 2 {
				t.Errorf("expected v2 active, got v%d", v.Version)
			}
		}
	}
	if activeCount != 1 {
		t.Errorf("expected exactly one active version, got %d", activeCount)
	}
}

func TestActivateVersion_Disabled(t *testing.T) {
	s := newTestServer(t, false)

	result, err := s.handleActivateVersion(context.Background(), makeRequest("activate_version", map[string]any{
		"variant": "baseline",
		"version": 1,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error when writes are disabled")
	}
	if text := resultText(t, result); !strings.Contains(text, "disabled") {
		t.Errorf("expected disabled error message, got: %s", text)
	}
}

func TestActivateVersion(t *testing.T) {
	s := newTestServer(t, true)

	result, err := s.handleActivateVersion(context.Background(), makeRequest("activate_version", map[string]any{
		"variant": "baseline",
		"version": 1,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	active, err := s.deps.Registry.Active("baseline")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.Version != 1 {
		t.Errorf("expected v1 active after activation, got v%d", active.Version)
	}
}

func TestRollbackVersion(t *testing.T) {
	s := newTestServer(t, true)

	result, err := s.handleRollbackVersion(context.Background(), makeRequest("rollback_version", map[string]any{
		"variant": "baseline",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var target versionSummary
	if err := json.Unmarshal([]byte(resultText(t, result)), &target); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if target.Version != 1 {
		t.Errorf("expected rollback to v1, got v%d", target.Version)
	}
}

func TestRollbackVersion_MissingVariant(t *testing.T) {
	s := newTestServer(t, true)

	result, err := s.handleRollbackVersion(context.Background(), makeRequest("rollback_version", map[string]any{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error for missing variant")
	}
}
