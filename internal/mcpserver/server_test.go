package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/executor"
	"github.com/mohammad-safakhou/deepsearch/internal/judge"
	"github.com/mohammad-safakhou/deepsearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
	"github.com/mohammad-safakhou/deepsearch/internal/worker"
)

func newTestServer(t *testing.T) *MCPServer {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	inv := worker.NewOffline()
	orch := orchestrator.New(fs, executor.New(inv), config.PipelineConfig{MaxGapFills: 1, PlanningRetries: 1})
	return New(orch, judge.New(inv, judge.DefaultRubric()), "test", nil)
}

func callRequest(t *testing.T, name string, args map[string]any) mcp.CallToolRequest {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"params": map[string]any{"name": name, "arguments": args}})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	var req mcp.CallToolRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", res.Content[0])
	}
	return text.Text
}

func TestStartAndAdvanceSession(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleStartSession(ctx, callRequest(t, "start_session", map[string]any{
		"topic":      "impact of synthetic biology on drug discovery",
		"depth_tier": 2,
	}))
	if err != nil || res.IsError {
		t.Fatalf("start_session: err=%v result=%+v", err, res)
	}
	var started struct {
		SessionID string          `json:"session_id"`
		Status    research.Status `json:"status"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.SessionID == "" || started.Status != research.StatusCreated {
		t.Fatalf("unexpected start result %+v", started)
	}

	var status research.Status
	for i := 0; i < 10 && !status.Terminal(); i++ {
		res, err := s.handleAdvanceSession(ctx, callRequest(t, "advance_session", map[string]any{"session_id": started.SessionID}))
		if err != nil || res.IsError {
			t.Fatalf("advance_session: err=%v text=%s", err, resultText(t, res))
		}
		var step struct {
			Status research.Status `json:"status"`
		}
		if err := json.Unmarshal([]byte(resultText(t, res)), &step); err != nil {
			t.Fatalf("decode: %v", err)
		}
		status = step.Status
	}
	if status != research.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	res, err = s.handleSessionStatus(ctx, callRequest(t, "session_status", map[string]any{"session_id": started.SessionID}))
	if err != nil || res.IsError {
		t.Fatalf("session_status: err=%v", err)
	}
	var snap research.Snapshot
	if err := json.Unmarshal([]byte(resultText(t, res)), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Report == nil {
		t.Fatalf("completed snapshot has no report")
	}
}

func TestToolErrorsAreResults(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleStartSession(ctx, callRequest(t, "start_session", map[string]any{}))
	if err != nil || !res.IsError {
		t.Fatalf("missing topic should be a tool error, err=%v", err)
	}
	res, err = s.handleStartSession(ctx, callRequest(t, "start_session", map[string]any{"topic": "x", "depth_tier": 9}))
	if err != nil || !res.IsError {
		t.Fatalf("bad tier should be a tool error, err=%v", err)
	}
	res, err = s.handleSessionStatus(ctx, callRequest(t, "session_status", map[string]any{"session_id": "missing"}))
	if err != nil || !res.IsError {
		t.Fatalf("unknown session should be a tool error, err=%v", err)
	}
}

func TestScoreAndCompareReports(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	rich := "# Report\n\n## Findings\n\nTrials from 2024 show gains [sq-01]. However, limitations remain. We recommend next steps.\n\n## Sources\n\n- https://example.org/a\n"

	res, err := s.handleScoreReport(ctx, callRequest(t, "score_report", map[string]any{"report": rich, "question": "q"}))
	if err != nil || res.IsError {
		t.Fatalf("score_report: err=%v", err)
	}
	var score research.JudgeScore
	if err := json.Unmarshal([]byte(resultText(t, res)), &score); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(score.Dimensions) != len(judge.DefaultRubric().Dimensions) {
		t.Fatalf("unexpected dimensions %+v", score.Dimensions)
	}

	res, err = s.handleCompareReports(ctx, callRequest(t, "compare_reports", map[string]any{
		"report_a": "thin", "report_b": rich, "question": "q",
	}))
	if err != nil || res.IsError {
		t.Fatalf("compare_reports: err=%v", err)
	}
	var ab research.JudgeScore
	if err := json.Unmarshal([]byte(resultText(t, res)), &ab); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ab.Decision == "" || ab.VariantA == nil || ab.VariantB == nil {
		t.Fatalf("unexpected comparison %+v", ab)
	}
}
