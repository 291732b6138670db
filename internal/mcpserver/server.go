// Package mcpserver exposes research sessions and the judge as MCP tools
// over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/internal/judge"
	"github.com/mohammad-safakhou/deepsearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// Sessions is the orchestrator surface the tools need.
type Sessions interface {
	StartSession(ctx context.Context, topic string, tier int) (research.Session, error)
	Advance(ctx context.Context, id string) (orchestrator.StepResult, error)
	Status(ctx context.Context, id string) (research.Snapshot, error)
}

// MCPServer holds shared deps; tools are stateless over them.
type MCPServer struct {
	sessions  Sessions
	scorer    *judge.Scorer
	logger    *zap.Logger
	mcpServer *server.MCPServer
}

// New registers every tool on a fresh MCP server.
func New(sessions Sessions, scorer *judge.Scorer, version string, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MCPServer{
		sessions: sessions,
		scorer:   scorer,
		logger:   logger,
		mcpServer: server.NewMCPServer(
			"deepsearch",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio blocks serving JSON-RPC over stdin/stdout.
func (s *MCPServer) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *MCPServer) registerTools() {
	start := mcp.NewTool("start_session",
		mcp.WithDescription("Create a research session for a topic. Returns the session id and output directory."),
		mcp.WithString("topic",
			mcp.Required(),
			mcp.Description("Research topic, at most 500 characters"),
		),
		mcp.WithNumber("depth_tier",
			mcp.Description("Depth tier 1-4; controls how many sub-questions are planned"),
			mcp.DefaultNumber(2),
			mcp.Min(1),
			mcp.Max(4),
		),
	)
	s.mcpServer.AddTool(start, s.handleStartSession)

	advance := mcp.NewTool("advance_session",
		mcp.WithDescription("Run exactly one step of a research session"),
		mcp.WithString("session_id", mcp.Required()),
	)
	s.mcpServer.AddTool(advance, s.handleAdvanceSession)

	status := mcp.NewTool("session_status",
		mcp.WithDescription("Return the latest snapshot of a research session"),
		mcp.WithString("session_id", mcp.Required()),
	)
	s.mcpServer.AddTool(status, s.handleSessionStatus)

	score := mcp.NewTool("score_report",
		mcp.WithDescription("Score a research report against the judge rubric"),
		mcp.WithString("report", mcp.Required(), mcp.Description("Report markdown")),
		mcp.WithString("question", mcp.Required(), mcp.Description("Original research question")),
	)
	s.mcpServer.AddTool(score, s.handleScoreReport)

	compare := mcp.NewTool("compare_reports",
		mcp.WithDescription("A/B compare two reports; adopt_b when B beats A by at least the rubric threshold"),
		mcp.WithString("report_a", mcp.Required()),
		mcp.WithString("report_b", mcp.Required()),
		mcp.WithString("question", mcp.Required()),
	)
	s.mcpServer.AddTool(compare, s.handleCompareReports)
}

func (s *MCPServer) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("topic required"), nil
	}
	tier := int(request.GetFloat("depth_tier", 2))
	sess, err := s.sessions.StartSession(ctx, topic, tier)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session_id": sess.ID,
		"status":     sess.Status,
		"output_dir": sess.OutputDir,
	})
}

func (s *MCPServer) handleAdvanceSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id required"), nil
	}
	res, err := s.sessions.Advance(ctx, id)
	if err != nil && (res.Session.ID == "" || res.From == res.To) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := map[string]any{
		"session_id": res.Session.ID,
		"from":       res.From,
		"status":     res.To,
		"seq":        res.Seq,
	}
	if err != nil {
		out["failed_phase"] = res.Session.FailedPhase
		out["cause"] = res.Session.Cause
		out["error"] = err.Error()
		s.logger.Info("session step failed", zap.String("session_id", id), zap.Error(err))
	}
	return jsonResult(out)
}

func (s *MCPServer) handleSessionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id required"), nil
	}
	snap, err := s.sessions.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snap)
}

func (s *MCPServer) handleScoreReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scorer == nil {
		return mcp.NewToolResultError("judge not configured"), nil
	}
	report, err := request.RequireString("report")
	if err != nil {
		return mcp.NewToolResultError("report required"), nil
	}
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("question required"), nil
	}
	score, err := s.scorer.Score(ctx, report, question)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(score)
}

func (s *MCPServer) handleCompareReports(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scorer == nil {
		return mcp.NewToolResultError("judge not configured"), nil
	}
	a, err := request.RequireString("report_a")
	if err != nil {
		return mcp.NewToolResultError("report_a required"), nil
	}
	b, err := request.RequireString("report_b")
	if err != nil {
		return mcp.NewToolResultError("report_b required"), nil
	}
	question, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError("question required"), nil
	}
	score, err := s.scorer.CompareAB(ctx, a, b, question)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(score)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
