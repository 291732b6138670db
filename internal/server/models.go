package server

import (
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// CreateSessionRequest starts a research session.
type CreateSessionRequest struct {
	Topic     string `json:"topic"`
	DepthTier int    `json:"depth_tier"`
}

// SessionResponse is returned for a new or changed session.
type SessionResponse struct {
	SessionID string           `json:"session_id"`
	Status    research.Status  `json:"status"`
	OutputDir string           `json:"output_dir,omitempty"`
	Session   research.Session `json:"session"`
}

// AdvanceResponse describes one advance step. Error is set when the step
// moved the session into failed or timed_out.
type AdvanceResponse struct {
	SessionID   string          `json:"session_id"`
	From        research.Status `json:"from"`
	Status      research.Status `json:"status"`
	Seq         int             `json:"seq"`
	FailedPhase string          `json:"failed_phase,omitempty"`
	Cause       string          `json:"cause,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ScoreRequest scores one report. When SessionID is set the score is
// stored with the session.
type ScoreRequest struct {
	Report    string `json:"report"`
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}

// CompareRequest runs an A/B comparison.
type CompareRequest struct {
	ReportA   string `json:"report_a"`
	ReportB   string `json:"report_b"`
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
}
