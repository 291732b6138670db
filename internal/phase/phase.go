// Package phase holds one runner per pipeline phase. Runners never touch
// the session store; they return records for the orchestrator to persist.
package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/executor"
	"github.com/mohammad-safakhou/deepsearch/internal/planner"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/worker"
)

// Deps are shared by every runner.
type Deps struct {
	Pool     *executor.Pool
	Pipeline config.PipelineConfig
	Logger   *zap.Logger
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now == nil {
		return time.Now().UTC()
	}
	return d.Now()
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// taskErr turns a non-ok single task result into an error. Cancellation
// is reported as the context error so callers can tell it apart.
func taskErr(ctx context.Context, res executor.TaskResult) error {
	if res.Status == research.WorkerCancelled {
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	if res.Err != nil {
		return fmt.Errorf("worker %s: %w", res.Status, res.Err)
	}
	return fmt.Errorf("worker %s", res.Status)
}

// Planning turns a topic into validated sub-questions.
type Planning struct{ Deps }

// Run asks the worker for a plan, retrying per pipeline.planning_retries
// when the output is invalid or the worker fails. It returns the number of
// attempts made alongside the plan.
func (p *Planning) Run(ctx context.Context, sess research.Session) ([]research.SubQuestion, int, error) {
	lo, hi, err := research.TierBounds(sess.DepthTier)
	if err != nil {
		return nil, 0, err
	}
	maxAttempts := 1 + p.Pipeline.PlanningRetries
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		prev := ""
		if lastErr != nil {
			prev = lastErr.Error()
		}
		prompt, err := render(planningTmpl, map[string]any{
			"Topic": sess.Topic, "Tier": sess.DepthTier, "Min": lo, "Max": hi, "PreviousError": prev,
		})
		if err != nil {
			return nil, attempt, err
		}
		res := p.Pool.Run(ctx, executor.Task{ID: "plan", Request: worker.Request{
			Kind:      worker.KindPlan,
			SessionID: sess.ID,
			TaskID:    fmt.Sprintf("plan-%d", attempt),
			Prompt:    prompt,
			Context: map[string]any{
				worker.CtxTopic:        sess.Topic,
				worker.CtxDepthTier:    sess.DepthTier,
				worker.CtxMinQuestions: lo,
				worker.CtxMaxQuestions: hi,
			},
		}}, p.Pipeline.PlanningTimeout)

		if res.Status == research.WorkerCancelled {
			return nil, attempt, taskErr(ctx, res)
		}
		if res.Status != research.WorkerOK {
			lastErr = taskErr(ctx, res)
		} else if doc, perr := planner.Parse(res.Payload); perr != nil {
			lastErr = research.ValidationError{Phase: "planning", Reason: perr.Error()}
		} else if verr := planner.Validate(doc, sess.DepthTier); verr != nil {
			lastErr = research.ValidationError{Phase: "planning", Reason: verr.Error()}
		} else {
			return planner.SubQuestions(doc, sess.ID), attempt, nil
		}
		p.logger().Warn("planning attempt rejected",
			zap.String("session_id", sess.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}
	var verr research.ValidationError
	if errors.As(lastErr, &verr) {
		return nil, maxAttempts, verr
	}
	return nil, maxAttempts, research.PhaseError{Phase: "planning", Err: lastErr}
}

// Searching fans sub-questions out to the pool.
type Searching struct{ Deps }

// Run investigates targets and returns one finding per target attempt,
// failures included. attempts holds the highest attempt already recorded
// per sub-question so numbering continues across gap-fill passes.
func (s *Searching) Run(ctx context.Context, sess research.Session, targets []research.SubQuestion, attempts map[string]int) []research.Finding {
	next := make(map[string]int, len(targets))
	for _, sq := range targets {
		next[sq.ID] = attempts[sq.ID] + 1
	}
	findings := s.runOnce(ctx, sess, targets, next)

	if !s.Pipeline.RetryFailedSearches || ctx.Err() != nil {
		return findings
	}
	var retry []research.SubQuestion
	for i, f := range findings {
		if f.WorkerStatus == research.WorkerTimeout || f.WorkerStatus == research.WorkerError {
			retry = append(retry, targets[i])
			next[targets[i].ID]++
		}
	}
	if len(retry) == 0 {
		return findings
	}
	s.logger().Info("re-submitting failed searches", zap.String("session_id", sess.ID), zap.Int("count", len(retry)))
	return append(findings, s.runOnce(ctx, sess, retry, next)...)
}

// runOnce returns findings in target order.
func (s *Searching) runOnce(ctx context.Context, sess research.Session, targets []research.SubQuestion, attempt map[string]int) []research.Finding {
	tasks := make([]executor.Task, 0, len(targets))
	for _, sq := range targets {
		prompt, err := render(searchTmpl, map[string]any{
			"Topic": sess.Topic, "ID": sq.ID, "Focus": sq.Focus, "Text": sq.Text, "Strategies": sq.SearchStrategies,
		})
		if err != nil {
			prompt = sq.Text
		}
		tasks = append(tasks, executor.Task{ID: sq.ID, Request: worker.Request{
			Kind:      worker.KindSearch,
			SessionID: sess.ID,
			TaskID:    sq.ID,
			Prompt:    prompt,
			Context: map[string]any{
				worker.CtxTopic:       sess.Topic,
				worker.CtxSubQuestion: sq.Text,
				worker.CtxFocus:       string(sq.Focus),
				worker.CtxStrategies:  sq.SearchStrategies,
			},
		}})
	}
	results := s.Pool.RunAll(ctx, tasks, s.Pipeline.ConcurrencyLimit, s.Pipeline.SearchTimeout)

	findings := make([]research.Finding, 0, len(targets))
	for _, sq := range targets {
		res, ok := results[sq.ID]
		if !ok {
			now := s.now()
			findings = append(findings, research.Finding{
				SubQuestionID: sq.ID, Attempt: attempt[sq.ID], WorkerStatus: research.WorkerError,
				Error: "no result returned", StartedAt: now, FinishedAt: now,
			})
			continue
		}
		findings = append(findings, res.Finding(attempt[sq.ID]))
	}
	return findings
}

// Evaluating assesses coverage of the latest findings.
type Evaluating struct{ Deps }

type evaluationOutput struct {
	CoverageGaps      []research.Gap `json:"coverage_gaps"`
	OverallAssessment string         `json:"overall_assessment"`
	RequiresGapFill   bool           `json:"requires_gap_fill"`
}

// StructuralGaps lists every planned sub-question whose latest finding is
// missing or unusable.
func StructuralGaps(snap research.Snapshot) []research.Gap {
	latest := snap.LatestFindings()
	var gaps []research.Gap
	for _, sq := range snap.Plan {
		f, ok := latest[sq.ID]
		switch {
		case !ok:
			gaps = append(gaps, research.Gap{SubQuestionID: sq.ID, Reason: "no finding recorded"})
		case !f.Usable():
			gaps = append(gaps, research.Gap{SubQuestionID: sq.ID, Reason: fmt.Sprintf("latest attempt %d ended with status %s", f.Attempt, f.WorkerStatus)})
		}
	}
	return gaps
}

// Run produces one evaluation. Missing or failed findings are always gaps
// and always require a gap fill. If the worker itself fails, a structural
// evaluation is returned instead of an error.
func (e *Evaluating) Run(ctx context.Context, snap research.Snapshot) (research.Evaluation, error) {
	sess := snap.Session
	structural := StructuralGaps(snap)
	known := make([]string, 0, len(structural))
	for _, g := range structural {
		known = append(known, g.SubQuestionID)
	}

	latest := snap.LatestFindings()
	type findingView struct {
		ID, Status, Summary string
	}
	views := make([]findingView, 0, len(snap.Plan))
	for _, sq := range snap.Plan {
		f, ok := latest[sq.ID]
		if !ok {
			views = append(views, findingView{ID: sq.ID, Status: "missing"})
			continue
		}
		views = append(views, findingView{ID: sq.ID, Status: string(f.WorkerStatus), Summary: payloadSummary(f.Payload)})
	}
	prompt, err := render(evaluateTmpl, map[string]any{
		"Topic": sess.Topic, "Plan": snap.Plan, "Findings": views, "KnownGaps": known,
	})
	if err != nil {
		return research.Evaluation{}, err
	}

	iteration := len(snap.Evaluations) + 1
	res := e.Pool.Run(ctx, executor.Task{ID: fmt.Sprintf("evaluation-%d", iteration), Request: worker.Request{
		Kind:      worker.KindEvaluate,
		SessionID: sess.ID,
		Prompt:    prompt,
		Context: map[string]any{
			worker.CtxTopic: sess.Topic,
			worker.CtxPlan:  snap.Plan,
			worker.CtxGaps:  structural,
		},
	}}, e.Pipeline.EvaluationTimeout)
	if res.Status == research.WorkerCancelled {
		return research.Evaluation{}, taskErr(ctx, res)
	}

	var out evaluationOutput
	usable := len(snap.Plan) - len(structural)
	if res.Status == research.WorkerOK {
		if err := json.Unmarshal(res.Payload, &out); err != nil {
			out = evaluationOutput{OverallAssessment: fmt.Sprintf("evaluation output unreadable (%v); structural assessment: %d of %d sub-questions have usable findings", err, usable, len(snap.Plan))}
		}
	} else {
		e.logger().Warn("evaluation worker failed, using structural assessment",
			zap.String("session_id", sess.ID), zap.String("status", string(res.Status)), zap.Error(res.Err))
		out = evaluationOutput{OverallAssessment: fmt.Sprintf("evaluation worker %s: %v; structural assessment: %d of %d sub-questions have usable findings", res.Status, res.Err, usable, len(snap.Plan))}
	}

	gaps := mergeGaps(snap, structural, out.CoverageGaps)
	return research.Evaluation{
		SessionID:         sess.ID,
		Iteration:         iteration,
		CoverageGaps:      gaps,
		OverallAssessment: strings.TrimSpace(out.OverallAssessment),
		RequiresGapFill:   len(structural) > 0 || (out.RequiresGapFill && len(gaps) > 0),
		CreatedAt:         e.now(),
	}, nil
}

// mergeGaps keeps structural gaps first and adds worker gaps that name a
// planned sub-question or carry new question text.
func mergeGaps(snap research.Snapshot, structural, proposed []research.Gap) []research.Gap {
	out := append([]research.Gap(nil), structural...)
	seenID := make(map[string]bool, len(structural))
	for _, g := range structural {
		seenID[g.SubQuestionID] = true
	}
	seenText := make(map[string]bool)
	for _, g := range proposed {
		id := strings.TrimSpace(g.SubQuestionID)
		text := strings.TrimSpace(g.Question)
		if _, planned := snap.SubQuestion(id); planned {
			if !seenID[id] {
				seenID[id] = true
				out = append(out, research.Gap{SubQuestionID: id, Reason: g.Reason})
			}
			continue
		}
		key := strings.ToLower(text)
		if text == "" || seenText[key] {
			continue
		}
		seenText[key] = true
		out = append(out, research.Gap{Question: text, Reason: g.Reason})
	}
	return out
}

func payloadSummary(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var body struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Summary != "" {
		return truncate(body.Summary, 400)
	}
	return truncate(string(raw), 400)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
