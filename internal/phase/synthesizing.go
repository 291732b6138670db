package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/internal/executor"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
	"github.com/mohammad-safakhou/deepsearch/internal/sources"
	"github.com/mohammad-safakhou/deepsearch/internal/worker"
)

// Synthesizing merges usable findings into the final report.
type Synthesizing struct{ Deps }

type synthesisInput struct {
	SubQuestionID string          `json:"sub_question_id"`
	Question      string          `json:"question"`
	Payload       json.RawMessage `json:"payload"`
}

type synthesisOutput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Insufficient reports whether more than half of the planned sub-questions
// lack a usable latest finding.
func Insufficient(total, usable int) bool {
	if total == 0 {
		return true
	}
	return (total-usable)*2 > total
}

// Run writes the report. It refuses to synthesize when the majority of
// sub-questions have no usable finding. A sources appendix built from the
// findings is added unless the worker wrote one.
func (s *Synthesizing) Run(ctx context.Context, snap research.Snapshot) (research.Report, error) {
	sess := snap.Session
	usable := snap.UsableFindings()
	if Insufficient(len(snap.Plan), len(usable)) {
		return research.Report{}, research.PhaseError{
			Phase: "synthesizing",
			Err:   fmt.Errorf("%w: %d of %d sub-questions usable", research.ErrInsufficientFindings, len(usable), len(snap.Plan)),
		}
	}

	inputs := make([]synthesisInput, 0, len(usable))
	type view struct{ ID, Question, Payload string }
	views := make([]view, 0, len(usable))
	for _, f := range usable {
		q := f.SubQuestionID
		if sq, ok := snap.SubQuestion(f.SubQuestionID); ok {
			q = sq.Text
		}
		inputs = append(inputs, synthesisInput{SubQuestionID: f.SubQuestionID, Question: q, Payload: f.Payload})
		views = append(views, view{ID: f.SubQuestionID, Question: q, Payload: string(f.Payload)})
	}
	assessment := ""
	if ev, ok := snap.LatestEvaluation(); ok {
		assessment = ev.OverallAssessment
	}
	prompt, err := render(synthesizeTmpl, map[string]any{
		"Topic": sess.Topic, "Assessment": assessment, "Findings": views,
	})
	if err != nil {
		return research.Report{}, err
	}

	res := s.Pool.Run(ctx, executor.Task{ID: "synthesis", Request: worker.Request{
		Kind:      worker.KindSynthesize,
		SessionID: sess.ID,
		Prompt:    prompt,
		Context: map[string]any{
			worker.CtxTopic:    sess.Topic,
			worker.CtxFindings: inputs,
		},
	}}, s.Pipeline.SynthesisTimeout)
	if res.Status == research.WorkerCancelled {
		return research.Report{}, taskErr(ctx, res)
	}
	if res.Status != research.WorkerOK {
		return research.Report{}, research.PhaseError{Phase: "synthesizing", Err: taskErr(ctx, res)}
	}

	var out synthesisOutput
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return research.Report{}, research.PhaseError{Phase: "synthesizing", Err: fmt.Errorf("decode report: %w", err)}
	}
	body := strings.TrimSpace(out.Body)
	if body == "" {
		return research.Report{}, research.PhaseError{Phase: "synthesizing", Err: fmt.Errorf("worker returned an empty report body")}
	}
	cites := sources.Collect(usable)
	if len(cites) > 0 && !sources.HasSection(body) {
		body += "\n\n" + strings.TrimRight(sources.Appendix(cites), "\n")
	}
	title := sources.PlainText(out.Title)
	if title == "" {
		title = "Research report: " + sess.Topic
	}

	refs := make([]research.FindingRef, 0, len(usable))
	for _, f := range usable {
		refs = append(refs, f.Ref())
	}
	s.logger().Info("report synthesized",
		zap.String("session_id", sess.ID),
		zap.Int("findings", len(refs)),
		zap.Int("sources", len(cites)),
		zap.Int("planned", len(snap.Plan)),
	)
	return research.Report{
		Title:      title,
		Body:       body + "\n",
		Provenance: refs,
		CreatedAt:  s.now(),
	}, nil
}
