package research

import (
	"encoding/json"
	"sort"
	"time"
)

// Focus tags the coverage category a sub-question targets.
type Focus string

const (
	FocusCore        Focus = "core"
	FocusLimitations Focus = "limitations"
	FocusRecent      Focus = "recent"
)

// Origin records which phase produced a sub-question.
type Origin string

const (
	OriginPlan    Origin = "plan"
	OriginGapFill Origin = "gap_fill"
)

// SubQuestion is one independently researchable unit produced by planning.
// Sub-questions are immutable once planning completes.
type SubQuestion struct {
	ID               string   `json:"id"`
	Text             string   `json:"text"`
	SearchStrategies []string `json:"search_strategies,omitempty"`
	Focus            Focus    `json:"focus"`
	ParentSessionID  string   `json:"parent_session_id"`
	Origin           Origin   `json:"origin,omitempty"`
}

// WorkerStatus is the outcome of one worker invocation.
type WorkerStatus string

const (
	WorkerOK        WorkerStatus = "ok"
	WorkerTimeout   WorkerStatus = "timeout"
	WorkerError     WorkerStatus = "error"
	WorkerCancelled WorkerStatus = "cancelled"
)

// Finding is the result of investigating one sub-question in one attempt.
type Finding struct {
	SubQuestionID string          `json:"sub_question_id"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	WorkerStatus  WorkerStatus    `json:"worker_status"`
	Error         string          `json:"error,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// Usable reports whether the finding can feed synthesis.
func (f Finding) Usable() bool {
	return f.WorkerStatus == WorkerOK && len(f.Payload) > 0
}

// Ref returns the provenance reference for the finding.
func (f Finding) Ref() FindingRef {
	return FindingRef{SubQuestionID: f.SubQuestionID, Attempt: f.Attempt}
}

// Gap is one coverage gap: either an existing sub-question or a new
// question the evaluation asked for.
type Gap struct {
	SubQuestionID string `json:"sub_question_id,omitempty"`
	Question      string `json:"question,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Evaluation is the output of one evaluating phase execution. A gap-fill
// iteration appends a new evaluation; earlier ones are never modified.
type Evaluation struct {
	SessionID         string    `json:"session_id"`
	Iteration         int       `json:"iteration"`
	CoverageGaps      []Gap     `json:"coverage_gaps"`
	OverallAssessment string    `json:"overall_assessment"`
	RequiresGapFill   bool      `json:"requires_gap_fill"`
	CreatedAt         time.Time `json:"created_at"`
}

// FindingRef identifies a finding attempt that contributed to a report.
type FindingRef struct {
	SubQuestionID string `json:"sub_question_id"`
	Attempt       int    `json:"attempt"`
}

// Report is the synthesizing phase artifact.
type Report struct {
	Title      string       `json:"title"`
	Body       string       `json:"body"`
	Provenance []FindingRef `json:"provenance"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Decision is the outcome of an A/B comparison.
type Decision string

const (
	DecisionAdoptB Decision = "adopt_b"
	DecisionKeepA  Decision = "keep_a"
)

// ScoreCard holds the per-dimension scores of one report.
type ScoreCard struct {
	Dimensions map[string]float64 `json:"dimensions"`
	Mean       float64            `json:"mean"`
	Aggregate  float64            `json:"aggregate"`
	Rationale  string             `json:"rationale,omitempty"`
}

// JudgeScore is the judge's verdict on one report, or on two for A/B.
type JudgeScore struct {
	Rubric     string             `json:"rubric"`
	ScaleMin   float64            `json:"scale_min"`
	ScaleMax   float64            `json:"scale_max"`
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Aggregate  float64            `json:"aggregate"`
	Rationale  string             `json:"rationale,omitempty"`

	VariantA  *ScoreCard `json:"variant_a,omitempty"`
	VariantB  *ScoreCard `json:"variant_b,omitempty"`
	Delta     float64    `json:"delta,omitempty"`
	Threshold float64    `json:"threshold,omitempty"`
	Decision  Decision   `json:"decision,omitempty"`
}

// Snapshot is the full persisted state of a session after a transition.
type Snapshot struct {
	Seq          int           `json:"seq"`
	Session      Session       `json:"session"`
	Plan         []SubQuestion `json:"plan,omitempty"`
	Findings     []Finding     `json:"findings,omitempty"`
	Evaluations  []Evaluation  `json:"evaluations,omitempty"`
	SearchQueue  []string      `json:"search_queue,omitempty"`
	PlanAttempts int           `json:"plan_attempts,omitempty"`
	Report       *Report       `json:"report,omitempty"`
	History      []Transition  `json:"history,omitempty"`
}

// Clone returns a deep-enough copy so the caller can mutate slices freely.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Plan = append([]SubQuestion(nil), s.Plan...)
	out.Findings = append([]Finding(nil), s.Findings...)
	out.Evaluations = append([]Evaluation(nil), s.Evaluations...)
	out.SearchQueue = append([]string(nil), s.SearchQueue...)
	out.History = append([]Transition(nil), s.History...)
	if s.Report != nil {
		r := *s.Report
		r.Provenance = append([]FindingRef(nil), s.Report.Provenance...)
		out.Report = &r
	}
	return out
}

// SubQuestion looks up a planned sub-question by id.
func (s Snapshot) SubQuestion(id string) (SubQuestion, bool) {
	for _, sq := range s.Plan {
		if sq.ID == id {
			return sq, true
		}
	}
	return SubQuestion{}, false
}

// LatestFindings returns the newest finding per sub-question, keyed by id.
// Newest is decided by FinishedAt, then by attempt number.
func (s Snapshot) LatestFindings() map[string]Finding {
	out := make(map[string]Finding, len(s.Plan))
	for _, f := range s.Findings {
		cur, ok := out[f.SubQuestionID]
		if !ok || newer(f, cur) {
			out[f.SubQuestionID] = f
		}
	}
	return out
}

func newer(a, b Finding) bool {
	if !a.FinishedAt.Equal(b.FinishedAt) {
		return a.FinishedAt.After(b.FinishedAt)
	}
	return a.Attempt > b.Attempt
}

// Attempts returns the highest attempt recorded per sub-question.
func (s Snapshot) Attempts() map[string]int {
	out := make(map[string]int)
	for _, f := range s.Findings {
		if f.Attempt > out[f.SubQuestionID] {
			out[f.SubQuestionID] = f.Attempt
		}
	}
	return out
}

// UsableFindings returns the latest usable finding for every sub-question
// that has one, ordered by sub-question id.
func (s Snapshot) UsableFindings() []Finding {
	latest := s.LatestFindings()
	out := make([]Finding, 0, len(latest))
	for _, f := range latest {
		if f.Usable() {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubQuestionID < out[j].SubQuestionID })
	return out
}

// LatestEvaluation returns the most recent evaluation, if any.
func (s Snapshot) LatestEvaluation() (Evaluation, bool) {
	if len(s.Evaluations) == 0 {
		return Evaluation{}, false
	}
	return s.Evaluations[len(s.Evaluations)-1], true
}
