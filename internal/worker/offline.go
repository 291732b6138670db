package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Context keys shared by the phase runners and the workers that read
// structured input instead of the rendered prompt.
const (
	CtxTopic        = "topic"
	CtxDepthTier    = "depth_tier"
	CtxMinQuestions = "min_questions"
	CtxMaxQuestions = "max_questions"
	CtxSubQuestion  = "sub_question"
	CtxFocus        = "focus"
	CtxStrategies   = "search_strategies"
	CtxPlan         = "plan"
	CtxFindings     = "findings"
	CtxGaps         = "known_gaps"
	CtxReport       = "report"
	CtxQuestion     = "question"
	CtxDimensions   = "dimensions"
	CtxScaleMin     = "scale_min"
	CtxScaleMax     = "scale_max"
)

// Offline is a deterministic invoker that needs no network. It produces
// well-formed payloads for every kind and is used for dry runs and tests.
type Offline struct {
	Now func() time.Time
}

// NewOffline returns an offline invoker using the wall clock.
func NewOffline() *Offline {
	return &Offline{Now: time.Now}
}

func (o *Offline) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Offline) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, err)
	}
	var out any
	var err error
	switch req.Kind {
	case KindPlan:
		out, err = o.plan(req)
	case KindSearch:
		out, err = o.search(req)
	case KindEvaluate:
		out, err = o.evaluate(req)
	case KindSynthesize:
		out, err = o.synthesize(req)
	case KindJudge:
		out, err = o.judge(req)
	default:
		err = fmt.Errorf("offline worker: unsupported kind %q", req.Kind)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

type offlineQuestion struct {
	Text             string   `json:"text"`
	Focus            string   `json:"focus"`
	SearchStrategies []string `json:"search_strategies"`
}

var coreAngles = []string{
	"What are the foundational concepts and current state of %s?",
	"Which organisations and researchers are driving work on %s?",
	"What measurable outcomes has %s produced so far?",
	"How does %s compare with the established alternatives?",
	"What regulatory and economic factors shape %s?",
	"Which open problems in %s are most actively studied?",
	"What does the evidence say about the long-term trajectory of %s?",
	"How is %s being applied in practice across industries?",
}

func (o *Offline) plan(req Request) (any, error) {
	topic := strings.TrimSpace(stringValue(req.Context[CtxTopic]))
	if topic == "" {
		return nil, fmt.Errorf("offline worker: plan request without topic")
	}
	lo := intValue(req.Context[CtxMinQuestions])
	hi := intValue(req.Context[CtxMaxQuestions])
	if lo <= 0 {
		lo = 3
	}
	if hi < lo {
		hi = lo
	}
	count := lo + 1
	if count > hi {
		count = hi
	}
	if count < 2 {
		count = 2
	}
	year := o.now().Year()
	questions := make([]offlineQuestion, 0, count)
	for i := 0; len(questions) < count-2; i++ {
		questions = append(questions, offlineQuestion{
			Text:             fmt.Sprintf(coreAngles[i%len(coreAngles)], topic),
			Focus:            "core",
			SearchStrategies: []string{"academic literature review", "industry reports"},
		})
	}
	questions = append(questions,
		offlineQuestion{
			Text:             fmt.Sprintf("What are the known criticisms, risks and limitations of %s?", topic),
			Focus:            "limitations",
			SearchStrategies: []string{"critical reviews", "failure case studies"},
		},
		offlineQuestion{
			Text:             fmt.Sprintf("What developments in %s emerged during %d-%d?", topic, year-1, year),
			Focus:            "recent",
			SearchStrategies: []string{fmt.Sprintf("news since %d", year-1), "preprint servers"},
		},
	)
	return map[string]any{"sub_questions": questions}, nil
}

func (o *Offline) search(req Request) (any, error) {
	question := strings.TrimSpace(stringValue(req.Context[CtxSubQuestion]))
	if question == "" {
		return nil, fmt.Errorf("offline worker: search request without sub-question")
	}
	topic := stringValue(req.Context[CtxTopic])
	published := o.now().UTC().Format("2006-01-02")
	return map[string]any{
		"summary": fmt.Sprintf("Offline findings for %q within the topic %q.", question, topic),
		"key_points": []string{
			"Primary literature identifies the central mechanisms involved.",
			"Independent reviews report mixed results across settings.",
			"Further controlled studies are recommended.",
		},
		"sources": []map[string]string{
			{"title": "Systematic review: " + question, "url": "https://example.org/" + slug(req.TaskID), "published": published},
		},
		"confidence": "medium",
	}, nil
}

func (o *Offline) evaluate(req Request) (any, error) {
	var gaps []map[string]string
	if err := decodeContext(req.Context[CtxGaps], &gaps); err != nil {
		return nil, err
	}
	assessment := "All planned sub-questions have usable findings."
	if len(gaps) > 0 {
		assessment = fmt.Sprintf("%d sub-question(s) lack usable findings.", len(gaps))
	}
	return map[string]any{
		"coverage_gaps":      gaps,
		"overall_assessment": assessment,
		"requires_gap_fill":  len(gaps) > 0,
	}, nil
}

type offlineFinding struct {
	SubQuestionID string          `json:"sub_question_id"`
	Question      string          `json:"question"`
	Payload       json.RawMessage `json:"payload"`
}

func (o *Offline) synthesize(req Request) (any, error) {
	topic := stringValue(req.Context[CtxTopic])
	var findings []offlineFinding
	if err := decodeContext(req.Context[CtxFindings], &findings); err != nil {
		return nil, err
	}
	if len(findings) == 0 {
		return nil, fmt.Errorf("offline worker: synthesize request without findings")
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].SubQuestionID < findings[j].SubQuestionID })
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n## Executive summary\n\n", topic)
	fmt.Fprintf(&b, "This report consolidates %d research threads on %s.\n\n", len(findings), topic)
	for _, f := range findings {
		var body struct {
			Summary   string   `json:"summary"`
			KeyPoints []string `json:"key_points"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		fmt.Fprintf(&b, "## %s\n\n", f.Question)
		if body.Summary != "" {
			fmt.Fprintf(&b, "%s [%s]\n\n", body.Summary, f.SubQuestionID)
		}
		for _, p := range body.KeyPoints {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}
	return map[string]any{
		"title": "Research report: " + topic,
		"body":  b.String(),
	}, nil
}

var (
	headingRe  = regexp.MustCompile(`(?m)^#{1,6} `)
	citationRe = regexp.MustCompile(`\[[^\]]+\]|https?://`)
	yearRe     = regexp.MustCompile(`\b20[2-9][0-9]\b`)
	balanceRe  = regexp.MustCompile(`(?i)limitation|criticism|risk|however`)
	actionRe   = regexp.MustCompile(`(?i)recommend|should|next step`)
)

// judge scores with text heuristics so A/B runs stay reproducible offline.
func (o *Offline) judge(req Request) (any, error) {
	report := stringValue(req.Context[CtxReport])
	var dims []string
	if err := decodeContext(req.Context[CtxDimensions], &dims); err != nil {
		return nil, err
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("offline worker: judge request without dimensions")
	}
	lo, hi := floatValue(req.Context[CtxScaleMin]), floatValue(req.Context[CtxScaleMax])
	if hi <= lo {
		lo, hi = 1, 10
	}
	words := len(strings.Fields(report))
	signals := map[string]float64{
		"comprehensiveness":      ratio(float64(words), 1500),
		"factual_grounding":      ratio(float64(len(citationRe.FindAllString(report, -1))), 12),
		"structural_clarity":     ratio(float64(len(headingRe.FindAllString(report, -1))), 8),
		"source_credibility":     ratio(float64(len(citationRe.FindAllString(report, -1))), 16),
		"objectivity":            ratio(float64(len(balanceRe.FindAllString(report, -1))), 6),
		"actionable_specificity": ratio(float64(len(actionRe.FindAllString(report, -1))), 5),
		"currency":               ratio(float64(len(yearRe.FindAllString(report, -1))), 4),
	}
	scores := make(map[string]float64, len(dims))
	for _, d := range dims {
		s, ok := signals[d]
		if !ok {
			s = ratio(float64(words), 1000)
		}
		scores[d] = roundTenth(lo + s*(hi-lo))
	}
	return map[string]any{
		"scores":    scores,
		"rationale": fmt.Sprintf("heuristic offline scoring over %d words", words),
	}, nil
}

func ratio(v, target float64) float64 {
	if target <= 0 || v <= 0 {
		return 0
	}
	if v >= target {
		return 1
	}
	return v / target
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "finding"
	}
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, s)
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func intValue(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	}
	return 0
}

func floatValue(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

// decodeContext converts an in-process context value into dst through JSON,
// so callers may pass maps, structs or raw JSON alike.
func decodeContext(v any, dst any) error {
	if v == nil {
		return nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode context: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode context: %w", err)
	}
	return nil
}
