package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedOffline() *Offline {
	return &Offline{Now: func() time.Time { return time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestOfflinePlanRespectsBoundsAndCoverage(t *testing.T) {
	bounds := [][2]int{{2, 3}, {3, 5}, {5, 7}, {7, 10}}
	for _, b := range bounds {
		raw, err := fixedOffline().Invoke(context.Background(), Request{
			Kind:    KindPlan,
			Context: map[string]any{CtxTopic: "quantum sensing", CtxMinQuestions: b[0], CtxMaxQuestions: b[1]},
		})
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		var doc struct {
			SubQuestions []offlineQuestion `json:"sub_questions"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		n := len(doc.SubQuestions)
		if n < b[0] || n > b[1] {
			t.Fatalf("bounds %v: got %d questions", b, n)
		}
		focus := map[string]bool{}
		for _, q := range doc.SubQuestions {
			focus[q.Focus] = true
		}
		if !focus["limitations"] || !focus["recent"] {
			t.Fatalf("bounds %v: missing coverage focus: %+v", b, doc.SubQuestions)
		}
	}
}

func TestOfflineRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err := fixedOffline().Invoke(ctx, Request{Kind: KindSearch, Context: map[string]any{CtxSubQuestion: "q"}})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestOfflineJudgeScoresEveryDimensionInScale(t *testing.T) {
	dims := []string{"comprehensiveness", "currency", "custom"}
	raw, err := fixedOffline().Invoke(context.Background(), Request{
		Kind: KindJudge,
		Context: map[string]any{
			CtxReport:     "# Title\n\n## Findings\n\nIn 2024 a study [1] found risks. We recommend more work.\n",
			CtxDimensions: dims,
			CtxScaleMin:   1.0,
			CtxScaleMax:   10.0,
		},
	})
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	var out struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, d := range dims {
		s, ok := out.Scores[d]
		if !ok || s < 1 || s > 10 {
			t.Fatalf("dimension %s: score %v present=%v", d, s, ok)
		}
	}
}

func TestOfflineSynthesizeCitesEveryFinding(t *testing.T) {
	findings := []map[string]any{
		{"sub_question_id": "sq-02", "question": "Second?", "payload": json.RawMessage(`{"summary":"two"}`)},
		{"sub_question_id": "sq-01", "question": "First?", "payload": json.RawMessage(`{"summary":"one"}`)},
	}
	raw, err := fixedOffline().Invoke(context.Background(), Request{
		Kind:    KindSynthesize,
		Context: map[string]any{CtxTopic: "t", CtxFindings: findings},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	var out struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.Body, "[sq-01]") || !strings.Contains(out.Body, "[sq-02]") {
		t.Fatalf("report does not cite findings:\n%s", out.Body)
	}
	if strings.Index(out.Body, "First?") > strings.Index(out.Body, "Second?") {
		t.Fatalf("findings should be ordered by id")
	}
}

func TestDecodeJSONObjectStripsFences(t *testing.T) {
	raw, err := decodeJSONObject("```json\n{\"a\":1}\n```")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != `{"a":1}` {
		t.Fatalf("unexpected payload %s", raw)
	}
	if _, err := decodeJSONObject("no json here"); err == nil {
		t.Fatalf("expected error for missing object")
	}
}

func TestDecodeJSONObjectSkipsProseBraces(t *testing.T) {
	raw, err := decodeJSONObject("Sure {here it is}:\n{\"body\":\"a } inside\",\"n\":[1,{\"x\":2}]}\nHope that helps {:")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw) != `{"body":"a } inside","n":[1,{"x":2}]}` {
		t.Fatalf("unexpected payload %s", raw)
	}
	if _, err := decodeJSONObject("{not json}"); err == nil || !strings.Contains(err.Error(), "not valid JSON") {
		t.Fatalf("expected invalid JSON error, got %v", err)
	}
}
