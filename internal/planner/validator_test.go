package planner

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

func planOf(n int, withLimitations, withRecent bool) Document {
	var doc Document
	for i := 0; i < n; i++ {
		doc.SubQuestions = append(doc.SubQuestions, PlanQuestion{Text: fmt.Sprintf("core question %d", i), Focus: "core"})
	}
	if withLimitations && n > 0 {
		doc.SubQuestions[0] = PlanQuestion{Text: "what are the limitations?", Focus: "limitations"}
	}
	if withRecent && n > 1 {
		doc.SubQuestions[1] = PlanQuestion{Text: "what happened lately?", Focus: "recent"}
	}
	return doc
}

func TestValidateTierBounds(t *testing.T) {
	for tier := research.MinDepthTier; tier <= research.MaxDepthTier; tier++ {
		lo, hi, _ := research.TierBounds(tier)
		for n := lo; n <= hi; n++ {
			if err := Validate(planOf(n, true, true), tier); err != nil {
				t.Fatalf("tier %d with %d questions: unexpected error %v", tier, n, err)
			}
		}
		for _, n := range []int{lo - 1, hi + 1} {
			err := Validate(planOf(n, true, true), tier)
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("tier %d with %d questions: expected ValidationErrors, got %v", tier, n, err)
			}
		}
	}
}

func TestValidateRequiresCoverage(t *testing.T) {
	err := Validate(planOf(4, false, true), 2)
	if err == nil || !strings.Contains(err.Error(), "limitations") {
		t.Fatalf("expected limitations error, got %v", err)
	}
	err = Validate(planOf(4, true, false), 2)
	if err == nil || !strings.Contains(err.Error(), "recent") {
		t.Fatalf("expected recency error, got %v", err)
	}
}

func TestValidateRejectsDuplicates(t *testing.T) {
	doc := planOf(4, true, true)
	doc.SubQuestions[3].Text = strings.ToUpper(doc.SubQuestions[2].Text)
	if err := Validate(doc, 2); err == nil || !strings.Contains(err.Error(), "duplicates") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestValidateRejectsUnknownTier(t *testing.T) {
	if err := Validate(planOf(3, true, true), 9); !errors.Is(err, research.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestClassifyFocusFallsBackToText(t *testing.T) {
	cases := map[string]research.Focus{
		"What are the main criticisms of CRISPR screening?": research.FocusLimitations,
		"What changed in 2024?":                             research.FocusRecent,
		"How does it work?":                                 research.FocusCore,
	}
	for text, want := range cases {
		if got := ClassifyFocus("", text); got != want {
			t.Fatalf("%q: got %s want %s", text, got, want)
		}
	}
	if got := ClassifyFocus("Limitations", "anything"); got != research.FocusLimitations {
		t.Fatalf("declared focus should win, got %s", got)
	}
}

func TestSubQuestionsAssignsOrdinalIDs(t *testing.T) {
	sqs := SubQuestions(planOf(3, true, true), "s1")
	for i, sq := range sqs {
		if sq.ID != SubQuestionID(i+1) || sq.ParentSessionID != "s1" || sq.Origin != research.OriginPlan {
			t.Fatalf("unexpected sub-question %+v", sq)
		}
	}
	if sqs[0].ID != "sq-01" || sqs[0].Focus != research.FocusLimitations {
		t.Fatalf("unexpected first sub-question %+v", sqs[0])
	}
}
