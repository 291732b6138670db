package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// ValidationErrors lists every rule a plan broke.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return strings.Join(v, "; ")
}

var (
	limitationsRe = regexp.MustCompile(`(?i)\b(limitation|limitations|criticism|criticisms|critique|drawback|drawbacks|risk|risks|challenge|challenges|weakness|weaknesses)\b`)
	recentRe      = regexp.MustCompile(`(?i)\b(recent|recently|latest|emerging|new developments|20[2-9][0-9])\b`)
)

// ClassifyFocus maps a declared focus to a research focus. An empty or
// unknown declaration falls back to keywords in the question text.
func ClassifyFocus(declared, text string) research.Focus {
	switch strings.ToLower(strings.TrimSpace(declared)) {
	case "limitations", "limitation", "criticism", "criticisms", "risks":
		return research.FocusLimitations
	case "recent", "recency", "recent_developments", "developments":
		return research.FocusRecent
	case "core":
		return research.FocusCore
	}
	switch {
	case limitationsRe.MatchString(text):
		return research.FocusLimitations
	case recentRe.MatchString(text):
		return research.FocusRecent
	}
	return research.FocusCore
}

// Validate checks the count bound for tier and the coverage rules.
func Validate(doc Document, tier int) error {
	lo, hi, err := research.TierBounds(tier)
	if err != nil {
		return err
	}
	var errs ValidationErrors
	n := len(doc.SubQuestions)
	if n < lo || n > hi {
		errs = append(errs, fmt.Sprintf("tier %d requires %d-%d sub-questions, got %d", tier, lo, hi, n))
	}
	seen := make(map[string]bool, n)
	var limitations, recent bool
	for i, q := range doc.SubQuestions {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			errs = append(errs, fmt.Sprintf("sub-question %d is empty", i+1))
			continue
		}
		key := strings.ToLower(text)
		if seen[key] {
			errs = append(errs, fmt.Sprintf("sub-question %d duplicates an earlier question", i+1))
		}
		seen[key] = true
		switch ClassifyFocus(q.Focus, text) {
		case research.FocusLimitations:
			limitations = true
		case research.FocusRecent:
			recent = true
		}
	}
	if !limitations {
		errs = append(errs, "no sub-question targets criticisms or limitations")
	}
	if !recent {
		errs = append(errs, "no sub-question targets recent developments")
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SubQuestionID returns the ordinal id for position n (1-based).
func SubQuestionID(n int) string {
	return fmt.Sprintf("sq-%02d", n)
}

// SubQuestions assigns ordinal ids and converts a validated plan.
func SubQuestions(doc Document, sessionID string) []research.SubQuestion {
	out := make([]research.SubQuestion, 0, len(doc.SubQuestions))
	for i, q := range doc.SubQuestions {
		out = append(out, research.SubQuestion{
			ID:               SubQuestionID(i + 1),
			Text:             strings.TrimSpace(q.Text),
			SearchStrategies: append([]string(nil), q.SearchStrategies...),
			Focus:            ClassifyFocus(q.Focus, q.Text),
			ParentSessionID:  sessionID,
			Origin:           research.OriginPlan,
		})
	}
	return out
}
