package phase

import (
	"sort"
	"strings"

	"github.com/mohammad-safakhou/deepsearch/internal/planner"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

// GapFill is the outcome of the gap-filling step.
type GapFill struct {
	// Added are new sub-questions appended to the plan.
	Added []research.SubQuestion
	// Queue is the ordered list of sub-question ids to search next.
	Queue []string
}

// PlanGapFill turns the latest evaluation into a search queue. Planned
// sub-questions named by a gap are re-searched; new gap questions become
// sub-questions with origin gap_fill as long as the plan stays within the
// tier maximum. It does no I/O.
func PlanGapFill(snap research.Snapshot) (GapFill, error) {
	_, hi, err := research.TierBounds(snap.Session.DepthTier)
	if err != nil {
		return GapFill{}, err
	}
	ev, _ := snap.LatestEvaluation()

	queued := make(map[string]bool)
	var out GapFill
	enqueue := func(id string) {
		if !queued[id] {
			queued[id] = true
			out.Queue = append(out.Queue, id)
		}
	}

	for _, g := range StructuralGaps(snap) {
		enqueue(g.SubQuestionID)
	}

	known := make(map[string]bool, len(snap.Plan))
	for _, sq := range snap.Plan {
		known[strings.ToLower(strings.TrimSpace(sq.Text))] = true
	}
	size := len(snap.Plan)
	for _, g := range ev.CoverageGaps {
		if g.SubQuestionID != "" {
			if _, ok := snap.SubQuestion(g.SubQuestionID); ok {
				enqueue(g.SubQuestionID)
			}
			continue
		}
		text := strings.TrimSpace(g.Question)
		key := strings.ToLower(text)
		if text == "" || known[key] || size >= hi {
			continue
		}
		known[key] = true
		size++
		sq := research.SubQuestion{
			ID:              planner.SubQuestionID(size),
			Text:            text,
			Focus:           planner.ClassifyFocus("", text),
			ParentSessionID: snap.Session.ID,
			Origin:          research.OriginGapFill,
		}
		out.Added = append(out.Added, sq)
		enqueue(sq.ID)
	}
	sort.SliceStable(out.Queue, func(i, j int) bool { return out.Queue[i] < out.Queue[j] })
	return out, nil
}

// Targets resolves the search queue against the plan. An empty queue
// means the whole plan.
func Targets(snap research.Snapshot) []research.SubQuestion {
	if len(snap.SearchQueue) == 0 {
		return append([]research.SubQuestion(nil), snap.Plan...)
	}
	out := make([]research.SubQuestion, 0, len(snap.SearchQueue))
	for _, id := range snap.SearchQueue {
		if sq, ok := snap.SubQuestion(id); ok {
			out = append(out, sq)
		}
	}
	return out
}
