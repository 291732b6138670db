package research

import (
	"fmt"
	"time"
)

// Status is the state of a research session.
type Status string

const (
	StatusCreated      Status = "created"
	StatusPlanning     Status = "planning"
	StatusSearching    Status = "searching"
	StatusEvaluating   Status = "evaluating"
	StatusGapFilling   Status = "gap_filling"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
)

// Terminal reports whether no further phase can run for the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Phase returns the pipeline phase name executed while in s, or "" for
// states that do not run a phase.
func (s Status) Phase() string {
	switch s {
	case StatusPlanning, StatusSearching, StatusEvaluating, StatusGapFilling, StatusSynthesizing:
		return string(s)
	}
	return ""
}

// transitions lists the successors allowed from each state. Failed and
// TimedOut are reachable from every non-terminal state.
var transitions = map[Status][]Status{
	StatusCreated:      {StatusPlanning},
	StatusPlanning:     {StatusSearching},
	StatusSearching:    {StatusEvaluating},
	StatusEvaluating:   {StatusGapFilling, StatusSynthesizing},
	StatusGapFilling:   {StatusSearching},
	StatusSynthesizing: {StatusCompleted},
	StatusCompleted:    nil,
	StatusFailed:       nil,
	StatusTimedOut:     nil,
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed || to == StatusTimedOut {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one research request. It is owned by the orchestrator and is
// never deleted once created.
type Session struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	DepthTier   int       `json:"depth_tier"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Status      Status    `json:"status"`
	OutputDir   string    `json:"output_dir"`
	GapFills    int       `json:"gap_fills"`
	FailedPhase string    `json:"failed_phase,omitempty"`
	Cause       string    `json:"cause,omitempty"`
}

// Transition records one state change in the session history.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

type tierBound struct{ min, max int }

var tierBounds = map[int]tierBound{
	1: {2, 3},
	2: {3, 5},
	3: {5, 7},
	4: {7, 10},
}

// MinDepthTier and MaxDepthTier bound the accepted depth tiers.
const (
	MinDepthTier = 1
	MaxDepthTier = 4
)

// TierBounds returns the inclusive sub-question count range for a depth tier.
func TierBounds(tier int) (int, int, error) {
	b, ok := tierBounds[tier]
	if !ok {
		return 0, 0, fmt.Errorf("%w: depth tier %d outside %d-%d", ErrInvalidInput, tier, MinDepthTier, MaxDepthTier)
	}
	return b.min, b.max, nil
}
