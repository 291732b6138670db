// Package worker defines the capability that turns a prompt into a
// structured payload, plus the implementations the CLI can select.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names the kind of work a request asks for.
type Kind string

const (
	KindPlan       Kind = "plan"
	KindSearch     Kind = "search"
	KindEvaluate   Kind = "evaluate"
	KindSynthesize Kind = "synthesize"
	KindJudge      Kind = "judge"
)

// ErrTimeout is wrapped by every invoker error caused by the request deadline.
var ErrTimeout = errors.New("worker timeout")

// Request is one unit of work handed to an Invoker.
type Request struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Prompt    string         `json:"prompt"`
	Context   map[string]any `json:"context,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// Invoker executes one request and returns its JSON payload. Implementations
// must honour ctx and return an error wrapping ErrTimeout when the deadline
// expires.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// withTimeout applies req.Timeout on top of any deadline ctx already carries.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// classify converts deadline failures into ErrTimeout.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// decodeJSONObject returns the first balanced JSON object in text. Models
// like to wrap payloads in code fences or prose, and the prose may itself
// contain braces, so candidates are scanned in order until one parses.
func decodeJSONObject(text string) (json.RawMessage, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "\uFEFF")
	found := false
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		obj, ok := balancedObject(text, i)
		if !ok {
			continue
		}
		found = true
		if json.Valid([]byte(obj)) {
			return json.RawMessage(obj), nil
		}
	}
	if found {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return nil, fmt.Errorf("response does not contain a JSON object")
}

// balancedObject returns text[start:] up to the brace closing text[start],
// ignoring braces inside JSON strings.
func balancedObject(text string, start int) (string, bool) {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			top := stack[len(stack)-1]
			if (top == '{') != (c == '}') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

var instructions = map[Kind]string{
	KindPlan: `You decompose a research topic into independently researchable sub-questions.
Respond ONLY with JSON: {"sub_questions":[{"text":"...","focus":"core|limitations|recent","search_strategies":["..."]}]}.
At least one sub-question must have focus "limitations" and at least one focus "recent".`,
	KindSearch: `You research one sub-question and report findings.
Respond ONLY with JSON: {"summary":"...","key_points":["..."],"sources":[{"title":"...","url":"...","published":"YYYY-MM-DD"}],"confidence":"high|medium|low"}.`,
	KindEvaluate: `You evaluate research findings against a plan and identify coverage gaps.
Respond ONLY with JSON: {"coverage_gaps":[{"sub_question_id":"sq-01","question":"...","reason":"..."}],"overall_assessment":"...","requires_gap_fill":true|false}.`,
	KindSynthesize: `You write the final research report in markdown from the supplied findings.
Respond ONLY with JSON: {"title":"...","body":"markdown report"}.`,
	KindJudge: `You are an impartial judge scoring a research report against a rubric.
Respond ONLY with JSON: {"scores":{"<dimension>":number},"rationale":"..."} using every rubric dimension.`,
}

// SystemInstruction returns the output contract for a kind.
func SystemInstruction(kind Kind) string {
	return instructions[kind]
}
