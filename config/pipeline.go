package config

import (
	"fmt"
	"strings"
	"time"
)

// Normalize fills zero values with defaults and clamps counters to sane
// ranges. It never widens an explicit positive value.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.ConcurrencyLimit <= 0 {
		p.ConcurrencyLimit = 6
	}
	if p.PlanningTimeout <= 0 {
		p.PlanningTimeout = 120 * time.Second
	}
	if p.SearchTimeout <= 0 {
		p.SearchTimeout = 180 * time.Second
	}
	if p.EvaluationTimeout <= 0 {
		p.EvaluationTimeout = 120 * time.Second
	}
	if p.SynthesisTimeout <= 0 {
		p.SynthesisTimeout = 300 * time.Second
	}
	if p.SessionBudget <= 0 {
		p.SessionBudget = 30 * time.Minute
	}
	if p.MaxGapFills < 0 {
		p.MaxGapFills = 0
	}
	if p.PlanningRetries < 0 {
		p.PlanningRetries = 0
	}
	return p
}

// Validate ensures the pipeline configuration is coherent.
func (p PipelineConfig) Validate() error {
	if p.ConcurrencyLimit <= 0 {
		return fmt.Errorf("pipeline.concurrency_limit must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"planning_timeout":   p.PlanningTimeout,
		"search_timeout":     p.SearchTimeout,
		"evaluation_timeout": p.EvaluationTimeout,
		"synthesis_timeout":  p.SynthesisTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("pipeline.%s must be > 0", name)
		}
		if p.SessionBudget > 0 && d > p.SessionBudget {
			return fmt.Errorf("pipeline.%s (%s) exceeds session_budget (%s)", name, d, p.SessionBudget)
		}
	}
	if p.MaxGapFills > 3 {
		return fmt.Errorf("pipeline.max_gap_fills must be <= 3")
	}
	return nil
}

// Validate checks the selected worker has what it needs.
func (w WorkerConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(w.Type)) {
	case "", "offline":
		return nil
	case "openai":
		if strings.TrimSpace(w.OpenAI.APIKey) == "" {
			return fmt.Errorf("worker.openai.api_key is required")
		}
	case "gemini":
		if strings.TrimSpace(w.Gemini.APIKey) == "" {
			return fmt.Errorf("worker.gemini.api_key is required")
		}
	case "exec":
		if strings.TrimSpace(w.Exec.Command) == "" {
			return fmt.Errorf("worker.exec.command is required")
		}
	default:
		return fmt.Errorf("worker.type %q is not supported", w.Type)
	}
	return nil
}
