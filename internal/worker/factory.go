package worker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/config"
)

// New builds the invoker selected by cfg.Type. The offline invoker is the
// default and returns canned results, so selecting it is logged as a
// warning.
func New(ctx context.Context, cfg config.WorkerConfig, logger *zap.Logger) (Invoker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "offline":
		logger.Warn("offline worker selected; results are deterministic placeholders, set worker.type for real research",
			zap.String("worker_type", cfg.Type))
		return NewOffline(), nil
	case "openai":
		return NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.OpenAI.Temperature, cfg.OpenAI.MaxTokens, nil), nil
	case "gemini":
		return NewGemini(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	case "exec":
		if cfg.Exec.Command == "" {
			return nil, fmt.Errorf("worker.exec.command is required")
		}
		return &Exec{Command: cfg.Exec.Command, Args: cfg.Exec.Args, Dir: cfg.Exec.Dir}, nil
	}
	return nil, fmt.Errorf("unsupported worker type %q", cfg.Type)
}
