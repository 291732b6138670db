package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

func readReport(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read report: %v", research.ErrInvalidInput, err)
	}
	return string(data), nil
}

func scoreCMD(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "score <reportPath> <question>",
		Short: "Score a report against the rubric",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := readReport(args[0])
			if err != nil {
				return err
			}
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				score, err := rt.Scorer.Score(cmd.Context(), report, args[1])
				if err != nil {
					return err
				}
				return a.emitScore(cmd.Context(), rt, sessionID, score)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "persist the score under this session")
	return cmd
}

func compareCMD(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "compare <reportA> <reportB> <question>",
		Short: "A/B compare two reports and decide adoption",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			reportA, err := readReport(args[0])
			if err != nil {
				return err
			}
			reportB, err := readReport(args[1])
			if err != nil {
				return err
			}
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				score, err := rt.Scorer.CompareAB(cmd.Context(), reportA, reportB, args[2])
				if err != nil {
					return err
				}
				return a.emitScore(cmd.Context(), rt, sessionID, score)
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "persist the result under this session")
	return cmd
}

func (a *app) emitScore(ctx context.Context, rt *runtime, sessionID string, score research.JudgeScore) error {
	if sessionID != "" {
		if _, err := rt.Orchestrator.Status(ctx, sessionID); err != nil {
			return err
		}
		if err := rt.Store.SaveScore(ctx, sessionID, score); err != nil {
			return err
		}
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(score)
}
