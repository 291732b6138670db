package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/deepsearch/internal/orchestrator"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

func startSessionCMD(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start-session <topic> [depthTier]",
		Short: "Create a research session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier := 2
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("%w: depth tier %q is not a number", research.ErrInvalidInput, args[1])
				}
				tier = n
			}
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				sess, err := rt.Orchestrator.StartSession(cmd.Context(), args[0], tier)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "sessionId: %s\noutputDir: %s\n", sess.ID, sess.OutputDir)
				return nil
			})
		},
	}
}

func advanceCMD(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "advance <sessionId>",
		Short: "Run the next phase of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				res, err := rt.Orchestrator.Advance(cmd.Context(), args[0])
				if res.Session.ID != "" {
					printStep(a, res)
				}
				return err
			})
		},
	}
}

func printStep(a *app, res orchestrator.StepResult) {
	fmt.Fprintf(a.out, "status: %s\n", res.Session.Status)
	if res.Session.FailedPhase != "" || res.Session.Cause != "" {
		fmt.Fprintf(a.out, "phase: %s\ncause: %s\n", res.Session.FailedPhase, res.Session.Cause)
	}
}

func runCMD(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <sessionId>",
		Short: "Advance a session until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				sess, err := rt.Orchestrator.Run(cmd.Context(), args[0])
				if sess.ID != "" {
					printStep(a, orchestrator.StepResult{Session: sess})
					if sess.Status == research.StatusCompleted {
						fmt.Fprintf(a.out, "report: %s\n", sess.OutputDir)
					}
				}
				return err
			})
		},
	}
}

type statusView struct {
	Session     research.Session       `json:"session"`
	Seq         int                    `json:"seq"`
	Plan        []research.SubQuestion `json:"plan,omitempty"`
	Findings    int                    `json:"findings"`
	Usable      int                    `json:"usable_findings"`
	SearchQueue []string               `json:"search_queue,omitempty"`
	Report      string                 `json:"report_title,omitempty"`
	History     []research.Transition  `json:"history"`
}

func statusCMD(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <sessionId>",
		Short: "Show the latest snapshot of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				snap, err := rt.Orchestrator.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				view := statusView{
					Session:     snap.Session,
					Seq:         snap.Seq,
					Plan:        snap.Plan,
					Findings:    len(snap.Findings),
					Usable:      len(snap.UsableFindings()),
					SearchQueue: snap.SearchQueue,
					History:     snap.History,
				}
				if snap.Report != nil {
					view.Report = snap.Report.Title
				}
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}
}

func cancelCMD(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <sessionId>",
		Short: "Cancel a session that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				sess, err := rt.Orchestrator.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printStep(a, orchestrator.StepResult{Session: sess})
				return nil
			})
		},
	}
}

func listCMD(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := research.Status(status)
			if status != "" && !filter.Valid() {
				return fmt.Errorf("%w: unknown status %q", research.ErrInvalidInput, status)
			}
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				sessions, err := rt.Orchestrator.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tTIER\tUPDATED\tTOPIC")
				for _, s := range sessions {
					if status != "" && s.Status != filter {
						continue
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.ID, s.Status, s.DepthTier, s.UpdatedAt.Format("2006-01-02 15:04:05"), s.Topic)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only show sessions in this status")
	return cmd
}
