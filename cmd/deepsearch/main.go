package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/research"
)

var version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitInvalid = 1
	exitPhase   = 2
	exitTimeout = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps command errors onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var timeout research.SessionTimeout
	var perr research.PhaseError
	var verr research.ValidationError
	switch {
	case errors.As(err, &timeout):
		return exitTimeout
	case errors.As(err, &perr), errors.As(err, &verr), errors.Is(err, research.ErrTerminal):
		return exitPhase
	}
	return exitInvalid
}

// app carries state shared by every subcommand.
type app struct {
	cfgPath string
	debug   bool
	out     io.Writer

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:           "deepsearch",
		Short:         "Multi-phase research session orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default is ./config/config.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		startSessionCMD(a),
		advanceCMD(a),
		runCMD(a),
		statusCMD(a),
		cancelCMD(a),
		listCMD(a),
		scoreCMD(a),
		compareCMD(a),
		serveCMD(a),
		mcpCMD(a),
		migrateCMD(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.LoadConfig(a.cfgPath)
	if err != nil {
		return fmt.Errorf("%w: %v", research.ErrInvalidInput, err)
	}
	a.cfg = cfg

	logger, err := buildLogger(cfg.General, a.debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

// buildLogger writes JSON logs to stderr so stdout stays parseable.
func buildLogger(cfg config.GeneralConfig, debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.OutputPaths = []string{"stderr"}
	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.Set(strings.ToLower(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("general.log_level: %w", err)
		}
	}
	if debug || cfg.Debug {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
