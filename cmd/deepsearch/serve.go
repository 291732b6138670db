package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepsearch/internal/mcpserver"
	"github.com/mohammad-safakhou/deepsearch/internal/server"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
)

func serveCMD(a *app) *cobra.Command {
	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveAddr == "" {
				serveAddr = a.cfg.Server.Address
			}
			if a.cfg.Storage.Backend == "postgres" {
				if err := store.Migrate(a.cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				logger := a.logger.Named("server")
				e := server.NewRouter(a.cfg.Server, server.Deps{
					Context:  cmd.Context(),
					Sessions: rt.Orchestrator,
					Scorer:   rt.Scorer,
					Store:    rt.Store,
					Metrics:  rt.Telemetry.Handler,
					Logger:   logger,
				})
				logger.Info("listening", zap.String("addr", serveAddr))
				return server.Run(cmd.Context(), e, serveAddr, logger)
			})
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	return serve
}

func mcpCMD(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve sessions and the judge as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				srv := mcpserver.New(rt.Orchestrator, rt.Scorer, version, a.logger.Named("mcp"))
				return srv.ServeStdio()
			})
		},
	}
}

func migrateCMD(a *app) *cobra.Command {
	var direction string
	var steps int
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pg := a.cfg.Storage.Postgres
			if pg.URL == "" && pg.Host == "" {
				return fmt.Errorf("postgres not configured (storage.postgres.host or url)")
			}
			if err := store.Migrate(pg.DSN(), direction, steps); err != nil {
				return err
			}
			a.logger.Info("migrations applied", zap.String("direction", direction), zap.Int("steps", steps))
			return nil
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
