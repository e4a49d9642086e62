package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/config"
	"github.com/forgecrew/foreman/internal/worker"
)

// NewWorkerCmd creates the worker command
func NewWorkerCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim tasks from the queue and execute them",
		Long: `Worker starts the child tool and polls the queue for ready tasks,
executing each through the child and submitting the work result back
for review. It runs until interrupted; an in-flight task is marked
interrupted on shutdown and reclaimed by the stall janitor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(app.configPath)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel, app.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			handler := NewSignalHandler(cancel, logger)
			handler.Start()
			defer handler.Stop()

			k, err := buildKernel(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer k.shutdown(context.Background())

			agent := worker.New(k.mux, k.queue, k.bus, worker.Config{
				AgentID:       cfg.AgentID,
				WorkspacePath: cfg.WorkspacePath,
			}, logger.Named("worker"))
			handler.OnShutdown(agent.Cleanup)

			logger.Info("worker running", zap.String("agent", cfg.AgentID))
			if err := agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	return cmd
}
