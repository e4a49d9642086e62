package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/boss"
	"github.com/forgecrew/foreman/internal/config"
	"github.com/forgecrew/foreman/internal/queue"
	"github.com/forgecrew/foreman/internal/task"
)

// resultSource is the review side of the queue the boss loop drains.
type resultSource interface {
	NextResult(ctx context.Context) (*task.WorkResult, bool, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// NewBossCmd creates the boss command
func NewBossCmd(app *App) *cobra.Command {
	var (
		instruction string
		tools       []string
		threshold   int
	)

	cmd := &cobra.Command{
		Use:   "boss",
		Short: "Decompose an instruction into tasks and review the results",
		Long: `Boss starts the child tool, decomposes the given instruction into a
dependency-ordered task list, enqueues the tasks, then reviews each
work result as subordinate workers complete them. It exits once every
task has reached a terminal state and all results are reviewed.`,
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

			b := boss.New(boss.Deps{
				Sender: k.mux,
				Queue:  k.queue,
				Exec:   k.exec,
				Bus:    k.bus,
			}, boss.Config{
				AgentID:         cfg.AgentID,
				WorkspacePath:   cfg.WorkspacePath,
				AllowedTools:    tools,
				ReviewThreshold: threshold,
			}, logger.Named("boss"))

			stats, err := runBoss(ctx, b, k.queue, instruction, 2*time.Second, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed: %d  failed: %d\n", stats.Completed, stats.Failed)
			if stats.Failed > 0 {
				return fmt.Errorf("%d task(s) failed", stats.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&instruction, "instruction", "i", "", "User instruction to decompose")
	cmd.Flags().StringSliceVar(&tools, "allow-tool", nil, "Tool name the child may use (repeatable)")
	cmd.Flags().IntVar(&threshold, "review-threshold", 0, "Minimum review score for approval (default 80)")
	_ = cmd.MarkFlagRequired("instruction")

	return cmd
}

// runBoss drives one instruction end to end: handshake, decomposition,
// enqueue, then the review loop until the queue drains.
func runBoss(ctx context.Context, b *boss.Boss, src resultSource, instruction string, poll time.Duration, logger *zap.Logger) (queue.Stats, error) {
	if err := b.Initialize(ctx); err != nil {
		return queue.Stats{}, err
	}

	dec, err := b.ProcessUserInstruction(ctx, instruction)
	if err != nil {
		return queue.Stats{}, err
	}

	jobIDs, err := b.AddTasksToQueue(ctx, dec.Tasks)
	if err != nil {
		return queue.Stats{}, err
	}
	logger.Info("tasks enqueued",
		zap.Int("count", len(jobIDs)),
		zap.String("complexity", dec.Complexity))

	for {
		wr, ok, err := src.NextResult(ctx)
		if err != nil {
			return queue.Stats{}, err
		}
		if ok {
			review, err := b.ReviewSubordinateWork(ctx, *wr)
			if err != nil {
				logger.Warn("review failed", zap.String("task", wr.TaskID), zap.Error(err))
				continue
			}
			logger.Info("work reviewed",
				zap.String("task", wr.TaskID),
				zap.Int("score", review.Score),
				zap.Bool("approved", review.Approved))
			continue
		}

		stats, err := src.Stats(ctx)
		if err != nil {
			return queue.Stats{}, err
		}
		if stats.Waiting+stats.Delayed+stats.Active == 0 {
			return stats, nil
		}

		select {
		case <-ctx.Done():
			return queue.Stats{}, ctx.Err()
		case <-time.After(poll):
		}
	}
}
