package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/config"
	"github.com/forgecrew/foreman/internal/queue"
)

// NewStatusCmd creates the status command
func NewStatusCmd(app *App) *cobra.Command {
	var listJobs bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue statistics",
		Long: `Status connects to the queue store and prints a point-in-time census
of jobs per state. It does not start the child tool.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(app.configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			q, err := queue.New(ctx, queue.Options{
				Addr:        cfg.Redis.Addr(),
				Password:    cfg.Redis.Password,
				DB:          cfg.Redis.DB,
				MaxAttempts: cfg.Queue.MaxAttempts,
				// Read-only view; leave promotion and reclaim to the
				// running controllers.
				ReclaimInterval: 0,
			}, zap.NewNop())
			if err != nil {
				return fmt.Errorf("connect queue: %w", err)
			}
			defer func() { _ = q.Close() }()

			stats, err := q.Stats(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "waiting:   %d\n", stats.Waiting)
			fmt.Fprintf(out, "delayed:   %d\n", stats.Delayed)
			fmt.Fprintf(out, "active:    %d\n", stats.Active)
			fmt.Fprintf(out, "completed: %d\n", stats.Completed)
			fmt.Fprintf(out, "failed:    %d\n", stats.Failed)
			fmt.Fprintf(out, "results:   %d\n", stats.Results)

			if !listJobs {
				return nil
			}

			jobs, err := q.AllTasks(ctx)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(out, "%-12s %-10s attempts=%d/%d %s %s\n",
					j.Task.ID, j.State, j.Attempts, j.MaxAttempts, j.AssignedTo, j.Task.Title)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&listJobs, "jobs", false, "List every job with its state")

	return cmd
}
