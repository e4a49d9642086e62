package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/forgecrew/foreman/internal/config"
	"github.com/forgecrew/foreman/internal/events"
	"github.com/forgecrew/foreman/internal/mux"
	"github.com/forgecrew/foreman/internal/queue"
	"github.com/forgecrew/foreman/internal/shellexec"
	"github.com/forgecrew/foreman/internal/supervisor"
)

// kernel bundles the runtime components shared by the boss and worker
// commands: one supervised child, the multiplexer over it, the shell
// exec adapter, the durable queue, and the event bus.
type kernel struct {
	cfg    *config.Config
	logger *zap.Logger
	bus    *events.Bus
	sup    *supervisor.Supervisor
	mux    *mux.Mux
	exec   *shellexec.Executor
	queue  *queue.Queue
}

// buildLogger creates the process logger at the configured level.
// The --verbose flag forces debug.
func buildLogger(level string, verbose bool) (*zap.Logger, error) {
	if verbose {
		level = "debug"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

// buildKernel starts the child process and connects the queue. On any
// failure everything already started is torn down before returning.
func buildKernel(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*kernel, error) {
	bus := events.NewBus()

	var env []string
	if cfg.Child.APIKey != "" {
		env = append(env, "FOREMAN_API_KEY="+cfg.Child.APIKey)
	}

	sup := supervisor.New(supervisor.Config{
		Command:          cfg.Child.Command,
		Args:             cfg.Child.Args,
		WorkspacePath:    cfg.WorkspacePath,
		Env:              env,
		MaxRetries:       cfg.Supervisor.MaxRetries,
		RestartDelay:     cfg.Supervisor.RestartDelay.Std(),
		StopGraceTimeout: cfg.Supervisor.StopGraceTimeout.Std(),
		StopKillTimeout:  cfg.Supervisor.StopKillTimeout.Std(),
	}, logger.Named("supervisor"))

	if err := sup.Start(ctx); err != nil {
		bus.Close()
		return nil, fmt.Errorf("start child process: %w", err)
	}

	m := mux.New(sup, mux.Config{
		MaxConcurrent:  cfg.Mux.MaxConcurrent,
		DefaultTimeout: cfg.Mux.DefaultTimeout.Std(),
		RetryAttempts:  cfg.Mux.RetryAttempts,
		RetryDelay:     cfg.Mux.RetryDelay.Std(),
	}, logger.Named("mux"))

	q, err := queue.New(ctx, queue.Options{
		Addr:            cfg.Redis.Addr(),
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		MaxAttempts:     cfg.Queue.MaxAttempts,
		BackoffBase:     cfg.Queue.BackoffBase.Std(),
		StallTimeout:    cfg.Queue.StallTimeout.Std(),
		ReclaimInterval: cfg.Queue.ReclaimInterval.Std(),
		Bus:             bus,
	}, logger.Named("queue"))
	if err != nil {
		m.Cleanup()
		_ = sup.Stop(context.Background())
		bus.Close()
		return nil, fmt.Errorf("connect queue: %w", err)
	}

	return &kernel{
		cfg:    cfg,
		logger: logger,
		bus:    bus,
		sup:    sup,
		mux:    m,
		exec:   shellexec.New(m, logger.Named("shellexec")),
		queue:  q,
	}, nil
}

// shutdown tears the kernel down inside out: pending commands first,
// then the child, then the store.
func (k *kernel) shutdown(ctx context.Context) {
	k.mux.Cleanup()
	if err := k.sup.Stop(ctx); err != nil {
		k.logger.Warn("child stop", zap.Error(err))
	}
	if err := k.queue.Close(); err != nil {
		k.logger.Warn("queue close", zap.Error(err))
	}
	k.bus.Close()
}
