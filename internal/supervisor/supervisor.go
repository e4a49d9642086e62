// Package supervisor owns the lifecycle of one long-lived external
// interactive CLI process: spawn, stdio event publication, crash
// restart with back-off, and graceful stop escalation.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config controls child process lifecycle policy.
type Config struct {
	// Command is the CLI binary path or name
	Command string

	// Args are passed to the child at spawn
	Args []string

	// WorkspacePath is created recursively if missing and used as the
	// child's working directory
	WorkspacePath string

	// Env entries are appended to the inherited environment
	// (external tool API key pass-through goes here)
	Env []string

	// MaxRetries caps automatic restarts after unexpected exits
	MaxRetries int

	// RestartDelay is the fixed wait before each automatic restart
	RestartDelay time.Duration

	// StopGraceTimeout is how long to wait after stdin EOF before SIGTERM
	StopGraceTimeout time.Duration

	// StopKillTimeout is how long to wait after SIGTERM before SIGKILL
	StopKillTimeout time.Duration

	// Spawn overrides process creation. Nil uses os/exec.
	Spawn Spawner
}

// Supervisor starts, stops, and restarts exactly one child process and
// publishes output, stderr, status-change, and restart events.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	status        Status
	starting      bool
	stopRequested bool
	proc          Child
	exited        chan struct{}

	pid          int
	restartCount int
	errorCount   int
	startTime    time.Time
	lastActivity time.Time

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a supervisor for the given child configuration.
func New(cfg Config, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Spawn == nil {
		cfg.Spawn = execSpawn
	}
	return &Supervisor{
		cfg:    cfg,
		status: StatusStopped,
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers an event channel with the given buffer capacity.
// Delivery never blocks: a full subscriber loses its oldest event.
// The returned cancel removes the subscription and closes the channel.
func (s *Supervisor) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, buffer)
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (s *Supervisor) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// setStatusLocked transitions status and emits a status-change event
// exactly once per transition. Caller holds s.mu.
func (s *Supervisor) setStatusLocked(status Status) {
	if s.status == status {
		return
	}
	s.status = status
	s.logger.Debug("status change", zap.String("status", string(status)))
	s.emit(Event{Kind: EventStatus, Status: status})
}

// Start spawns the child and resolves once the platform reports it up.
// Fails with ErrAlreadyStarting if a concurrent start is in flight and
// ErrAlreadyRunning if the process is not in a startable state.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		return ErrAlreadyStarting
	}
	switch s.status {
	case StatusStopped, StatusError:
	default:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.starting = true
	s.stopRequested = false
	s.setStatusLocked(StatusStarting)
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.starting = false
		s.errorCount++
		s.setStatusLocked(StatusError)
		s.mu.Unlock()
		return err
	}

	if err := os.MkdirAll(s.cfg.WorkspacePath, 0o755); err != nil {
		return fail(fmt.Errorf("failed to create workspace %s: %w", s.cfg.WorkspacePath, err))
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if err := s.spawn(); err != nil {
		return fail(&SpawnError{Command: s.cfg.Command, Err: err})
	}

	s.mu.Lock()
	s.starting = false
	s.setStatusLocked(StatusRunning)
	s.mu.Unlock()

	s.logger.Info("child process started",
		zap.String("command", s.cfg.Command),
		zap.Int("pid", s.Info().PID))
	return nil
}

// spawn launches a child instance and wires its stdio readers and waiter.
func (s *Supervisor) spawn() error {
	proc, err := s.cfg.Spawn(s.cfg)
	if err != nil {
		return err
	}

	exited := make(chan struct{})

	s.mu.Lock()
	s.proc = proc
	s.exited = exited
	s.pid = proc.Pid()
	s.startTime = time.Now()
	s.mu.Unlock()

	go s.readLoop(proc.Stdout(), EventOutput)
	go s.readLoop(proc.Stderr(), EventStderr)
	go s.waitLoop(proc, exited)
	return nil
}

// readLoop converts raw child output bytes to UTF-8 strings and emits
// them unframed.
func (s *Supervisor) readLoop(r io.Reader, kind EventKind) {
	if r == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.lastActivity = time.Now()
			if kind == EventStderr {
				s.errorCount++
			}
			s.mu.Unlock()
			s.emit(Event{Kind: kind, Text: string(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the child and drives crash restart policy.
func (s *Supervisor) waitLoop(proc Child, exited chan struct{}) {
	err := proc.Wait()
	close(exited)

	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.pid = 0

	if s.stopRequested || s.status != StatusRunning {
		// Stop() owns the transition to stopped.
		s.mu.Unlock()
		return
	}

	s.logger.Warn("child exited unexpectedly", zap.Error(err))

	if s.restartCount >= s.cfg.MaxRetries {
		s.setStatusLocked(StatusError)
		s.mu.Unlock()
		return
	}

	s.setStatusLocked(StatusRestarting)
	s.restartCount++
	attempt := s.restartCount
	s.mu.Unlock()

	s.emit(Event{Kind: EventRestart, Restarts: attempt})
	time.Sleep(s.cfg.RestartDelay)

	s.mu.Lock()
	if s.stopRequested {
		s.setStatusLocked(StatusStopped)
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(StatusStarting)
	s.mu.Unlock()

	if err := s.spawn(); err != nil {
		s.logger.Error("restart spawn failed", zap.Error(err))
		s.mu.Lock()
		s.errorCount++
		s.setStatusLocked(StatusError)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.setStatusLocked(StatusRunning)
	s.mu.Unlock()
}

// Stop shuts the child down: stdin EOF first, SIGTERM after the grace
// window, SIGKILL after the stop timeout. Idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	proc := s.proc
	exited := s.exited
	s.mu.Unlock()

	if proc == nil {
		s.mu.Lock()
		s.setStatusLocked(StatusStopped)
		s.mu.Unlock()
		return nil
	}

	// Graceful: EOF on stdin means shutdown.
	if stdin := proc.Stdin(); stdin != nil {
		_ = stdin.Close()
	}

	if !waitExit(ctx, exited, s.cfg.StopGraceTimeout) {
		s.logger.Debug("grace window elapsed, sending SIGTERM")
		_ = proc.Signal(syscall.SIGTERM)

		if !waitExit(ctx, exited, s.cfg.StopKillTimeout) {
			s.logger.Warn("stop timeout elapsed, sending SIGKILL")
			_ = proc.Kill()
			select {
			case <-exited:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.mu.Lock()
	s.setStatusLocked(StatusStopped)
	s.mu.Unlock()
	return nil
}

// Restart stops the child if needed and starts it again.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// IsRunning reports whether the child is currently up.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusRunning
}

// Stdin returns the child's stdin writer, or nil when not running.
func (s *Supervisor) Stdin() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning || s.proc == nil {
		return nil
	}
	return s.proc.Stdin()
}

// Info returns a snapshot of the process state.
func (s *Supervisor) Info() ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ProcessInfo{
		Status:       s.status,
		PID:          s.pid,
		RestartCount: s.restartCount,
		ErrorCount:   s.errorCount,
		StartTime:    s.startTime,
		LastActivity: s.lastActivity,
	}
}

func waitExit(ctx context.Context, exited <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-exited:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
