package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig(t *testing.T, spawn Spawner) Config {
	t.Helper()
	return Config{
		Command:          "fake-cli",
		WorkspacePath:    filepath.Join(t.TempDir(), "ws"),
		MaxRetries:       2,
		RestartDelay:     10 * time.Millisecond,
		StopGraceTimeout: 50 * time.Millisecond,
		StopKillTimeout:  50 * time.Millisecond,
		Spawn:            spawn,
	}
}

// singleSpawner hands out the given children in order.
func singleSpawner(children ...*fakeChild) Spawner {
	var mu sync.Mutex
	i := 0
	return func(cfg Config) (Child, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(children) {
			return nil, errors.New("no more children")
		}
		c := children[i]
		i++
		return c, nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSupervisor_StartHappyPath(t *testing.T) {
	child := newFakeChild(101)
	child.exitOnEOF = true
	sup := New(testConfig(t, singleSpawner(child)), zap.NewNop())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("expected start to succeed, got %v", err)
	}
	defer sup.Stop(context.Background())

	if !sup.IsRunning() {
		t.Error("expected IsRunning after start")
	}

	info := sup.Info()
	if info.Status != StatusRunning {
		t.Errorf("expected running status, got %s", info.Status)
	}
	if info.PID != 101 {
		t.Errorf("expected pid 101, got %d", info.PID)
	}
	if info.StartTime.IsZero() {
		t.Error("expected start time to be set")
	}

	if err := sup.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestSupervisor_OutputAndStderrEvents(t *testing.T) {
	child := newFakeChild(1)
	child.exitOnEOF = true
	sup := New(testConfig(t, singleSpawner(child)), zap.NewNop())

	events, cancel := sup.Subscribe(16)
	defer cancel()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer sup.Stop(context.Background())

	go child.stdoutW.Write([]byte("hello from child\n"))
	go child.stderrW.Write([]byte("warning: something\n"))

	var sawOutput, sawStderr bool
	deadline := time.After(time.Second)
	for !(sawOutput && sawStderr) {
		select {
		case e := <-events:
			switch e.Kind {
			case EventOutput:
				if e.Text == "hello from child\n" {
					sawOutput = true
				}
			case EventStderr:
				if e.Text == "warning: something\n" {
					sawStderr = true
				}
			}
		case <-deadline:
			t.Fatalf("missing events: output=%v stderr=%v", sawOutput, sawStderr)
		}
	}

	waitFor(t, time.Second, func() bool { return sup.Info().ErrorCount == 1 })
	if sup.Info().LastActivity.IsZero() {
		t.Error("expected last activity to be updated")
	}
	if sup.Info().Status != StatusRunning {
		t.Error("stderr must not change status")
	}
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	spawn := func(cfg Config) (Child, error) {
		return nil, errors.New("binary not found")
	}
	sup := New(testConfig(t, spawn), zap.NewNop())

	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("expected spawn failure")
	}
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected SpawnError, got %T", err)
	}

	info := sup.Info()
	if info.ErrorCount != 1 {
		t.Errorf("expected error count 1, got %d", info.ErrorCount)
	}
	if info.Status != StatusError {
		t.Errorf("expected error status, got %s", info.Status)
	}
}

func TestSupervisor_StopGracefulViaEOF(t *testing.T) {
	child := newFakeChild(1)
	child.exitOnEOF = true
	sup := New(testConfig(t, singleSpawner(child)), zap.NewNop())

	events, cancel := sup.Subscribe(32)
	defer cancel()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if len(child.sentSignals()) != 0 {
		t.Errorf("graceful stop must not signal, got %v", child.sentSignals())
	}
	if sup.Info().Status != StatusStopped {
		t.Errorf("expected stopped, got %s", sup.Info().Status)
	}

	// Stop is idempotent and emits status-change(stopped) exactly once.
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	stoppedEvents := 0
	for len(events) > 0 {
		e := <-events
		if e.Kind == EventStatus && e.Status == StatusStopped {
			stoppedEvents++
		}
	}
	if stoppedEvents != 1 {
		t.Errorf("expected exactly one stopped status event, got %d", stoppedEvents)
	}
}

func TestSupervisor_StopEscalatesToTerm(t *testing.T) {
	child := newFakeChild(1)
	child.exitOnTerm = true // ignores EOF, dies on SIGTERM
	sup := New(testConfig(t, singleSpawner(child)), zap.NewNop())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	signals := child.sentSignals()
	if len(signals) != 1 || signals[0] != syscall.SIGTERM {
		t.Errorf("expected single SIGTERM, got %v", signals)
	}
	if child.wasKilled() {
		t.Error("kill must not fire when SIGTERM works")
	}
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	child := newFakeChild(1) // ignores EOF and SIGTERM
	sup := New(testConfig(t, singleSpawner(child)), zap.NewNop())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if !child.wasKilled() {
		t.Error("expected SIGKILL after stop timeout")
	}
	if sup.Info().Status != StatusStopped {
		t.Errorf("expected stopped, got %s", sup.Info().Status)
	}
}

func TestSupervisor_CrashRestarts(t *testing.T) {
	first := newFakeChild(1)
	second := newFakeChild(2)
	second.exitOnEOF = true
	sup := New(testConfig(t, singleSpawner(first, second)), zap.NewNop())

	events, cancel := sup.Subscribe(32)
	defer cancel()

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Crash the first child.
	first.exit(errors.New("segfault"))

	waitFor(t, 2*time.Second, func() bool {
		info := sup.Info()
		return info.Status == StatusRunning && info.PID == 2
	})

	info := sup.Info()
	if info.RestartCount != 1 {
		t.Errorf("expected restart count 1, got %d", info.RestartCount)
	}

	var sawRestart bool
	for len(events) > 0 {
		if e := <-events; e.Kind == EventRestart && e.Restarts == 1 {
			sawRestart = true
		}
	}
	if !sawRestart {
		t.Error("expected a restart event")
	}

	sup.Stop(context.Background())
}

func TestSupervisor_RestartBudgetExhausted(t *testing.T) {
	children := []*fakeChild{newFakeChild(1), newFakeChild(2), newFakeChild(3)}
	cfg := testConfig(t, singleSpawner(children...))
	cfg.MaxRetries = 2
	sup := New(cfg, zap.NewNop())

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Every child crashes immediately after coming up.
	go func() {
		for _, c := range children {
			c.exit(errors.New("crash"))
		}
	}()

	waitFor(t, 2*time.Second, func() bool { return sup.Info().Status == StatusError })

	if got := sup.Info().RestartCount; got != 2 {
		t.Errorf("expected 2 restarts before giving up, got %d", got)
	}
}

func TestSupervisor_StdinNilWhenStopped(t *testing.T) {
	child := newFakeChild(1)
	child.exitOnEOF = true
	sup := New(testConfig(t, singleSpawner(child)), zap.NewNop())

	if sup.Stdin() != nil {
		t.Error("expected nil stdin before start")
	}

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if sup.Stdin() == nil {
		t.Error("expected stdin while running")
	}

	sup.Stop(context.Background())
	if sup.Stdin() != nil {
		t.Error("expected nil stdin after stop")
	}
}
