// Package worker implements the subordinate controller: a single-task
// poll loop that claims work from the queue, drives the child through
// execution and unit tests, and submits validated results.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/events"
	"github.com/forgecrew/foreman/internal/mux"
	"github.com/forgecrew/foreman/internal/task"
)

// TaskSource is the queue surface the worker needs.
type TaskSource interface {
	GetNextTask(ctx context.Context, agentID string) (*task.Task, error)
	CompleteTask(ctx context.Context, taskID string, wr task.WorkResult) error
	FailTask(ctx context.Context, taskID string, cause error) error
}

// Config controls the worker loop.
type Config struct {
	AgentID       string
	WorkspacePath string

	// PollInterval is the back-pressure sleep when the queue is empty
	// (default 2s)
	PollInterval time.Duration
}

// Agent is one subordinate worker. It executes at most one task at a
// time.
type Agent struct {
	sender mux.Sender
	source TaskSource
	bus    *events.Bus
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	current *task.Task
}

func New(sender mux.Sender, source TaskSource, bus *events.Bus, cfg Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Agent{
		sender: sender,
		source: source,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// executionReply is the JSON shape the execution prompt pins.
type executionReply struct {
	CodeChanges []task.CodeChange `json:"codeChanges"`
	Notes       string            `json:"notes,omitempty"`
}

// FetchAndExecuteTask pulls at most one task and runs it to
// completion. Returns false when the queue had nothing claimable. An
// execution failure is reported to the queue and returned; the loop
// decides whether to keep going.
func (a *Agent) FetchAndExecuteTask(ctx context.Context) (bool, error) {
	t, err := a.source.GetNextTask(ctx, a.cfg.AgentID)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if t == nil {
		return false, nil
	}

	a.setCurrent(t)
	defer a.setCurrent(nil)

	a.emit(events.NewEvent(events.TaskStarted, a.cfg.AgentID).WithTask(t.ID))
	a.logger.Info("task started", zap.String("task", t.ID), zap.String("title", t.Title))

	wr, err := a.execute(ctx, t)
	if err != nil {
		if failErr := a.source.FailTask(ctx, t.ID, err); failErr != nil {
			a.logger.Error("could not report failure", zap.String("task", t.ID), zap.Error(failErr))
		}
		a.emit(events.NewEvent(events.TaskFailed, a.cfg.AgentID).WithTask(t.ID).WithError(err))
		return true, fmt.Errorf("execute %s: %w", t.ID, err)
	}

	if err := a.source.CompleteTask(ctx, t.ID, wr); err != nil {
		a.emit(events.NewEvent(events.TaskFailed, a.cfg.AgentID).WithTask(t.ID).WithError(err))
		return true, fmt.Errorf("complete %s: %w", t.ID, err)
	}

	a.emit(events.NewEvent(events.TaskCompleted, a.cfg.AgentID).WithTask(t.ID))
	a.logger.Info("task completed", zap.String("task", t.ID))
	return true, nil
}

// execute drives one task through the child: code changes first, then
// a unit-test pass over the changed files.
func (a *Agent) execute(ctx context.Context, t *task.Task) (task.WorkResult, error) {
	reply, err := mux.SendExpectingJSON[executionReply](ctx, a.sender, a.executionPrompt(t))
	if err != nil {
		return task.WorkResult{}, fmt.Errorf("execution prompt: %w", err)
	}
	if len(reply.CodeChanges) == 0 {
		return task.WorkResult{}, &task.ValidationError{Field: "codeChanges", Message: "must not be empty"}
	}
	if err := task.ValidateCodeChanges(reply.CodeChanges); err != nil {
		return task.WorkResult{}, err
	}

	tests, err := mux.SendExpectingJSON[task.TestResult](ctx, a.sender, a.unitTestPrompt(reply.CodeChanges))
	if err != nil {
		return task.WorkResult{}, fmt.Errorf("unit-test prompt: %w", err)
	}
	if err := task.ValidateTestResult(tests); err != nil {
		return task.WorkResult{}, err
	}
	if !tests.Passed {
		return task.WorkResult{}, fmt.Errorf("unit tests failed: %d of %d passed",
			tests.PassedTests, tests.TotalTests)
	}

	wr := task.WorkResult{
		TaskID:         t.ID,
		AgentID:        a.cfg.AgentID,
		CompletionTime: time.Now(),
		CodeChanges:    reply.CodeChanges,
		TestResults:    &tests,
	}
	if err := task.ValidateWorkResult(wr); err != nil {
		return task.WorkResult{}, err
	}
	return wr, nil
}

// Run polls until ctx is cancelled, sleeping PollInterval whenever the
// queue comes up empty. Execution errors are logged and the loop keeps
// going.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("worker loop started", zap.String("agent", a.cfg.AgentID))
	for {
		processed, err := a.FetchAndExecuteTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("task cycle failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

// Cleanup announces an interrupt for the in-flight task, if any. The
// task is not failed; the queue's stall reclaim will recycle it.
func (a *Agent) Cleanup() {
	a.mu.Lock()
	current := a.current
	a.mu.Unlock()

	if current != nil {
		a.emit(events.NewEvent(events.TaskInterrupted, a.cfg.AgentID).WithTask(current.ID))
		a.logger.Warn("task interrupted", zap.String("task", current.ID))
	}
}

// Current returns a copy of the task being executed, or nil.
func (a *Agent) Current() *task.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == nil {
		return nil
	}
	copied := *a.current
	return &copied
}

func (a *Agent) setCurrent(t *task.Task) {
	a.mu.Lock()
	a.current = t
	a.mu.Unlock()
}

func (a *Agent) emit(e events.Event) {
	if a.bus != nil {
		a.bus.Emit(e)
	}
}

func (a *Agent) executionPrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute this task in the workspace %q.\n", a.cfg.WorkspacePath)
	fmt.Fprintf(&b, "Task %s: %s\n%s\n", t.ID, t.Title, t.Description)
	b.WriteString("Reply with a single JSON object of the shape ")
	b.WriteString(`{"codeChanges": [{"filePath": string, "action": "create"|"update"|"delete", "content": string, "diff": string}], "notes": string}.`)
	return b.String()
}

func (a *Agent) unitTestPrompt(changes []task.CodeChange) string {
	files := make([]string, len(changes))
	for i, c := range changes {
		files[i] = c.FilePath
	}
	payload, _ := json.Marshal(files)

	var b strings.Builder
	fmt.Fprintf(&b, "Run the unit tests covering these changed files in %q: %s. ", a.cfg.WorkspacePath, payload)
	b.WriteString("Reply with a single JSON object of the shape ")
	b.WriteString(`{"testType": "unit", "passed": bool, "totalTests": int, "passedTests": int, "failedTests": int, "executionTime": number, "details": [{"name": string, "passed": bool, "duration": number, "error": string}]}.`)
	return b.String()
}
