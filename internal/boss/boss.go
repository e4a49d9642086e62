// Package boss implements the instruction side of the orchestration
// kernel: decomposing user instructions into tasks, enqueueing them in
// dependency order, and reviewing the work subordinates send back.
package boss

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/events"
	"github.com/forgecrew/foreman/internal/mux"
	"github.com/forgecrew/foreman/internal/queue"
	"github.com/forgecrew/foreman/internal/shellexec"
	"github.com/forgecrew/foreman/internal/task"
)

// TaskQueue is the enqueue surface the boss needs.
type TaskQueue interface {
	AddTask(ctx context.Context, t task.Task, opts queue.AddOptions) (string, error)
}

// Pinger is the availability check surface of the shell-exec adapter.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the boss to the rest of the kernel.
type Deps struct {
	Sender mux.Sender
	Queue  TaskQueue
	Exec   Pinger
	Bus    *events.Bus
}

// Config controls boss behavior.
type Config struct {
	AgentID       string
	WorkspacePath string

	// ToolConfigPath is where the external tool configuration JSON is
	// installed; defaults to <workspace>/.foreman/tools.json
	ToolConfigPath string

	// AllowedTools is written into the tool configuration
	AllowedTools []string

	// ReviewThreshold is the minimum score for approval (default 80)
	ReviewThreshold int

	// DependencyDelay is the readiness hint applied to tasks with
	// dependencies (default 5s); the queue's dependency gate is
	// authoritative either way
	DependencyDelay time.Duration
}

// InstructionRecord is one processed instruction and its outcome.
type InstructionRecord struct {
	ID          string
	Instruction string
	Result      task.DecompositionResult
	ReceivedAt  time.Time
}

// Boss composes the multiplexer, the queue, and the exec adapter into
// the top-level controller.
type Boss struct {
	sender mux.Sender
	queue  TaskQueue
	exec   Pinger
	bus    *events.Bus
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	instructions []InstructionRecord
	reviews      map[string][]task.ReviewResult
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Boss {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = 80
	}
	if cfg.DependencyDelay <= 0 {
		cfg.DependencyDelay = 5 * time.Second
	}
	if cfg.ToolConfigPath == "" {
		cfg.ToolConfigPath = filepath.Join(cfg.WorkspacePath, ".foreman", "tools.json")
	}
	return &Boss{
		sender:  deps.Sender,
		queue:   deps.Queue,
		exec:    deps.Exec,
		bus:     deps.Bus,
		cfg:     cfg,
		logger:  logger,
		reviews: make(map[string][]task.ReviewResult),
	}
}

// Initialize verifies the child tool, prepares the workspace and tool
// configuration, and exchanges the hello handshake.
func (b *Boss) Initialize(ctx context.Context) error {
	if err := b.exec.Ping(ctx); err != nil {
		return fmt.Errorf("availability check: %w", err)
	}

	if err := os.MkdirAll(b.cfg.WorkspacePath, 0o755); err != nil {
		return fmt.Errorf("ensure workspace %s: %w", b.cfg.WorkspacePath, err)
	}
	if err := b.installToolConfig(); err != nil {
		return err
	}

	prompt := fmt.Sprintf("You are the boss controller %q. Reply containing %s once you are ready to coordinate work.",
		b.cfg.AgentID, shellexec.ReadySentinel)
	resp, err := b.sender.Send(ctx, prompt)
	if err != nil {
		return fmt.Errorf("hello handshake: %w", err)
	}
	if !strings.Contains(resp.Text, shellexec.ReadySentinel) {
		return fmt.Errorf("hello handshake: reply missing sentinel: %q", resp.Text)
	}

	b.logger.Info("boss initialized", zap.String("workspace", b.cfg.WorkspacePath))
	return nil
}

// installToolConfig writes the external tool configuration once. An
// existing file is left untouched.
func (b *Boss) installToolConfig() error {
	if _, err := os.Stat(b.cfg.ToolConfigPath); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(b.cfg.ToolConfigPath), 0o755); err != nil {
		return fmt.Errorf("ensure tool config dir: %w", err)
	}
	payload, err := json.MarshalIndent(map[string]any{
		"version":      1,
		"allowedTools": b.cfg.AllowedTools,
		"workspace":    b.cfg.WorkspacePath,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(b.cfg.ToolConfigPath, payload, 0o644); err != nil {
		return fmt.Errorf("write tool config: %w", err)
	}
	return nil
}

// ProcessUserInstruction decomposes an instruction into validated,
// dependency-ordered tasks and records the result in history.
func (b *Boss) ProcessUserInstruction(ctx context.Context, instruction string) (task.DecompositionResult, error) {
	if strings.TrimSpace(instruction) == "" {
		return task.DecompositionResult{}, &task.ValidationError{Field: "instruction", Message: "must not be empty"}
	}

	id := uuid.NewString()
	b.emit(events.NewEvent(events.InstructionReceived, b.cfg.AgentID).WithPayload(instruction))

	result, err := mux.SendExpectingJSON[task.DecompositionResult](ctx, b.sender, decompositionPrompt(instruction))
	if err != nil {
		return task.DecompositionResult{}, fmt.Errorf("decompose instruction: %w", err)
	}
	if err := task.ValidateDecomposition(result); err != nil {
		return task.DecompositionResult{}, err
	}

	ordered, err := EnforceTaskDependencies(result.Tasks)
	if err != nil {
		return task.DecompositionResult{}, err
	}
	result.Tasks = ordered
	if result.Dependencies == nil {
		result.Dependencies = make(map[string][]string)
	}
	for _, t := range ordered {
		if len(t.Dependencies) > 0 {
			result.Dependencies[t.ID] = append([]string(nil), t.Dependencies...)
		}
	}

	b.mu.Lock()
	b.instructions = append(b.instructions, InstructionRecord{
		ID:          id,
		Instruction: instruction,
		Result:      result,
		ReceivedAt:  time.Now(),
	})
	b.mu.Unlock()

	b.emit(events.NewEvent(events.InstructionDecomposed, b.cfg.AgentID).WithPayload(len(result.Tasks)))
	b.logger.Info("instruction decomposed",
		zap.String("instruction", id),
		zap.Int("tasks", len(result.Tasks)))
	return result, nil
}

// AddTasksToQueue enqueues tasks in order. Tasks with dependencies get
// a conservative readiness delay; the queue's dependency gate remains
// authoritative.
func (b *Boss) AddTasksToQueue(ctx context.Context, tasks []task.Task) ([]string, error) {
	jobIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		opts := queue.AddOptions{}
		if len(t.Dependencies) > 0 {
			opts.Delay = b.cfg.DependencyDelay
		}
		jobID, err := b.queue.AddTask(ctx, t, opts)
		if err != nil {
			return jobIDs, fmt.Errorf("enqueue %s: %w", t.ID, err)
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}

// ReviewSubordinateWork asks the child for a structured review of a
// work result. A score under the threshold downgrades the approval.
func (b *Boss) ReviewSubordinateWork(ctx context.Context, wr task.WorkResult) (task.ReviewResult, error) {
	if err := task.ValidateWorkResult(wr); err != nil {
		return task.ReviewResult{}, err
	}

	review, err := mux.SendExpectingJSON[task.ReviewResult](ctx, b.sender, reviewPrompt(wr))
	if err != nil {
		return task.ReviewResult{}, fmt.Errorf("review %s: %w", wr.TaskID, err)
	}
	if err := task.ValidateReview(review); err != nil {
		return task.ReviewResult{}, err
	}

	if review.Approved && review.Score < b.cfg.ReviewThreshold {
		review.Approved = false
		review.Issues = append(review.Issues,
			fmt.Sprintf("score %d below approval threshold %d", review.Score, b.cfg.ReviewThreshold))
	}

	b.mu.Lock()
	b.reviews[wr.TaskID] = append(b.reviews[wr.TaskID], review)
	b.mu.Unlock()

	if review.Approved {
		b.emit(events.NewEvent(events.WorkReviewed, wr.AgentID).WithTask(wr.TaskID).WithPayload(review.Score))
	} else {
		b.emit(events.NewEvent(events.WorkRejected, wr.AgentID).WithTask(wr.TaskID).WithPayload(review.Score))
	}
	return review, nil
}

// IntegrationKind selects which test layer RunIntegrationTests drives.
type IntegrationKind string

const (
	IntegrationBackend  IntegrationKind = "backend"
	IntegrationFrontend IntegrationKind = "frontend"
	IntegrationFull     IntegrationKind = "full"
)

// RunIntegrationTests drives an integration run over the project and
// decodes the extended result.
func (b *Boss) RunIntegrationTests(ctx context.Context, projectPath string, kind IntegrationKind) (task.IntegrationTestResult, error) {
	switch kind {
	case IntegrationBackend, IntegrationFrontend, IntegrationFull:
	default:
		return task.IntegrationTestResult{}, &task.ValidationError{
			Field:   "kind",
			Message: "must be one of: backend frontend full",
		}
	}

	result, err := mux.SendExpectingJSON[task.IntegrationTestResult](ctx, b.sender, integrationPrompt(projectPath, kind))
	if err != nil {
		return task.IntegrationTestResult{}, fmt.Errorf("integration tests (%s): %w", kind, err)
	}
	if err := task.ValidateIntegrationResult(result); err != nil {
		return task.IntegrationTestResult{}, err
	}
	return result, nil
}

// RunBrowserTests drives the given browser scenarios. The result must
// carry per-scenario outcomes.
func (b *Boss) RunBrowserTests(ctx context.Context, projectPath string, scenarios []string) (task.IntegrationTestResult, error) {
	if len(scenarios) == 0 {
		return task.IntegrationTestResult{}, &task.ValidationError{Field: "scenarios", Message: "must not be empty"}
	}

	result, err := mux.SendExpectingJSON[task.IntegrationTestResult](ctx, b.sender, browserPrompt(projectPath, scenarios))
	if err != nil {
		return task.IntegrationTestResult{}, fmt.Errorf("browser tests: %w", err)
	}
	if err := task.ValidateIntegrationResult(result); err != nil {
		return task.IntegrationTestResult{}, err
	}
	if len(result.BrowserTestResults) == 0 {
		return task.IntegrationTestResult{}, &task.ValidationError{
			Field:   "browserTestResults",
			Message: "must not be empty",
		}
	}
	return result, nil
}

// Instructions returns a copy of the instruction history, oldest
// first.
func (b *Boss) Instructions() []InstructionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]InstructionRecord(nil), b.instructions...)
}

// Reviews returns the review history for a task, oldest first.
func (b *Boss) Reviews(taskID string) []task.ReviewResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]task.ReviewResult(nil), b.reviews[taskID]...)
}

func (b *Boss) emit(e events.Event) {
	if b.bus != nil {
		b.bus.Emit(e)
	}
}
