// Package shellexec asks the supervised child to execute shell
// commands inside a workspace and returns structured output. It is the
// thin adapter the controllers use for test runs and tooling checks.
package shellexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forgecrew/foreman/internal/mux"
)

// ReadySentinel is the string the child echoes back when it is alive
// and able to execute commands.
const ReadySentinel = "FOREMAN_READY"

var (
	// ErrCliUnavailable means the availability check got no usable
	// answer from the child.
	ErrCliUnavailable = errors.New("cli unavailable")

	// ErrProtocol means the child returned non-JSON where JSON was
	// required.
	ErrProtocol = errors.New("protocol error: expected JSON reply")
)

// NonZeroExitError reports a command that ran but exited non-zero.
type NonZeroExitError struct {
	Code   int
	Stderr string
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("command exited with code %d: %s", e.Code, e.Stderr)
}

// Sender is the slice of the multiplexer the adapter consumes.
type Sender interface {
	Send(ctx context.Context, prompt string, opts ...mux.Option) (mux.Response, error)
}

// Request describes one command execution.
type Request struct {
	WorkspacePath string
	Cmd           string
	Timeout       time.Duration
	AllowedTools  []string
}

// Result is the structured outcome of one execution.
type Result struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Executor issues execution prompts through a multiplexer.
type Executor struct {
	sender Sender
	logger *zap.Logger
}

func New(sender Sender, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{sender: sender, logger: logger}
}

// Run executes req.Cmd in the workspace and decodes the JSON reply.
// A run that exits non-zero returns the decoded Result together with a
// NonZeroExitError.
func (e *Executor) Run(ctx context.Context, req Request) (Result, error) {
	opts := []mux.Option{}
	if req.Timeout > 0 {
		opts = append(opts, mux.WithTimeout(req.Timeout))
	}

	resp, err := e.sender.Send(ctx, e.prompt(req), opts...)
	if err != nil {
		return Result{}, fmt.Errorf("execute %q: %w", req.Cmd, err)
	}
	if resp.Classification != mux.ClassificationJSON {
		return Result{}, fmt.Errorf("%w, got: %s", ErrProtocol, truncate(resp.Text, 200))
	}

	var result Result
	if err := json.Unmarshal([]byte(resp.Text), &result); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	e.logger.Debug("command executed",
		zap.String("cmd", req.Cmd),
		zap.Bool("success", result.Success),
		zap.Int("exitCode", result.ExitCode))

	if !result.Success && result.ExitCode != 0 {
		return result, &NonZeroExitError{Code: result.ExitCode, Stderr: result.Error}
	}
	return result, nil
}

// Ping checks that the child tool is reachable and answering. Any
// reply not naming the sentinel fails with ErrCliUnavailable.
func (e *Executor) Ping(ctx context.Context) error {
	prompt := fmt.Sprintf("Respond with exactly %s if you are ready to execute commands.", ReadySentinel)
	resp, err := e.sender.Send(ctx, prompt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCliUnavailable, err)
	}
	if !strings.Contains(resp.Text, ReadySentinel) {
		return fmt.Errorf("%w: unexpected reply %q", ErrCliUnavailable, truncate(resp.Text, 200))
	}
	return nil
}

func (e *Executor) prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute the shell command %q in the directory %q.", req.Cmd, req.WorkspacePath)
	if len(req.AllowedTools) > 0 {
		fmt.Fprintf(&b, " You may only use these tools: %s.", strings.Join(req.AllowedTools, ", "))
	}
	b.WriteString(` Reply with a single JSON object: {"success": bool, "exitCode": int, "output": string, "error": string}.`)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
