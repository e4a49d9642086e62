package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning indicates Start was called while the child is up
	ErrAlreadyRunning = errors.New("process already running")

	// ErrAlreadyStarting indicates a concurrent Start is in flight
	ErrAlreadyStarting = errors.New("process already starting")

	// ErrNotRunning indicates an operation that requires a live child
	ErrNotRunning = errors.New("process not running")
)

// SpawnError wraps a failure to launch the child process
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
