package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrResultMismatch rejects a completion whose WorkResult names a
	// different task.
	ErrResultMismatch = errors.New("work result does not match task")

	// ErrNotActive rejects complete/fail for a job that is not
	// currently claimed.
	ErrNotActive = errors.New("job is not active")

	// ErrNotFound means no job exists for the given task id.
	ErrNotFound = errors.New("task not found in queue")

	// ErrDuplicateTask rejects adding a task id that is already
	// tracked.
	ErrDuplicateTask = errors.New("task already queued")

	// ErrClosed rejects operations after Close.
	ErrClosed = errors.New("queue is closed")
)

// StoreError wraps a Redis failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
