package mux

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates a command exceeded its deadline and its
	// retry budget (if any) is exhausted
	ErrTimeout = errors.New("command timed out")

	// ErrCancelled indicates an explicit cancel
	ErrCancelled = errors.New("command cancelled")

	// ErrProcessUnavailable indicates the child crashed, stopped, or
	// errored while the command was pending
	ErrProcessUnavailable = errors.New("child process unavailable")

	// ErrStream indicates the child stdin was not writable at dispatch
	ErrStream = errors.New("child stdin not writable")

	// ErrClosed indicates the multiplexer has been cleaned up
	ErrClosed = errors.New("multiplexer closed")
)

// ParseError indicates a response payload was not valid JSON when JSON
// was required.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("response is not valid JSON: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
