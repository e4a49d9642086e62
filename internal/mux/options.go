package mux

import "time"

// sendOptions collects per-command settings.
type sendOptions struct {
	timeout      time.Duration
	priority     int
	retryOnError bool
	onChunk      func(string)
}

// Option customizes a single send.
type Option func(*sendOptions)

// WithTimeout overrides the default command timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *sendOptions) {
		o.timeout = d
	}
}

// WithPriority sets the command priority. Higher numbers dispatch
// earlier; ties preserve submission order.
func WithPriority(p int) Option {
	return func(o *sendOptions) {
		o.priority = p
	}
}

// WithRetryOnError enables timeout/process-error retries for this
// command, up to the configured retry attempts.
func WithRetryOnError() Option {
	return func(o *sendOptions) {
		o.retryOnError = true
	}
}

// withChunkHandler installs a streaming chunk callback. Internal: use
// SendStream.
func withChunkHandler(fn func(string)) Option {
	return func(o *sendOptions) {
		o.onChunk = fn
	}
}

// BatchOptions controls SendBatch behavior.
type BatchOptions struct {
	// MaxConcurrency bounds simultaneous sends; 0 means 1
	MaxConcurrency int

	// StopOnError aborts the remaining batch on first failure instead
	// of recording the error in place
	StopOnError bool

	// OnProgress, when set, is called after each prompt settles with
	// (completed, total)
	OnProgress func(completed, total int)

	// Send options applied to every prompt in the batch
	Options []Option
}
