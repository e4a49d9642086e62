package supervisor

import "time"

// Status represents the lifecycle state of the supervised process
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusError      Status = "error"
	StatusRestarting Status = "restarting"
)

// ProcessInfo is a point-in-time snapshot of the supervised process
type ProcessInfo struct {
	Status       Status    `json:"status"`
	PID          int       `json:"pid,omitempty"`
	RestartCount int       `json:"restartCount"`
	ErrorCount   int       `json:"errorCount"`
	StartTime    time.Time `json:"startTime,omitempty"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}

// EventKind identifies the category of a supervisor event
type EventKind string

const (
	// EventOutput carries a chunk of child stdout, UTF-8 decoded
	EventOutput EventKind = "output"

	// EventStderr carries a chunk of child stderr, UTF-8 decoded
	EventStderr EventKind = "error"

	// EventStatus announces a status transition
	EventStatus EventKind = "status-change"

	// EventRestart announces an automatic restart attempt
	EventRestart EventKind = "restart"
)

// Event is published to subscribers on child activity and lifecycle changes.
// The supervisor performs no framing: output chunks arrive as read.
type Event struct {
	Kind     EventKind
	Text     string // EventOutput / EventStderr payload
	Status   Status // EventStatus payload
	Restarts int    // EventRestart payload
	Time     time.Time
}
