package events

import (
	"fmt"
	"strings"
	"time"
)

// Event represents a single occurrence in the orchestrator lifecycle
type Event struct {
	// Time is when the event occurred (set by bus on emit)
	Time time.Time `json:"time"`

	// Type identifies what happened
	Type EventType `json:"type"`

	// Agent is the agent ID this event relates to (empty for system events)
	Agent string `json:"agent,omitempty"`

	// Task is the task ID this event relates to (empty if not task-related)
	Task string `json:"task,omitempty"`

	// Payload contains event-specific data (type varies by event)
	Payload any `json:"payload,omitempty"`

	// Error contains error message if this is a failure event
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category
type EventType string

// Queue lifecycle events
const (
	JobAdded     EventType = "job:added"
	JobAssigned  EventType = "job:assigned"
	JobCompleted EventType = "job:completed"
	JobFailed    EventType = "job:failed"
	JobReclaimed EventType = "job:reclaimed"
	QueueReady   EventType = "queue:ready"
	QueueError   EventType = "queue:error"
)

// Subordinate lifecycle events
const (
	TaskStarted     EventType = "task-started"
	TaskCompleted   EventType = "task-completed"
	TaskFailed      EventType = "task-failed"
	TaskInterrupted EventType = "task-interrupted"
)

// Boss lifecycle events
const (
	InstructionReceived  EventType = "instruction.received"
	InstructionDecomposed EventType = "instruction.decomposed"
	WorkReviewed         EventType = "work.reviewed"
	WorkRejected         EventType = "work-rejected"
)

// Supervisor lifecycle events
const (
	ProcessStarted   EventType = "process.started"
	ProcessStopped   EventType = "process.stopped"
	ProcessRestarted EventType = "process.restarted"
	ProcessErrored   EventType = "process.errored"
)

// NewEvent creates an event with the given type and agent
func NewEvent(eventType EventType, agent string) Event {
	return Event{
		Type:  eventType,
		Agent: agent,
	}
}

// WithTask returns a copy of the event with the task ID set
func (e Event) WithTask(task string) Event {
	e.Task = task
	return e
}

// WithPayload returns a copy of the event with the payload set
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure returns true if this is a failure event type
func (e Event) IsFailure() bool {
	return strings.HasSuffix(string(e.Type), "failed") || strings.HasSuffix(string(e.Type), "error")
}

// String returns a human-readable representation of the event
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Agent != "" {
		parts = append(parts, e.Agent)
	}

	if e.Task != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.Task))
	}

	return strings.Join(parts, " ")
}
