// Package task defines the work unit model shared by the boss, the
// subordinate workers, and the queue, together with the boundary
// validation that makes it trustworthy.
package task

import "time"

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the move from s to next is legal.
// Pending tasks go in-progress on assignment; in-progress tasks finish
// completed or failed; any non-terminal task may be cancelled.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusInProgress:
		return s == StatusPending
	case StatusCompleted, StatusFailed:
		return s == StatusInProgress
	case StatusCancelled:
		return true
	}
	return false
}

// Task is one unit of work. Identifiers are opaque and globally
// unique. AssignedTo and Status are the only fields that change after
// creation.
type Task struct {
	ID           string     `json:"id" validate:"notblank"`
	Title        string     `json:"title" validate:"notblank"`
	Description  string     `json:"description" validate:"notblank"`
	Priority     int        `json:"priority" validate:"gte=0"`
	Dependencies []string   `json:"dependencies,omitempty" validate:"dive,notblank"`
	AssignedTo   string     `json:"assignedTo,omitempty"`
	Status       Status     `json:"status,omitempty" validate:"omitempty,oneof=pending in-progress completed failed cancelled"`
	CreatedAt    time.Time  `json:"createdAt,omitzero"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

// Priority bands order jobs in the queue. Task priorities collapse
// into five bands; within a band dispatch is FIFO.
type Priority string

const (
	PriorityCritical   Priority = "critical"
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// QueuePriorityFor maps a numeric task priority onto a queue band.
func QueuePriorityFor(taskPriority int) Priority {
	switch {
	case taskPriority >= 9:
		return PriorityCritical
	case taskPriority >= 7:
		return PriorityHigh
	case taskPriority >= 5:
		return PriorityNormal
	case taskPriority >= 3:
		return PriorityLow
	default:
		return PriorityBackground
	}
}

// Band returns the ordering rank of the priority, lower ranks dispatch
// sooner. Unknown priorities rank with background.
func (p Priority) Band() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}
