package models

import (
	"fmt"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres. The numeric
// values are part of the poll API and must not change.
type JobStatus int

const (
	StatusWaiting  JobStatus = 0
	StatusQueued   JobStatus = 1
	StatusFailed   JobStatus = 2
	StatusRunning  JobStatus = 3
	StatusComplete JobStatus = 10
)

func (s JobStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusQueued:
		return "queued"
	case StatusFailed:
		return "failed"
	case StatusRunning:
		return "running"
	case StatusComplete:
		return "complete"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == StatusFailed || s == StatusComplete
}

// JobPriority orders eligible jobs. Higher runs first.
type JobPriority int

const (
	// PriorityDoNotProcess marks a row whose payload has not been attached yet.
	PriorityDoNotProcess JobPriority = -1
	PriorityNormal       JobPriority = 0
	PriorityElevated     JobPriority = 1
	PriorityHigh         JobPriority = 2
	PrioritySystem       JobPriority = 3
	PriorityGodMode      JobPriority = 4
)

// Valid reports whether p is one of the known priorities.
func (p JobPriority) Valid() bool {
	return p >= PriorityDoNotProcess && p <= PriorityGodMode
}

func (p JobPriority) String() string {
	switch p {
	case PriorityDoNotProcess:
		return "do_not_process"
	case PriorityNormal:
		return "normal"
	case PriorityElevated:
		return "elevated"
	case PriorityHigh:
		return "high"
	case PrioritySystem:
		return "system"
	case PriorityGodMode:
		return "god_mode"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Job represents a durable unit of work persisted in Postgres.
type Job struct {
	ID         int64       `json:"id"`
	Owner      int64       `json:"owner"`
	Status     JobStatus   `json:"status"`
	Name       string      `json:"name"`
	Payload    []byte      `json:"-"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Priority   JobPriority `json:"priority"`
	Logs       string      `json:"logs,omitempty"`
}

// NewJob is what producers hand to the enqueue gateway.
type NewJob struct {
	Owner    int64
	Name     string
	Payload  []byte
	Priority JobPriority
}

// WithoutPayload returns the metadata-only row inserted by the fast path.
func (n NewJob) WithoutPayload() NewJob {
	return NewJob{
		Owner:    n.Owner,
		Name:     n.Name,
		Priority: PriorityDoNotProcess,
	}
}
