// Package task defines the task record and its status lifecycle.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusReady          Status = "ready"
	StatusRunning        Status = "running"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusFailedUpstream Status = "failed_upstream"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFailedUpstream:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusReady, StatusRunning,
		StatusCompleted, StatusFailed, StatusFailedUpstream:
		return true
	}
	return false
}

// ErrInvalidTransition is returned when a status change would violate the
// monotonic lifecycle waiting -> ready -> running -> {completed|failed}.
var ErrInvalidTransition = errors.New("invalid status transition")

// Task is one schedulable unit of work. After submission it is mutated only
// by the event dispatcher, in response to broker events.
type Task struct {
	URL        string     `json:"url"`
	Status     Status     `json:"status"`
	Payload    []byte     `json:"payload,omitempty"`
	Process    string     `json:"process,omitempty"`
	Progress   int        `json:"progress"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// rank orders the forward lifecycle chain. Terminal states are not ranked.
var rank = map[Status]int{
	StatusWaiting: 0,
	StatusReady:   1,
	StatusRunning: 2,
}

// Transition moves the task to the given status, enforcing monotonicity:
// the forward chain may only advance, failed_upstream is reachable only from
// waiting or ready, and terminal states accept no further transitions.
func (t *Task) Transition(to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal, cannot become %s", ErrInvalidTransition, t.Status, to)
	}

	switch to {
	case StatusReady:
		if t.Status != StatusWaiting {
			return transitionErr(t.Status, to)
		}
	case StatusRunning:
		if rank[t.Status] >= rank[StatusRunning] {
			return transitionErr(t.Status, to)
		}
	case StatusCompleted, StatusFailed:
		// Any non-terminal task may complete or fail.
	case StatusFailedUpstream:
		if t.Status == StatusRunning {
			return transitionErr(t.Status, to)
		}
	default:
		return transitionErr(t.Status, to)
	}

	t.Status = to
	return nil
}

func transitionErr(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		c.StartedAt = &s
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}
