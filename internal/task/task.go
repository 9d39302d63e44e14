// Package task defines the scheduled-work aggregate owned by the scheduler.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Kind distinguishes one-shot tasks from recurring ones.
type Kind string

const (
	KindOnce      Kind = "once"
	KindRecurring Kind = "recurring"
)

// Status is the task lifecycle state.
//
// Transitions are checked by Transition; writes that bypass it are a bug.
type Status string

const (
	StatusPending   Status = "pending"
	StatusTriggered Status = "triggered"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusTriggered, StatusCancelled},
	StatusTriggered: {StatusPending, StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal status change.
// triggered -> pending is the recurring reschedule path.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payload is the opaque work description carried by a task.
// The scheduler never interprets it; the trigger handler does.
type Payload struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Channels []string `json:"channels"`
	Source   string   `json:"source,omitempty"`
}

// Task is a unit of scheduled work with a fire time and payload.
type Task struct {
	ID      uuid.UUID
	OwnerID string
	Kind    Kind
	Status  Status
	Enabled bool

	// ScheduledAt is the first requested fire time.
	ScheduledAt time.Time
	// Rule is the recurrence rule (cron or interval); empty for one-shot tasks.
	Rule string

	ExecCount       int
	LastExecutedAt  time.Time // zero = never executed
	NextScheduledAt time.Time

	Payload json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New builds a pending, enabled task firing at 'at'.
// rule is empty for one-shot tasks.
func New(ownerID string, at time.Time, rule string, payload Payload) (*Task, error) {
	kind := KindOnce
	if rule != "" {
		if _, err := ParseRule(rule); err != nil {
			return nil, err
		}
		kind = KindRecurring
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := time.Now()
	return &Task{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		Kind:            kind,
		Status:          StatusPending,
		Enabled:         true,
		ScheduledAt:     at,
		Rule:            rule,
		NextScheduledAt: at,
		Payload:         raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Transition moves the task to the given status, rejecting illegal changes.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}

// Runnable reports whether the task may still be dequeued for execution.
// Cancelled or disabled tasks must never fire.
func (t *Task) Runnable() bool {
	return t.Enabled && (t.Status == StatusPending || t.Status == StatusTriggered)
}

// DecodePayload unmarshals the opaque payload into its structured form.
func (t *Task) DecodePayload() (Payload, error) {
	var p Payload
	if len(t.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Reschedule advances a recurring task after a fire at 'fired'.
//
// It records the execution, computes the next occurrence strictly after
// 'fired' from the rule, and returns the task to pending so the scheduler
// can re-arm it. One-shot tasks complete instead.
func (t *Task) Reschedule(fired time.Time) error {
	t.ExecCount++
	t.LastExecutedAt = fired
	t.UpdatedAt = fired

	if t.Kind != KindRecurring {
		return t.Transition(StatusCompleted)
	}

	r, err := ParseRule(t.Rule)
	if err != nil {
		return fmt.Errorf("recurrence rule: %w", err)
	}
	t.NextScheduledAt = r.Next(fired)
	return t.Transition(StatusPending)
}
