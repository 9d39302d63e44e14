package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"remindd/internal/task"
)

// Config controls the scheduler service.
type Config struct {
	Enabled bool

	// Precision bounds the gap between a task's scheduled time and its
	// actual fire time under normal load. It caps the loop's maximum
	// park time so queue mutations are observed promptly.
	Precision time.Duration

	// BatchLimit caps how many due entries one loop pass dequeues.
	BatchLimit int

	// PersistRetryBase/PersistRetryMax bound the backoff used when a
	// post-fire state write fails. The write is retried until it succeeds
	// or the scheduler stops; a task is never silently dropped.
	PersistRetryBase time.Duration
	PersistRetryMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Precision <= 0 {
		c.Precision = 50 * time.Millisecond
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 64
	}
	if c.PersistRetryBase <= 0 {
		c.PersistRetryBase = 250 * time.Millisecond
	}
	if c.PersistRetryMax <= 0 {
		c.PersistRetryMax = 5 * time.Second
	}
	return c
}

// TaskStore is the slice of persistence the scheduler needs.
// The task's status transition and its persisted record are the unit of
// consistency; Update must write the whole record atomically.
type TaskStore interface {
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	ListPendingTasks(ctx context.Context) ([]*task.Task, error)
}

// TriggerEvent is the payload published on task.triggered.
//
// ScheduledAt identifies the occurrence: it is the NextScheduledAt the task
// fired for, and stays the same if the scheduler re-fires that occurrence
// after a persist lag or a restart. OccurredAt is the fire wall time and
// differs between such re-fires; consumers keying idempotency use
// ScheduledAt, not OccurredAt.
type TriggerEvent struct {
	TaskID      uuid.UUID
	ScheduledAt time.Time
	OccurredAt  time.Time
	Payload     json.RawMessage
}

// Snapshot is a point-in-time view of the wait queue for operators.
type Snapshot struct {
	Enabled   bool
	Armed     int
	NextAt    time.Time // zero when the queue is empty
	Fired     uint64
	Discarded uint64
}
