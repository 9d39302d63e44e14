package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"remindd/internal/notify"
	"remindd/internal/task"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local store (tests, running without persistence)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable record of tasks, notifications, receipts, dead
// letters and the idempotency (dedup) window.
//
// Lookups return (nil, nil) for missing rows; errors mean the store itself
// failed. Each Update writes one row atomically; that row is the unit of
// transactional consistency for its entity's state transition.
type Store interface {
	// Scheduled tasks.
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	// ListPendingTasks returns enabled, pending tasks for re-arming on start.
	ListPendingTasks(ctx context.Context) ([]*task.Task, error)

	// Notifications and per-channel receipts.
	CreateNotification(ctx context.Context, n *notify.Notification, receipts []*notify.Receipt) error
	GetNotification(ctx context.Context, id uuid.UUID) (*notify.Notification, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status notify.Status) error
	ListReceipts(ctx context.Context, notificationID uuid.UUID) ([]*notify.Receipt, error)
	UpdateReceipt(ctx context.Context, r *notify.Receipt) error

	// Dead letters. Create reports false when the notification already has
	// one, so the exactly-once invariant survives races and restarts.
	CreateDeadLetter(ctx context.Context, dl *notify.DeadLetter) (created bool, err error)
	GetDeadLetter(ctx context.Context, notificationID uuid.UUID) (*notify.DeadLetter, error)

	// Idempotency window for trigger dedup.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
