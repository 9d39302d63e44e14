package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"remindd/internal/eventbus"
	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

// Schedule is the inbound entry point for upstream domain logic: persist a
// new task and arm it. The create and the arm are reconciled on restart via
// ListPendingTasks, so a crash between them loses nothing.
func (s *Service) Schedule(ctx context.Context, t *task.Task) error {
	if err := s.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	s.Arm(t)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicTaskScheduled,
			Data:  TriggerEvent{TaskID: t.ID, ScheduledAt: t.NextScheduledAt, OccurredAt: t.NextScheduledAt, Payload: t.Payload},
		})
	}
	return nil
}

// CancelTask soft-cancels a task: the persisted record transitions to
// cancelled first, then the queue entry is removed. A concurrent fire that
// already dequeued the entry observes the cancellation through its fresh
// status read and aborts, so no side effect follows a recorded cancellation.
func (s *Service) CancelTask(ctx context.Context, id uuid.UUID) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if t == nil {
		return task.ErrNotFound
	}
	switch t.Status {
	case task.StatusCancelled:
		return nil
	case task.StatusCompleted:
		return fmt.Errorf("%w: completed", task.ErrInvalidTransition)
	}
	if err := t.Transition(task.StatusCancelled); err != nil {
		return err
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("persist cancel: %w", err)
	}
	s.Cancel(id)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicTaskCancelled,
			Data:  TriggerEvent{TaskID: id},
		})
	}
	s.log.Info("task cancelled", logx.String("task", id.String()))
	return nil
}

// SetEnabled flips a task's enabled flag. Disabling removes it from the wait
// queue; enabling re-arms it at its next scheduled time.
func (s *Service) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if t == nil {
		return task.ErrNotFound
	}
	if t.Enabled == enabled {
		return nil
	}
	t.Enabled = enabled
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("persist enabled flag: %w", err)
	}
	if enabled {
		s.Arm(t)
	} else {
		s.Cancel(id)
	}
	return nil
}
