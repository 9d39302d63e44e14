package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindd/internal/notify"
	"remindd/internal/task"
)

// memStore is a process-local Store for tests and persistence-free runs.
// It copies entities across the boundary so callers never share memory
// with the "persisted" record.
type memStore struct {
	mu sync.Mutex

	tasks         map[uuid.UUID]task.Task
	notifications map[uuid.UUID]notify.Notification
	receipts      map[uuid.UUID][]notify.Receipt
	deadLetters   map[uuid.UUID]notify.DeadLetter // keyed by notification id
	dedup         map[string]time.Time
}

func NewMemory() Store {
	return &memStore{
		tasks:         map[uuid.UUID]task.Task{},
		notifications: map[uuid.UUID]notify.Notification{},
		receipts:      map[uuid.UUID][]notify.Receipt{},
		deadLetters:   map[uuid.UUID]notify.DeadLetter{},
		dedup:         map[string]time.Time{},
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) GetTask(_ context.Context, id uuid.UUID) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := t
	return &cp, nil
}

func (s *memStore) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return task.ErrNotFound
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) ListPendingTasks(_ context.Context) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, t := range s.tasks {
		if t.Enabled && t.Status == task.StatusPending {
			cp := t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextScheduledAt.Before(out[j].NextScheduledAt)
	})
	return out, nil
}

func (s *memStore) CreateNotification(_ context.Context, n *notify.Notification, receipts []*notify.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = *n
	rs := make([]notify.Receipt, len(receipts))
	for i, r := range receipts {
		rs[i] = *r
	}
	s.receipts[n.ID] = rs
	return nil
}

func (s *memStore) GetNotification(_ context.Context, id uuid.UUID) (*notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, nil
	}
	cp := n
	return &cp, nil
}

func (s *memStore) UpdateNotificationStatus(_ context.Context, id uuid.UUID, status notify.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return notify.ErrNotFound
	}
	n.Status = status
	n.UpdatedAt = time.Now()
	s.notifications[id] = n
	return nil
}

func (s *memStore) ListReceipts(_ context.Context, notificationID uuid.UUID) ([]*notify.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.receipts[notificationID]
	out := make([]*notify.Receipt, len(rs))
	for i := range rs {
		cp := rs[i]
		out[i] = &cp
	}
	return out, nil
}

func (s *memStore) UpdateReceipt(_ context.Context, r *notify.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.receipts[r.NotificationID]
	if !ok {
		return notify.ErrNotFound
	}
	for i := range rs {
		if rs[i].Channel == r.Channel {
			rs[i] = *r
			return nil
		}
	}
	return notify.ErrNotFound
}

func (s *memStore) CreateDeadLetter(_ context.Context, dl *notify.DeadLetter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[dl.NotificationID]; ok {
		return false, nil
	}
	s.deadLetters[dl.NotificationID] = *dl
	return true, nil
}

func (s *memStore) GetDeadLetter(_ context.Context, notificationID uuid.UUID) (*notify.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[notificationID]
	if !ok {
		return nil, nil
	}
	cp := dl
	return &cp, nil
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}
