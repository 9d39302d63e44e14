// Package scheduler maintains the set of armed tasks and fires each at its
// scheduled time with bounded latency.
//
// One logical timer loop owns the wait queue. The queue is mutated only
// through Arm/Cancel/internal dequeue under a single critical section; an
// Arm that produces an earlier head wakes the sleeping loop so the precision
// bound holds for late additions as well.
package scheduler

import (
	"container/heap"
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"remindd/internal/clock"
	"remindd/internal/eventbus"
	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	clk   clock.Clock
	store TaskStore
	bus   eventbus.Bus

	q    waitQueue
	byID map[uuid.UUID]*entry
	seq  uint64

	// wake is a 1-buffered signal: set whenever the queue head may have
	// moved earlier, so the loop re-evaluates its park time.
	wake chan struct{}

	stopCh   chan struct{}
	stopDone chan struct{}

	fired     atomic.Uint64
	discarded atomic.Uint64
}

func New(cfg Config, store TaskStore, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		clk:   clk,
		store: store,
		bus:   bus,
		byID:  map[uuid.UUID]*entry{},
		wake:  make(chan struct{}, 1),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Start restores pending tasks from the store and runs the timer loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	s.mu.Unlock()

	if err := s.restore(ctx); err != nil {
		return err
	}

	go s.run(ctx)
	s.log.Info("scheduler started", logx.Duration("precision", s.cfg.Precision))
	return nil
}

// Stop halts the loop. Armed entries stay persisted and re-arm on next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stop := s.stopCh
	done := s.stopDone
	s.stopCh = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) restore(ctx context.Context) error {
	tasks, err := s.store.ListPendingTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		s.Arm(t)
	}
	if len(tasks) > 0 {
		s.log.Info("restored armed tasks", logx.Int("count", len(tasks)))
	}
	return nil
}

// Arm inserts a task keyed by NextScheduledAt. Disabled or cancelled tasks
// are a no-op. Arming an already-armed task moves it to its new fire time.
// Safe to call while the loop is running.
func (s *Service) Arm(t *task.Task) {
	if !t.Runnable() {
		s.log.Debug("arm skipped, task not runnable",
			logx.String("task", t.ID.String()), logx.String("status", string(t.Status)))
		return
	}
	s.mu.Lock()
	if e, ok := s.byID[t.ID]; ok {
		e.at = t.NextScheduledAt
		heap.Fix(&s.q, e.index)
	} else {
		s.seq++
		e := &entry{id: t.ID, at: t.NextScheduledAt, seq: s.seq, kind: kindTask}
		heap.Push(&s.q, e)
		s.byID[t.ID] = e
	}
	s.mu.Unlock()
	s.kick()
}

// ArmFunc arms an arbitrary callback to run at 'at' on the same wait queue.
// Retry timers reuse the scheduler's ordering and firing guarantees this way.
// The returned id can be passed to Cancel.
func (s *Service) ArmFunc(at time.Time, fn func()) uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	s.seq++
	e := &entry{id: id, at: at, seq: s.seq, kind: kindFunc, fn: fn}
	heap.Push(&s.q, e)
	s.byID[id] = e
	s.mu.Unlock()
	s.kick()
	return id
}

// Cancel removes an armed entry if it has not fired yet. For entries already
// being fired, the trigger path's fresh status read is the cancellation
// boundary; queue state alone is never trusted.
func (s *Service) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	e, ok := s.byID[id]
	if ok {
		heap.Remove(&s.q, e.index)
		delete(s.byID, id)
	}
	s.mu.Unlock()
	if ok {
		s.kick()
	}
	return ok
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled: s.cfg.Enabled,
		Armed:   len(s.q),
	}
	if len(s.q) > 0 {
		snap.NextAt = s.q[0].at
	}
	s.mu.Unlock()
	snap.Fired = s.fired.Load()
	snap.Discarded = s.discarded.Load()
	return snap
}

func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) run(ctx context.Context) {
	s.mu.Lock()
	stop := s.stopCh
	done := s.stopDone
	s.mu.Unlock()
	defer close(done)

	for {
		s.mu.Lock()
		if len(s.q) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-s.wake:
			}
			continue
		}

		now := s.clk.Now()
		head := s.q[0]
		if d := head.at.Sub(now); d > 0 {
			// Never park longer than Precision so the head is re-evaluated
			// on that cadence even without a wake.
			if d > s.cfg.Precision {
				d = s.cfg.Precision
			}
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-s.wake:
			case <-s.clk.After(d):
			}
			continue
		}

		// Dequeue everything due at or before now, bounded per pass.
		// Heap order gives scheduled-time ascending with insertion-order ties.
		batch := make([]*entry, 0, 8)
		for len(s.q) > 0 && !s.q[0].at.After(now) && len(batch) < s.cfg.BatchLimit {
			e := heap.Pop(&s.q).(*entry)
			delete(s.byID, e.id)
			batch = append(batch, e)
		}
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
			}
			s.fire(ctx, stop, e, now)
		}
	}
}

func (s *Service) fire(ctx context.Context, stop <-chan struct{}, e *entry, now time.Time) {
	if e.kind == kindFunc {
		fn := e.fn
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("timer callback panic",
						logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			fn()
		}()
		s.fired.Add(1)
		return
	}

	// Fresh status read at fire time: a racing Cancel or disable must win
	// before any side effect, regardless of queue state.
	t, err := s.store.GetTask(ctx, e.id)
	if err != nil {
		// Store unreachable: pause this entry and try again shortly rather
		// than dropping it.
		s.log.Warn("fire deferred, task store unavailable",
			logx.String("task", e.id.String()), logx.Err(err))
		s.rearmEntry(e, now.Add(s.cfg.PersistRetryBase))
		return
	}
	if t == nil || !t.Runnable() || t.Status != task.StatusPending {
		s.discarded.Add(1)
		s.log.Debug("fire discarded",
			logx.String("task", e.id.String()),
			logx.String("status", string(statusOf(t))))
		return
	}

	schedAt := t.NextScheduledAt
	lag := now.Sub(schedAt)
	payload := t.Payload

	if err := t.Transition(task.StatusTriggered); err != nil {
		s.discarded.Add(1)
		s.log.Warn("fire discarded, illegal transition", logx.String("task", t.ID.String()), logx.Err(err))
		return
	}
	if err := t.Reschedule(now); err != nil {
		// A recurring task with a rule that no longer parses cannot advance;
		// cancel it so it is not silently lost in limbo.
		s.log.Error("reschedule failed, cancelling task", logx.String("task", t.ID.String()), logx.Err(err))
		_ = t.Transition(task.StatusCancelled)
	}

	if !s.persistTask(ctx, stop, t) {
		// Stopping mid-write: the store still holds the pre-fire record, so
		// the task re-arms and refires on restart. Downstream dedup absorbs
		// the duplicate.
		return
	}

	s.fired.Add(1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicTaskTriggered,
			Time:  now,
			Data:  TriggerEvent{TaskID: t.ID, ScheduledAt: schedAt, OccurredAt: now, Payload: payload},
		})
	}
	s.log.Debug("task fired",
		logx.String("task", t.ID.String()),
		logx.Duration("lag", lag),
		logx.Int("exec_count", t.ExecCount))

	if t.Status == task.StatusPending {
		// Recurring: re-arm at the next occurrence.
		s.Arm(t)
	}
}

// persistTask writes the post-fire state, retrying with capped exponential
// backoff until it succeeds or the scheduler stops. Returns false if stopped.
func (s *Service) persistTask(ctx context.Context, stop <-chan struct{}, t *task.Task) bool {
	delay := s.cfg.PersistRetryBase
	for attempt := 1; ; attempt++ {
		err := s.store.UpdateTask(ctx, t)
		if err == nil {
			return true
		}
		s.log.Warn("post-fire persist failed, retrying",
			logx.String("task", t.ID.String()),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err))
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		case <-s.clk.After(delay):
		}
		delay *= 2
		if delay > s.cfg.PersistRetryMax {
			delay = s.cfg.PersistRetryMax
		}
	}
}

func (s *Service) rearmEntry(e *entry, at time.Time) {
	s.mu.Lock()
	if _, ok := s.byID[e.id]; !ok {
		s.seq++
		ne := &entry{id: e.id, at: at, seq: s.seq, kind: e.kind, fn: e.fn}
		heap.Push(&s.q, ne)
		s.byID[e.id] = ne
	}
	s.mu.Unlock()
	s.kick()
}

func statusOf(t *task.Task) task.Status {
	if t == nil {
		return ""
	}
	return t.Status
}
