// Package trigger translates scheduler fire events into exactly one
// downstream dispatch per occurrence.
package trigger

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/scheduler"
	"remindd/internal/task"
	logx "remindd/pkg/logx"
)

type Config struct {
	// DedupWindow is the occurrence window within which a duplicate fire
	// of the same task is a no-op. The scheduler may double-fire when a
	// post-fire persist lags; this absorbs it.
	DedupWindow time.Duration
	Buffer      int
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 2 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 64
	}
	return c
}

// TaskStore is the authoritative task state read at trigger time.
type TaskStore interface {
	GetTask(ctx context.Context, id uuid.UUID) (*task.Task, error)
}

// DedupStore persists the idempotency window across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req notify.Request) (*notify.Notification, error)
}

type Handler struct {
	cfg Config
	log logx.Logger

	bus        eventbus.Bus
	tasks      TaskStore
	dedup      DedupStore // may be nil: fall back to the in-memory window
	dispatcher Dispatcher

	// In-memory dedup fallback (and fast path when storage is disabled).
	dmu sync.Mutex
	dm  map[string]time.Time

	unsub func()
	wg    sync.WaitGroup
}

func New(cfg Config, tasks TaskStore, dedup DedupStore, dispatcher Dispatcher, bus eventbus.Bus, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		cfg:        cfg.withDefaults(),
		log:        log,
		bus:        bus,
		tasks:      tasks,
		dedup:      dedup,
		dispatcher: dispatcher,
		dm:         map[string]time.Time{},
	}
}

func (h *Handler) Start(ctx context.Context) {
	ch, unsub := h.bus.Subscribe(h.cfg.Buffer, eventbus.TopicTaskTriggered)
	h.unsub = unsub
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				h.handle(ctx, e)
			}
		}
	}()
}

func (h *Handler) Stop() {
	if h.unsub != nil {
		h.unsub()
	}
	h.wg.Wait()
}

func (h *Handler) handle(ctx context.Context, e eventbus.Event) {
	ev, ok := e.Data.(scheduler.TriggerEvent)
	if !ok {
		return
	}
	log := h.log.With(logx.String("task", ev.TaskID.String()))

	// Key on the scheduled occurrence, not the fire wall time: a re-fire of
	// the same occurrence carries a later OccurredAt but the same ScheduledAt.
	occ := ev.ScheduledAt
	if occ.IsZero() {
		occ = ev.OccurredAt
	}
	key := dedupKey(ev.TaskID, occ)
	if h.seen(ctx, key) {
		log.Debug("duplicate trigger suppressed", logx.Time("occurrence", occ))
		return
	}

	// Fresh authoritative read: a cancellation recorded between fire and
	// handling must win before any side effect.
	t, err := h.tasks.GetTask(ctx, ev.TaskID)
	if err != nil {
		log.Warn("trigger dropped, task store unavailable", logx.Err(err))
		return
	}
	if t == nil {
		log.Warn("trigger for unknown task discarded")
		return
	}
	if t.Status == task.StatusCancelled || !t.Enabled {
		log.Info("trigger discarded, task cancelled or disabled",
			logx.String("status", string(t.Status)), logx.Bool("enabled", t.Enabled))
		return
	}

	p, err := t.DecodePayload()
	if err != nil {
		log.Error("trigger payload undecodable", logx.Err(err))
		return
	}
	if len(p.Channels) == 0 {
		log.Warn("trigger payload has no channels, nothing to dispatch")
		return
	}

	n, err := h.dispatcher.Dispatch(ctx, notify.Request{
		OwnerID:    t.OwnerID,
		Title:      p.Title,
		Body:       p.Body,
		Channels:   p.Channels,
		TaskID:     ev.TaskID,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		// The occurrence stays unmarked, so a re-fire can still deliver it.
		log.Error("dispatch failed", logx.Err(err))
		return
	}
	h.mark(ctx, key)
	log.Debug("trigger dispatched", logx.String("notification", n.ID.String()))
}

// seen reports whether the occurrence was already dispatched within the window.
func (h *Handler) seen(ctx context.Context, key string) bool {
	now := time.Now()
	if h.dedup != nil {
		if u, ok, err := h.dedup.GetDedup(ctx, key); err == nil && ok && u.After(now) {
			return true
		}
	}
	h.dmu.Lock()
	defer h.dmu.Unlock()
	u, ok := h.dm[key]
	return ok && u.After(now)
}

// mark records a successfully dispatched occurrence. The in-memory window is
// always written; the store write additionally survives a restart.
func (h *Handler) mark(ctx context.Context, key string) {
	now := time.Now()
	until := now.Add(h.cfg.DedupWindow)

	if h.dedup != nil {
		if err := h.dedup.PutDedup(ctx, key, until); err != nil {
			h.log.Warn("dedup mark not persisted", logx.Err(err))
		}
	}

	h.dmu.Lock()
	h.dm[key] = until
	// Opportunistic prune so the map stays bounded.
	if len(h.dm) > 4096 {
		for k, u := range h.dm {
			if !u.After(now) {
				delete(h.dm, k)
			}
		}
	}
	h.dmu.Unlock()
}

func dedupKey(id uuid.UUID, occurrence time.Time) string {
	return "trigger:" + id.String() + ":" + strconv.FormatInt(occurrence.UnixMilli(), 10)
}
