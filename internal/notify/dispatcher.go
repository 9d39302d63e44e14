package notify

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"remindd/internal/clock"
	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

// Config controls the dispatch pipeline.
type Config struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration

	// RatePerSec bounds sends per channel (token bucket, burst = rate).
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	return c
}

// Store is the slice of persistence the pipeline needs.
type Store interface {
	CreateNotification(ctx context.Context, n *Notification, receipts []*Receipt) error
	GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error)
	UpdateNotificationStatus(ctx context.Context, id uuid.UUID, status Status) error
	ListReceipts(ctx context.Context, notificationID uuid.UUID) ([]*Receipt, error)
	UpdateReceipt(ctx context.Context, r *Receipt) error
	CreateDeadLetter(ctx context.Context, dl *DeadLetter) (bool, error)
}

// RetryTimers is how the pipeline schedules future re-send attempts.
// A retry is just another timed entry on the priority queue scheduler,
// reusing its ordering and firing guarantees.
type RetryTimers interface {
	ArmFunc(at time.Time, fn func()) uuid.UUID
}

// Request describes one notification to fan out.
type Request struct {
	OwnerID  string
	Title    string
	Body     string
	Channels []string

	// Linkage back to the originating task occurrence.
	TaskID     uuid.UUID
	OccurredAt time.Time
}

type sendJob struct {
	notificationID uuid.UUID
	channel        Channel
}

// Dispatcher creates Notification aggregates and fans sends out across
// channels. Channels proceed independently and concurrently; a slow or
// failing channel never blocks the others.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	log    logx.Logger
	bus    eventbus.Bus
	store  Store
	reg    *Registry
	timers RetryTimers
	clk    clock.Clock

	// One token bucket per channel so a throttled provider only slows
	// its own channel.
	limiters map[Channel]*rate.Limiter

	queue     chan sendJob
	accepting bool
	sendWG    sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	stopDone  chan struct{}
	drainOnce sync.Once
}

func NewDispatcher(cfg Config, store Store, reg *Registry, timers RetryTimers, bus eventbus.Bus, clk clock.Clock, log logx.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.System()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		store:    store,
		reg:      reg,
		timers:   timers,
		clk:      clk,
		limiters: map[Channel]*rate.Limiter{},
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.queue != nil {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan sendJob, d.cfg.QueueSize)
	d.accepting = true
	d.stopDone = make(chan struct{})
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	workers := d.cfg.Workers
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		d.workerWG.Add(1)
		go func() {
			defer d.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in dispatch worker",
						logx.Int("worker", i), logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			d.workerLoop()
		}()
	}
	d.log.Info("dispatcher started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	q := d.queue
	done := d.stopDone
	cancel := d.runCancel
	if q == nil {
		d.mu.Unlock()
		return
	}
	d.accepting = false
	d.mu.Unlock()

	// Wait for in-flight enqueues, then close the queue so workers drain.
	ch := make(chan struct{})
	go func() {
		d.sendWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		cancel()
		return
	case <-ch:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	d.drainOnce.Do(func() {
		go func() {
			d.workerWG.Wait()
			close(done)
		}()
	})
	select {
	case <-ctx.Done():
		cancel()
	case <-done:
		cancel()
	}
	d.log.Info("dispatcher stopped")
}

// Dispatch creates the Notification with one pending receipt per channel and
// enqueues the per-channel sends. Unknown channels fail permanently at
// creation (configuration error, not transient).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Notification, error) {
	now := d.clk.Now()
	n := &Notification{
		ID:         uuid.New(),
		OwnerID:    req.OwnerID,
		Title:      req.Title,
		Body:       req.Body,
		Status:     StatusPending,
		TaskID:     req.TaskID,
		OccurredAt: req.OccurredAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	receipts := make([]*Receipt, 0, len(req.Channels))
	var jobs []sendJob
	for _, raw := range req.Channels {
		ch, err := ParseChannel(raw)
		if err != nil {
			// Keep the receipt so the failure is visible and auditable.
			receipts = append(receipts, &Receipt{
				NotificationID: n.ID,
				Channel:        Channel(raw),
				Status:         ReceiptFailed,
				CanRetry:       false,
				FailReason:     err.Error(),
			})
			n.Channels = append(n.Channels, Channel(raw))
			continue
		}
		receipts = append(receipts, &Receipt{
			NotificationID: n.ID,
			Channel:        ch,
			Status:         ReceiptPending,
			CanRetry:       true,
		})
		n.Channels = append(n.Channels, ch)
		jobs = append(jobs, sendJob{notificationID: n.ID, channel: ch})
	}

	if err := d.store.CreateNotification(ctx, n, receipts); err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		// Nothing sendable: the aggregate resolves immediately.
		d.resolve(ctx, n.ID)
		return n, nil
	}

	for _, j := range jobs {
		if err := d.enqueue(j); err != nil {
			d.log.Warn("dispatch enqueue failed",
				logx.String("notification", j.notificationID.String()),
				logx.String("channel", string(j.channel)),
				logx.Err(err))
			d.failReceipt(ctx, j, err)
		}
	}
	return n, nil
}

func (d *Dispatcher) enqueue(j sendJob) error {
	d.mu.Lock()
	if d.queue == nil || !d.accepting {
		d.mu.Unlock()
		return ErrStopped
	}
	q := d.queue
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	select {
	case q <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// workerLoop drains the queue until it closes or the run context is
// cancelled. The context case matters on the Stop-timeout path, where the
// queue is never closed.
func (d *Dispatcher) workerLoop() {
	for {
		select {
		case <-d.runCtx.Done():
			return
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(d.runCtx, j)
		}
	}
}

func (d *Dispatcher) limiter(ch Channel) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[ch]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.RatePerSec)
		d.limiters[ch] = lim
	}
	return lim
}

func (d *Dispatcher) process(ctx context.Context, j sendJob) {
	if err := d.limiter(j.channel).Wait(ctx); err != nil {
		return
	}

	n, err := d.store.GetNotification(ctx, j.notificationID)
	if err != nil || n == nil {
		d.log.Warn("send skipped, notification unavailable",
			logx.String("notification", j.notificationID.String()), logx.Err(err))
		return
	}
	r := d.receiptFor(ctx, j)
	if r == nil || r.Terminal() {
		return
	}

	sender, err := d.reg.Lookup(j.channel)
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
		err = sender.Send(sendCtx, *n)
		cancel()
	}

	if err != nil {
		d.handleFailure(ctx, r, err)
		return
	}

	r.Status = ReceiptSent
	r.SentAt = d.clk.Now()
	r.NextRetryAt = time.Time{}
	if uerr := d.store.UpdateReceipt(ctx, r); uerr != nil {
		d.log.Error("receipt update failed after send",
			logx.String("notification", r.NotificationID.String()),
			logx.String("channel", string(r.Channel)), logx.Err(uerr))
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicNotificationSent,
			Data:  SentEvent{NotificationID: r.NotificationID, Channel: r.Channel},
		})
	}
	d.log.Debug("channel sent",
		logx.String("notification", r.NotificationID.String()),
		logx.String("channel", string(r.Channel)),
		logx.Int("attempts", r.RetryCount+1))
	d.resolve(ctx, r.NotificationID)
}

func (d *Dispatcher) receiptFor(ctx context.Context, j sendJob) *Receipt {
	receipts, err := d.store.ListReceipts(ctx, j.notificationID)
	if err != nil {
		d.log.Warn("receipt load failed",
			logx.String("notification", j.notificationID.String()), logx.Err(err))
		return nil
	}
	for _, r := range receipts {
		if r.Channel == j.channel {
			return r
		}
	}
	return nil
}

func (d *Dispatcher) failReceipt(ctx context.Context, j sendJob, cause error) {
	if r := d.receiptFor(ctx, j); r != nil && !r.Terminal() {
		d.handleFailure(ctx, r, cause)
	}
}

// SentEvent is the payload for notification.sent.
type SentEvent struct {
	NotificationID uuid.UUID
	Channel        Channel
}

// FailedEvent is the payload for notification.failed and
// notification.deadlettered.
type FailedEvent struct {
	NotificationID uuid.UUID
	Reason         string
}
