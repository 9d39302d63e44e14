package notify_test

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

// immediateTimers fires retry callbacks right away instead of waiting out the
// backoff, so the pipeline settles within the test's patience.
type immediateTimers struct {
	mu   sync.Mutex
	arms int
}

func (t *immediateTimers) ArmFunc(_ time.Time, fn func()) uuid.UUID {
	t.mu.Lock()
	t.arms++
	t.mu.Unlock()
	go fn()
	return uuid.New()
}

func (t *immediateTimers) armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.arms
}

// countingStore counts dead letters actually created (not deduplicated away).
type countingStore struct {
	storage.Store
	mu      sync.Mutex
	created int
}

func (s *countingStore) CreateDeadLetter(ctx context.Context, dl *notify.DeadLetter) (bool, error) {
	created, err := s.Store.CreateDeadLetter(ctx, dl)
	if err == nil && created {
		s.mu.Lock()
		s.created++
		s.mu.Unlock()
	}
	return created, err
}

func (s *countingStore) deadLetters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

// flakySender fails the first n sends, then succeeds.
type flakySender struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakySender) Send(context.Context, notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fails {
		return errors.New("smtp connect refused")
	}
	return nil
}

type pipeline struct {
	disp   *notify.Dispatcher
	store  *countingStore
	timers *immediateTimers
	reg    *notify.Registry
}

func newPipeline(t *testing.T, cfg notify.Config) *pipeline {
	t.Helper()
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	store := &countingStore{Store: storage.NewMemory()}
	timers := &immediateTimers{}
	reg := notify.NewRegistry()
	disp := notify.NewDispatcher(cfg, store, reg, timers, eventbus.New(), nil, logx.Nop())
	disp.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		disp.Stop(ctx)
	})
	return &pipeline{disp: disp, store: store, timers: timers, reg: reg}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (p *pipeline) receipt(t *testing.T, id uuid.UUID, ch notify.Channel) *notify.Receipt {
	t.Helper()
	receipts, err := p.store.ListReceipts(context.Background(), id)
	if err != nil {
		t.Fatalf("ListReceipts: %v", err)
	}
	for _, r := range receipts {
		if r.Channel == ch {
			return r
		}
	}
	t.Fatalf("no receipt for channel %s", ch)
	return nil
}

func TestPartialDeliveryNeverDeadLetters(t *testing.T) {
	p := newPipeline(t, notify.Config{RetryMax: 3})
	p.reg.Register(notify.ChannelDesktop, notify.SenderFunc(func(context.Context, notify.Notification) error { return nil }))
	email := &flakySender{fails: 2}
	p.reg.Register(notify.ChannelEmail, email)
	p.reg.Register(notify.ChannelSMS, notify.SenderFunc(func(context.Context, notify.Notification) error {
		return notify.NoRetry(errors.New("number opted out"))
	}))

	n, err := p.disp.Dispatch(context.Background(), notify.Request{
		OwnerID:  "owner-1",
		Title:    "standup",
		Channels: []string{"desktop", "email", "sms"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "aggregate to settle", func() bool {
		got, err := p.store.GetNotification(context.Background(), n.ID)
		return err == nil && got.Status == notify.StatusPartiallySent
	})

	if r := p.receipt(t, n.ID, notify.ChannelDesktop); r.Status != notify.ReceiptSent {
		t.Fatalf("desktop receipt = %+v, want sent", r)
	}
	r := p.receipt(t, n.ID, notify.ChannelEmail)
	if r.Status != notify.ReceiptSent || r.RetryCount != 2 {
		t.Fatalf("email receipt = %+v, want sent after 2 retries", r)
	}
	r = p.receipt(t, n.ID, notify.ChannelSMS)
	if r.Status != notify.ReceiptFailed || r.CanRetry || r.RetryCount != 1 {
		t.Fatalf("sms receipt = %+v, want terminally failed after 1 attempt", r)
	}

	// A notification that reached the owner on some channel is never
	// quarantined, no matter how the other channels ended.
	dl, err := p.store.GetDeadLetter(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if dl != nil {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
}

func TestTotalExhaustionDeadLettersOnce(t *testing.T) {
	p := newPipeline(t, notify.Config{RetryMax: 2})
	p.reg.Register(notify.ChannelEmail, notify.SenderFunc(func(context.Context, notify.Notification) error {
		return errors.New("mailbox unavailable")
	}))

	n, err := p.disp.Dispatch(context.Background(), notify.Request{
		OwnerID:  "owner-1",
		Title:    "standup",
		Channels: []string{"email"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "dead letter", func() bool {
		dl, err := p.store.GetDeadLetter(context.Background(), n.ID)
		return err == nil && dl != nil
	})

	got, err := p.store.GetNotification(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	if got.Status != notify.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	dl, _ := p.store.GetDeadLetter(context.Background(), n.ID)
	if dl.RetryCount != 2 {
		t.Fatalf("dead letter retry count = %d, want 2", dl.RetryCount)
	}
	if !strings.Contains(dl.Reason, "mailbox unavailable") {
		t.Fatalf("dead letter reason = %q", dl.Reason)
	}
	if len(dl.Payload) == 0 {
		t.Fatal("dead letter payload snapshot is empty")
	}
	if p.store.deadLetters() != 1 {
		t.Fatalf("dead letters created = %d, want 1", p.store.deadLetters())
	}
	// One retry was armed before the budget ran out.
	if p.timers.armed() != 1 {
		t.Fatalf("retry timers armed = %d, want 1", p.timers.armed())
	}
}

func TestNonRetryableSkipsRetryEntirely(t *testing.T) {
	p := newPipeline(t, notify.Config{RetryMax: 5})
	p.reg.Register(notify.ChannelSMS, notify.SenderFunc(func(context.Context, notify.Notification) error {
		return notify.NoRetry(errors.New("invalid recipient"))
	}))

	n, err := p.disp.Dispatch(context.Background(), notify.Request{
		OwnerID:  "owner-1",
		Channels: []string{"sms"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "dead letter", func() bool {
		dl, err := p.store.GetDeadLetter(context.Background(), n.ID)
		return err == nil && dl != nil
	})

	r := p.receipt(t, n.ID, notify.ChannelSMS)
	if r.RetryCount != 1 || r.CanRetry {
		t.Fatalf("receipt = %+v, want one attempt and no retry", r)
	}
	if p.timers.armed() != 0 {
		t.Fatalf("retry timers armed = %d, want 0", p.timers.armed())
	}
}

func TestStopDeadlineDoesNotStrandWorkers(t *testing.T) {
	store := &countingStore{Store: storage.NewMemory()}
	reg := notify.NewRegistry()
	disp := notify.NewDispatcher(notify.Config{Workers: 2, RatePerSec: 1000},
		store, reg, &immediateTimers{}, eventbus.New(), nil, logx.Nop())

	entered := make(chan struct{}, 1)
	reg.Register(notify.ChannelDesktop, notify.SenderFunc(func(ctx context.Context, _ notify.Notification) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return notify.NoRetry(ctx.Err())
	}))

	before := runtime.NumGoroutine()
	disp.Start(context.Background())
	if _, err := disp.Dispatch(context.Background(), notify.Request{
		OwnerID:  "owner-1",
		Channels: []string{"desktop"},
	}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	<-entered

	// An already-expired deadline forces the no-drain stop path; the workers
	// must still exit instead of blocking on the never-closed queue.
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	disp.Stop(expired)

	waitFor(t, "workers to exit", func() bool {
		return runtime.NumGoroutine() <= before+1
	})
}

func TestUnknownChannelFailsAtCreation(t *testing.T) {
	p := newPipeline(t, notify.Config{})

	n, err := p.disp.Dispatch(context.Background(), notify.Request{
		OwnerID:  "owner-1",
		Channels: []string{"pigeon"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, err := p.store.GetNotification(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetNotification: %v", err)
	}
	if got.Status != notify.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	r := p.receipt(t, n.ID, notify.Channel("pigeon"))
	if r.Status != notify.ReceiptFailed || r.CanRetry {
		t.Fatalf("receipt = %+v, want terminally failed", r)
	}
}

func TestUnknownChannelDoesNotPoisonOthers(t *testing.T) {
	p := newPipeline(t, notify.Config{})
	p.reg.Register(notify.ChannelDesktop, notify.SenderFunc(func(context.Context, notify.Notification) error { return nil }))

	n, err := p.disp.Dispatch(context.Background(), notify.Request{
		OwnerID:  "owner-1",
		Channels: []string{"pigeon", "desktop"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "aggregate to settle", func() bool {
		got, err := p.store.GetNotification(context.Background(), n.ID)
		return err == nil && got.Status == notify.StatusPartiallySent
	})
	dl, err := p.store.GetDeadLetter(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetDeadLetter: %v", err)
	}
	if dl != nil {
		t.Fatalf("unexpected dead letter: %+v", dl)
	}
}

func TestUnregisteredSenderFailsPermanently(t *testing.T) {
	p := newPipeline(t, notify.Config{RetryMax: 5})
	// Channel is valid but no sender was registered for it.

	n, err := p.disp.Dispatch(context.Background(), notify.Request{
		OwnerID:  "owner-1",
		Channels: []string{"email"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitFor(t, "receipt to settle", func() bool {
		receipts, err := p.store.ListReceipts(context.Background(), n.ID)
		if err != nil || len(receipts) == 0 {
			return false
		}
		return receipts[0].Terminal()
	})
	r := p.receipt(t, n.ID, notify.ChannelEmail)
	if r.Status != notify.ReceiptFailed || r.CanRetry || r.RetryCount != 1 {
		t.Fatalf("receipt = %+v, want one terminal failure", r)
	}
}
