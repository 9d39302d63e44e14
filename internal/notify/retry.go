package notify

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindd/internal/eventbus"
	logx "remindd/pkg/logx"
)

// Retry state machine per receipt:
//
//	pending -> sent                      (terminal success)
//	pending -> failed, retryable         (next attempt armed on the scheduler)
//	pending -> failed, can_retry=false   (terminal: non-retryable or budget spent)
//
// The retry budget counts failed attempts; exhaustion at RetryMax flips
// can_retry off. Only when every receipt of a notification is terminally
// failed does the notification dead-letter; one terminally failed channel
// in an otherwise delivered notification stays a per-channel record.

func (d *Dispatcher) handleFailure(ctx context.Context, r *Receipt, cause error) {
	now := d.clk.Now()
	r.RetryCount++
	r.Status = ReceiptFailed
	r.FailReason = cause.Error()

	switch {
	case IsNoRetry(cause):
		r.CanRetry = false
		r.NextRetryAt = time.Time{}
	case r.RetryCount >= d.cfg.RetryMax:
		r.CanRetry = false
		r.NextRetryAt = time.Time{}
	default:
		delay := d.retryDelay(r.RetryCount, cause)
		r.NextRetryAt = now.Add(delay)
	}

	if err := d.store.UpdateReceipt(ctx, r); err != nil {
		d.log.Error("receipt update failed",
			logx.String("notification", r.NotificationID.String()),
			logx.String("channel", string(r.Channel)), logx.Err(err))
		return
	}

	if !r.CanRetry {
		d.log.Warn("channel terminally failed",
			logx.String("notification", r.NotificationID.String()),
			logx.String("channel", string(r.Channel)),
			logx.Int("retry_count", r.RetryCount),
			logx.String("reason", r.FailReason))
		d.resolve(ctx, r.NotificationID)
		return
	}

	d.log.Debug("channel retry armed",
		logx.String("notification", r.NotificationID.String()),
		logx.String("channel", string(r.Channel)),
		logx.Int("retry_count", r.RetryCount),
		logx.Time("next_retry_at", r.NextRetryAt))

	j := sendJob{notificationID: r.NotificationID, channel: r.Channel}
	d.timers.ArmFunc(r.NextRetryAt, func() { d.requeue(j) })
}

// requeue runs when a retry timer fires: the receipt returns to pending and
// the job re-enters the send queue.
func (d *Dispatcher) requeue(j sendJob) {
	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	r := d.receiptFor(ctx, j)
	if r == nil || r.Terminal() {
		return
	}
	r.Status = ReceiptPending
	r.NextRetryAt = time.Time{}
	if err := d.store.UpdateReceipt(ctx, r); err != nil {
		d.log.Error("receipt requeue persist failed",
			logx.String("notification", j.notificationID.String()),
			logx.String("channel", string(j.channel)), logx.Err(err))
		return
	}
	if err := d.enqueue(j); err != nil {
		d.log.Warn("retry enqueue failed",
			logx.String("notification", j.notificationID.String()),
			logx.String("channel", string(j.channel)), logx.Err(err))
	}
}

// retryDelay computes capped exponential backoff with jitter, honoring an
// explicit retry-after hint when the sender provided one.
func (d *Dispatcher) retryDelay(retryCount int, cause error) time.Duration {
	cfg := d.cfg

	delay, hinted := retryAfterHint(cause)
	if !hinted {
		delay = cfg.RetryBase
		for i := 1; i < retryCount; i++ {
			delay *= 2
			if delay >= cfg.RetryMaxDelay {
				break
			}
		}
	}
	if delay > cfg.RetryMaxDelay {
		delay = cfg.RetryMaxDelay
	}
	if cfg.RetryJitter > 0 {
		r := (rand.Float64()*2 - 1) * cfg.RetryJitter
		delay = time.Duration(float64(delay) * (1 + r))
		if delay < 0 {
			delay = 0
		}
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
	}
	return delay
}

// resolve recomputes the aggregate status after a receipt settles and, on
// total exhaustion, quarantines the notification exactly once.
func (d *Dispatcher) resolve(ctx context.Context, id uuid.UUID) {
	n, err := d.store.GetNotification(ctx, id)
	if err != nil || n == nil {
		return
	}
	receipts, err := d.store.ListReceipts(ctx, id)
	if err != nil {
		d.log.Warn("aggregate recompute failed",
			logx.String("notification", id.String()), logx.Err(err))
		return
	}

	agg := Aggregate(receipts)
	if agg == n.Status {
		return
	}
	if err := d.store.UpdateNotificationStatus(ctx, id, agg); err != nil {
		d.log.Error("notification status update failed",
			logx.String("notification", id.String()), logx.Err(err))
		return
	}
	d.log.Info("notification resolved",
		logx.String("notification", id.String()),
		logx.String("status", string(agg)))

	if agg != StatusFailed {
		return
	}
	d.deadLetter(ctx, n, receipts)
}

func (d *Dispatcher) deadLetter(ctx context.Context, n *Notification, receipts []*Receipt) {
	reasons := make([]string, 0, len(receipts))
	retries := 0
	for _, r := range receipts {
		if r.FailReason != "" {
			reasons = append(reasons, string(r.Channel)+": "+r.FailReason)
		}
		if r.RetryCount > retries {
			retries = r.RetryCount
		}
	}
	reason := strings.Join(reasons, "; ")

	// Snapshot enough of the original payload for manual replay.
	snapshot, _ := json.Marshal(struct {
		OwnerID  string    `json:"owner_id"`
		Title    string    `json:"title"`
		Body     string    `json:"body"`
		Channels []Channel `json:"channels"`
	}{n.OwnerID, n.Title, n.Body, n.Channels})

	dl := &DeadLetter{
		ID:             uuid.New(),
		NotificationID: n.ID,
		Reason:         reason,
		RetryCount:     retries,
		Payload:        snapshot,
		CreatedAt:      d.clk.Now(),
	}
	created, err := d.store.CreateDeadLetter(ctx, dl)
	if err != nil {
		d.log.Error("dead letter write failed",
			logx.String("notification", n.ID.String()), logx.Err(err))
		return
	}
	if !created {
		return
	}

	d.log.Warn("notification dead-lettered",
		logx.String("notification", n.ID.String()),
		logx.Int("retry_count", retries),
		logx.String("reason", reason))
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicNotificationFailed,
			Data:  FailedEvent{NotificationID: n.ID, Reason: reason},
		})
		d.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicNotificationDeadlettered,
			Data:  FailedEvent{NotificationID: n.ID, Reason: reason},
		})
	}
}
