// Package notify implements the multi-channel notification delivery pipeline:
// dispatch fan-out, per-channel retry state, and dead-letter quarantine.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("notification not found")

// Channel is a delivery medium. The set is closed: senders are registered
// per channel at construction time, never looked up dynamically.
type Channel string

const (
	ChannelDesktop Channel = "desktop"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
)

// ParseChannel validates a channel name from an opaque task payload.
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelDesktop, ChannelEmail, ChannelSMS:
		return Channel(s), nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Status is the notification aggregate state.
type Status string

const (
	StatusPending       Status = "pending"
	StatusSent          Status = "sent"
	StatusPartiallySent Status = "partially-sent"
	StatusFailed        Status = "failed"
)

// ReceiptStatus is the per-channel delivery state.
type ReceiptStatus string

const (
	ReceiptPending ReceiptStatus = "pending"
	ReceiptSent    ReceiptStatus = "sent"
	ReceiptFailed  ReceiptStatus = "failed"
)

// Notification is the fan-out aggregate created per trigger.
type Notification struct {
	ID      uuid.UUID
	OwnerID string
	Title   string
	Body    string

	Channels []Channel
	Status   Status

	// Linkage back to the originating scheduled task and occurrence.
	TaskID     uuid.UUID
	OccurredAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Receipt records one channel's delivery outcome for a notification.
// Keyed by (NotificationID, Channel).
type Receipt struct {
	NotificationID uuid.UUID
	Channel        Channel

	Status     ReceiptStatus
	RetryCount int
	CanRetry   bool
	FailReason string

	SentAt      time.Time // zero until sent
	NextRetryAt time.Time // set only while failed and retryable
}

// Terminal reports whether the receipt can no longer change state.
func (r *Receipt) Terminal() bool {
	if r.Status == ReceiptSent {
		return true
	}
	return r.Status == ReceiptFailed && !r.CanRetry
}

// DeadLetter quarantines a notification whose every channel terminally failed.
// Immutable once written.
type DeadLetter struct {
	ID             uuid.UUID
	NotificationID uuid.UUID
	Reason         string
	RetryCount     int
	Payload        json.RawMessage
	CreatedAt      time.Time
}

// Aggregate computes the notification status from its receipts.
//
// While any receipt is still in flight (pending, or failed but retryable)
// the aggregate stays pending. Once every receipt is terminal:
// all sent => sent, some sent => partially-sent, none sent => failed.
// A notification with at least one sent receipt is therefore never failed.
func Aggregate(receipts []*Receipt) Status {
	if len(receipts) == 0 {
		return StatusPending
	}
	sent := 0
	for _, r := range receipts {
		if !r.Terminal() {
			return StatusPending
		}
		if r.Status == ReceiptSent {
			sent++
		}
	}
	switch {
	case sent == len(receipts):
		return StatusSent
	case sent > 0:
		return StatusPartiallySent
	default:
		return StatusFailed
	}
}
