package notify

import (
	"context"
	"fmt"
	"sync"

	logx "remindd/pkg/logx"
)

// Sender delivers one notification over one channel.
//
// Errors returned plain are treated as transient and retried per policy.
// Wrap with NoRetry for permanent failures (bad address, rejected content)
// and RetryAfter to carry a provider throttle hint.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// Registry maps channels to their senders. The channel set is closed at
// construction; dispatching to an unregistered channel is a configuration
// error and fails permanently.
type Registry struct {
	mu      sync.RWMutex
	senders map[Channel]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: map[Channel]Sender{}}
}

func (r *Registry) Register(ch Channel, s Sender) {
	r.mu.Lock()
	r.senders[ch] = s
	r.mu.Unlock()
}

func (r *Registry) Lookup(ch Channel) (Sender, error) {
	r.mu.RLock()
	s, ok := r.senders[ch]
	r.mu.RUnlock()
	if !ok {
		return nil, NoRetry(fmt.Errorf("no sender registered for channel %q", ch))
	}
	return s, nil
}

// NewDesktopSender returns the in-process desktop sender.
//
// Real push/SMTP/SMS transports live behind the Sender interface outside this
// core; desktop delivery here is a local surface backed by the log.
func NewDesktopSender(log logx.Logger) Sender {
	return SenderFunc(func(ctx context.Context, n Notification) error {
		log.Info("desktop notification",
			logx.String("owner", n.OwnerID),
			logx.String("title", n.Title),
			logx.String("body", n.Body),
		)
		return nil
	})
}
