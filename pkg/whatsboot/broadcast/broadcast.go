// Package broadcast fans out channel status notifications to every
// connected status client.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Kind classifies a status notification.
type Kind string

const (
	KindQR           Kind = "qr"
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindTerminated   Kind = "terminated"
	KindReply        Kind = "reply"
)

// Status is one notification about a channel. Participant is only set
// on reply notifications.
type Status struct {
	Number      string    `json:"number"`
	Message     string    `json:"message"`
	Kind        Kind      `json:"kind"`
	Participant string    `json:"participant,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Broadcaster is an in-memory pub/sub of Status values. Publishing never
// blocks: a subscriber whose buffer is full misses the notification.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Status
	closed      bool
	dropped     atomic.Int64
	onDrop      func()
	logger      *slog.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithDropHook registers fn to run each time a notification is dropped.
func WithDropHook(fn func()) Option {
	return func(b *Broadcaster) { b.onDrop = fn }
}

// New creates a broadcaster. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		subscribers: make(map[string]chan Status),
		logger:      logger.With("component", "broadcaster"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber. The returned channel is closed when ctx
// is cancelled, on Unsubscribe, or on Close.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Status, string) {
	subID := uuid.New().String()
	ch := make(chan Status, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends st to every subscriber. A zero Timestamp is set to now.
func (b *Broadcaster) Publish(st Status) {
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- st:
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
			b.logger.Debug("dropped status for slow subscriber", "sub_id", id, "number", st.Number)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many notifications were dropped.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Later subscriptions are closed
// immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.closed = true
	b.logger.Debug("broadcaster closed")
}
