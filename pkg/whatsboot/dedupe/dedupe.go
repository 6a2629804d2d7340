// Package dedupe drops inbound messages the transport delivers more than
// once (history replays after a reconnect, retried deliveries).
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt time.Time
	elem   *list.Element
}

// Window remembers message keys for a fixed TTL, bounded in size. The
// oldest key is evicted first when the window is full.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a window. Expired keys are evicted lazily on insert, so no
// background goroutine is needed.
func New(ttl time.Duration, maxSize int) *Window {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Window{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Key builds the window key for a message of a channel.
func Key(channel, messageID string) string {
	return channel + ":" + messageID
}

// Seen atomically checks a key and records it. It returns true when the
// key was already recorded within the TTL (a duplicate).
func (w *Window) Seen(key string) bool {
	if key == "" {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.expireLocked(now)

	if e, ok := w.seen[key]; ok {
		if now.Sub(e.seenAt) < w.ttl {
			return true
		}
		w.order.Remove(e.elem)
		delete(w.seen, key)
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldestLocked()
	}
	w.seen[key] = &entry{seenAt: now, elem: w.order.PushBack(key)}
	return false
}

// Len returns the number of remembered keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// expireLocked drops keys from the front while they are past the TTL.
// Keys are inserted in time order, so the scan stops at the first live one.
func (w *Window) expireLocked(now time.Time) {
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		key, _ := front.Value.(string)
		e := w.seen[key]
		if e == nil || now.Sub(e.seenAt) < w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, key)
	}
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.seen, key)
}
