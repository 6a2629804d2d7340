package dedupe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestWindow(ttl time.Duration, size int) (*Window, *time.Time) {
	w := New(ttl, size)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	return w, &clock
}

func TestWindow_Seen(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)

	assert.False(t, w.Seen(Key("549110", "ABC")))
	assert.True(t, w.Seen(Key("549110", "ABC")))
	assert.False(t, w.Seen(Key("549111", "ABC")), "same id on another channel is not a duplicate")
}

func TestWindow_EmptyKeyNeverDuplicate(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)

	assert.False(t, w.Seen(""))
	assert.False(t, w.Seen(""))
	assert.Equal(t, 0, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)

	assert.False(t, w.Seen("k"))
	*clock = clock.Add(2 * time.Minute)
	assert.False(t, w.Seen("k"), "expired key must be accepted again")
	assert.True(t, w.Seen("k"))
}

func TestWindow_EvictsOldestWhenFull(t *testing.T) {
	w, clock := newTestWindow(time.Hour, 2)

	w.Seen("a")
	*clock = clock.Add(time.Second)
	w.Seen("b")
	*clock = clock.Add(time.Second)
	w.Seen("c")

	assert.Equal(t, 2, w.Len())
	assert.False(t, w.Seen("a"), "a was evicted")
}

func TestWindow_Concurrent(t *testing.T) {
	w := New(time.Minute, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("same-id") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
}
