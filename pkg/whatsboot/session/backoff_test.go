package session

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{500, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Next(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestConfigEffective(t *testing.T) {
	cfg := Config{}.Effective()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{QRDir: "/srv/qr", QueueSize: 5}.Effective()
	assert.Equal(t, "/srv/qr", cfg.QRDir)
	assert.Equal(t, 5, cfg.QueueSize)
	assert.Equal(t, 2*time.Minute, cfg.MaxBackoff)
}

func TestPNGRenderer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	r := PNGRenderer{Dir: dir, BaseURL: "https://bots.example.com/"}

	url, err := r.Render("5491100000000", "2@abc,def,ghi")
	require.NoError(t, err)
	assert.Equal(t, "https://bots.example.com/uploads/5491100000000.png", url)

	data, err := os.ReadFile(filepath.Join(dir, "5491100000000.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}

func TestKeyedQueue(t *testing.T) {
	t.Run("fifo per key", func(t *testing.T) {
		q := newKeyedQueue(0)
		var mu sync.Mutex
		var got []int
		for i := 0; i < 50; i++ {
			require.NoError(t, q.Submit("a", func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			}))
		}
		q.Close()
		require.Len(t, got, 50)
		for i, v := range got {
			assert.Equal(t, i, v)
		}
		assert.Zero(t, q.Lanes())
	})

	t.Run("keys run concurrently", func(t *testing.T) {
		q := newKeyedQueue(0)
		release := make(chan struct{})
		var ran atomic.Int32

		require.NoError(t, q.Submit("slow", func() { <-release }))
		require.NoError(t, q.Submit("fast", func() { ran.Add(1) }))

		require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, time.Millisecond)
		close(release)
		q.Close()
	})

	t.Run("bounded lane", func(t *testing.T) {
		q := newKeyedQueue(1)
		release := make(chan struct{})
		started := make(chan struct{})

		require.NoError(t, q.Submit("k", func() { close(started); <-release }))
		<-started
		require.NoError(t, q.Submit("k", func() {}))
		assert.ErrorIs(t, q.Submit("k", func() {}), errQueueFull)

		close(release)
		q.Close()
		assert.ErrorIs(t, q.Submit("k", func() {}), errQueueClosed)
	})
}
