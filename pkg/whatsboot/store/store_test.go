package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/database"
)

func newTestStore(t *testing.T) (*Store, *database.Hub) {
	t.Helper()
	cfg := database.DefaultHubConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "store.db")

	hub, err := database.NewHub(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })
	return New(hub, nil), hub
}

func seedTenant(t *testing.T, hub *database.Hub, limit, used int, start, end time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := hub.Exec(ctx, "INSERT INTO planes (id_plan, name, message) VALUES (?, ?, ?)", 1, "basic", limit)
	require.NoError(t, err)
	_, err = hub.Exec(ctx, "INSERT INTO users (id, name, id_plan, msn, fecha_inicio, fecha_fin) VALUES (?, ?, ?, ?, ?, ?)",
		7, "acme", 1, used, start, end)
	require.NoError(t, err)
}

func TestStore_Channels(t *testing.T) {
	s, hub := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, hub, 10, 0, time.Now(), time.Now())

	exists, err := s.UserExists(ctx, 7)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.UserExists(ctx, 99)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = s.TenantForChannel(ctx, "5491100000000")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RegisterChannel(ctx, 7, "5491100000000"))
	require.NoError(t, s.RegisterChannel(ctx, 7, "5491100000000"))

	// Another tenant cannot take the number over.
	err = s.RegisterChannel(ctx, 8, "5491100000000")
	assert.ErrorIs(t, err, ErrChannelTaken)

	tenant, err := s.TenantForChannel(ctx, "5491100000000")
	require.NoError(t, err)
	assert.Equal(t, int64(7), tenant)

	list, err := s.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "5491100000000", list[0].Number)
}

func TestUnitOfWork_PromptConfig(t *testing.T) {
	s, hub := newTestStore(t)
	ctx := context.Background()
	seedTenant(t, hub, 10, 0, time.Now(), time.Now())
	require.NoError(t, s.RegisterChannel(ctx, 7, "100"))

	_, err := hub.Exec(ctx, `INSERT INTO promp (numcel, prompt, image_url, image_url_2, video_url_4)
		VALUES (?, ?, ?, ?, ?)`, "100", "Eres un asistente.", "https://cdn/a.png", "https://cdn/c.png", "https://cdn/v4.mp4")
	require.NoError(t, err)

	uow, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer uow.Release()

	cfg, err := uow.PromptConfig(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "Eres un asistente.", cfg.Prompt)
	assert.Equal(t, int64(7), cfg.TenantID)
	assert.Equal(t, "https://cdn/a.png", cfg.Media.Images[0])
	assert.Empty(t, cfg.Media.Images[1])
	assert.Equal(t, "https://cdn/c.png", cfg.Media.Images[2])
	assert.Equal(t, "https://cdn/v4.mp4", cfg.Media.Videos[3])

	_, err = uow.PromptConfig(ctx, "200")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnitOfWork_Usage(t *testing.T) {
	s, hub := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	seedTenant(t, hub, 50, 3, start, end)

	uow, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer uow.Release()

	usage, err := uow.TenantUsage(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.PlanID)
	assert.Equal(t, 3, usage.Messages)
	assert.True(t, usage.WindowStart.Equal(start))
	assert.True(t, usage.WindowEnd.Equal(end))

	limit, err := uow.PlanLimit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, limit)

	require.NoError(t, uow.IncrementUsage(ctx, 7))
	usage, err = uow.TenantUsage(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, usage.Messages)

	_, err = uow.TenantUsage(ctx, 8)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, uow.IncrementUsage(ctx, 8), ErrNotFound)
}

func TestUnitOfWork_AuditLog(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	uow, err := s.Acquire(ctx)
	require.NoError(t, err)
	defer uow.Release()

	_, err = uow.LastReply(ctx, "111", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, uow.RecordReply(ctx, AuditRecord{
		TenantID: 7, Channel: "100", Participant: "111", PromptID: 1,
		Question: "hola", Reply: "primera", ReceivedAt: base,
	}))
	require.NoError(t, uow.RecordReply(ctx, AuditRecord{
		TenantID: 7, Channel: "100", Participant: "111", PromptID: 1,
		Question: "precio", Reply: "segunda", ReceivedAt: base.Add(time.Minute),
	}))
	require.NoError(t, uow.RecordReply(ctx, AuditRecord{
		TenantID: 7, Channel: "100", Participant: "111", PromptID: 2,
		Question: "otro", Reply: "otro prompt", ReceivedAt: base.Add(time.Hour),
	}))

	last, err := uow.LastReply(ctx, "111", 1)
	require.NoError(t, err)
	assert.Equal(t, "segunda", last)
}

func TestUnitOfWork_Release(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	uow, err := s.Acquire(ctx)
	require.NoError(t, err)
	uow.Release()
	uow.Release()

	_, err = uow.PlanLimit(ctx, 1)
	assert.ErrorIs(t, err, ErrReleased)
}
