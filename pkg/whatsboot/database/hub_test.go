package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHub(t *testing.T, autoMigrate bool) *Hub {
	t.Helper()
	cfg := DefaultHubConfig()
	cfg.AutoMigrate = autoMigrate
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "bot.db")

	hub, err := NewHub(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hub.Close() })
	return hub
}

func TestNewHubMigratesSchema(t *testing.T) {
	hub := openTestHub(t, true)
	ctx := context.Background()

	require.NotNil(t, hub.Backend())
	assert.Equal(t, BackendSQLite, hub.Backend().Type)

	current, latest, err := hub.Backend().SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, current)

	for _, table := range []string{"users", "planes", "chatbots", "promp", "messages"} {
		var n int
		err := hub.DB().QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s", table)
	}

	assert.NoError(t, hub.Migrate(ctx, 0), "re-running migrations is a no-op")
}

func TestMigrateStepwise(t *testing.T) {
	hub := openTestHub(t, false)
	ctx := context.Background()

	current, latest, err := hub.Backend().SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, current)

	require.NoError(t, hub.Migrate(ctx, 1))
	current, _, err = hub.Backend().SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, current)

	assert.Error(t, hub.Migrate(ctx, latest+1))
	require.NoError(t, hub.Migrate(ctx, 0))
	current, _, err = hub.Backend().SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, current)
}

func TestHubStatus(t *testing.T) {
	hub := openTestHub(t, true)

	status := hub.Status(context.Background())
	sqlite, ok := status["sqlite"]
	require.True(t, ok)
	assert.True(t, sqlite.Healthy, sqlite.Error)
	assert.NotEmpty(t, sqlite.Version)
}

func TestHubQueryExec(t *testing.T) {
	hub := openTestHub(t, true)
	ctx := context.Background()

	_, err := hub.Exec(ctx, "INSERT INTO planes (name, message) VALUES (?, ?)", "basic", 100)
	require.NoError(t, err)

	rows, err := hub.Query(ctx, "SELECT name, message FROM planes")
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var name string
		var limit int
		require.NoError(t, rows.Scan(&name, &limit))
		assert.Equal(t, 100, limit)
		got = append(got, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"basic"}, got)
}

func TestHubClosed(t *testing.T) {
	hub := openTestHub(t, true)
	ctx := context.Background()

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	_, err := hub.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, hub.Migrate(ctx, 0), ErrClosed)
	assert.Nil(t, hub.DB())
	assert.False(t, hub.Status(ctx)["database"].Healthy)
}

func TestHubConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HubConfig
		wantErr bool
	}{
		{"sqlite default", HubConfig{}.Effective(), false},
		{"unknown backend", HubConfig{Backend: "oracle"}, true},
		{"postgres without database", HubConfig{Backend: BackendPostgreSQL}, true},
		{"postgres", HubConfig{Backend: BackendPostgreSQL, PostgreSQL: ServerConfig{Database: "bots"}}, false},
		{"mysql without database", HubConfig{Backend: BackendMySQL}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := NewHub(context.Background(), HubConfig{Backend: "oracle"}, nil)
	assert.Error(t, err)
}

func TestHubConfigEffective(t *testing.T) {
	cfg := HubConfig{}.Effective()
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "./data/whatsboot.db", cfg.SQLite.Path)
	assert.Equal(t, "WAL", cfg.SQLite.JournalMode)
	assert.Equal(t, 5000, cfg.SQLite.BusyTimeout)
}

func TestBackendTypeRebind(t *testing.T) {
	tests := []struct {
		name    string
		backend BackendType
		in      string
		want    string
	}{
		{"sqlite unchanged", BackendSQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"mysql unchanged", BackendMySQL, "SELECT ?", "SELECT ?"},
		{"postgres numbered", BackendPostgreSQL, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres literal kept", BackendPostgreSQL, "SELECT '?' , ?", "SELECT '?' , $1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backend.Rebind(tt.in))
		})
	}
}
