package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned by queries issued after Close.
var ErrClosed = errors.New("database: hub closed")

// Hub owns the bot's database connection. Statements are written with '?'
// placeholders and rebound for the configured dialect.
type Hub struct {
	mu      sync.RWMutex
	backend *Backend
	logger  *slog.Logger
}

// NewHub opens the configured backend. With AutoMigrate set, pending
// migrations run before NewHub returns.
func NewHub(ctx context.Context, cfg HubConfig, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.With("component", "database", "backend", string(cfg.Backend))
	backend, err := open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", cfg.Backend, err)
	}
	h := &Hub{backend: backend, logger: logger}
	logger.Info("database opened")

	if cfg.AutoMigrate {
		if err := h.Migrate(ctx, 0); err != nil {
			h.Close()
			return nil, err
		}
	}
	return h, nil
}

func (h *Hub) current() (*Backend, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.backend == nil {
		return nil, ErrClosed
	}
	return h.backend, nil
}

// Backend returns the open backend, or nil after Close.
func (h *Hub) Backend() *Backend {
	b, _ := h.current()
	return b
}

// DB exposes the pool for transactions and pinned connections.
func (h *Hub) DB() *sql.DB {
	if b := h.Backend(); b != nil {
		return b.DB
	}
	return nil
}

// Rebind rewrites '?' placeholders for the open backend.
func (h *Hub) Rebind(query string) string {
	if b := h.Backend(); b != nil {
		return b.Type.Rebind(query)
	}
	return query
}

// Status probes the backend. The map is keyed by backend type so /health
// can show which dialect answered.
func (h *Hub) Status(ctx context.Context) map[string]HealthStatus {
	b, err := h.current()
	if err != nil {
		return map[string]HealthStatus{"database": {Error: err.Error()}}
	}
	return map[string]HealthStatus{string(b.Type): b.probe.Status(ctx)}
}

// Migrate applies migrations up to target, or all of them when target is 0.
func (h *Hub) Migrate(ctx context.Context, target int) error {
	b, err := h.current()
	if err != nil {
		return err
	}
	before, latest, err := b.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("database: read schema version: %w", err)
	}
	if target > latest {
		return fmt.Errorf("database: target version %d is newer than %d", target, latest)
	}
	if err := b.schema.Migrate(ctx, target); err != nil {
		return fmt.Errorf("database: migrate: %w", err)
	}
	after, _, err := b.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("database: read schema version: %w", err)
	}
	if after != before {
		h.logger.Info("schema migrated", "from", before, "to", after)
	}
	return nil
}

// Query runs a '?'-placeholder query.
func (h *Hub) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	b, err := h.current()
	if err != nil {
		return nil, err
	}
	return b.DB.QueryContext(ctx, b.Type.Rebind(query), args...)
}

// Exec runs a '?'-placeholder statement.
func (h *Hub) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	b, err := h.current()
	if err != nil {
		return nil, err
	}
	return b.DB.ExecContext(ctx, b.Type.Rebind(query), args...)
}

// Close releases the pool. Calling it again is a no-op.
func (h *Hub) Close() error {
	h.mu.Lock()
	b := h.backend
	h.backend = nil
	h.mu.Unlock()
	if b == nil {
		return nil
	}
	h.logger.Debug("database closed")
	return b.DB.Close()
}
