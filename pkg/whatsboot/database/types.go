// Package database opens the one SQL database the bot runs on. SQLite is
// the default and needs no configuration; PostgreSQL and MySQL are picked
// with the backend key. Schema versions are tracked per backend.
package database

import (
	"context"
	"database/sql"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/database/backends"
)

// BackendType names a supported SQL dialect.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
	BackendMySQL      BackendType = "mysql"
)

// HealthStatus is the probe result reported by /health.
type HealthStatus = backends.HealthStatus

type migrator interface {
	CurrentVersion(ctx context.Context) (int, error)
	Migrate(ctx context.Context, target int) error
	NeedsMigration(ctx context.Context) (bool, error)
	Latest() int
}

type prober interface {
	Status(ctx context.Context) HealthStatus
}

// Backend is an open connection pool plus its schema and health helpers.
type Backend struct {
	Type BackendType
	DB   *sql.DB

	schema migrator
	probe  prober
}

// SchemaVersion reports the applied and the newest known schema version.
func (b *Backend) SchemaVersion(ctx context.Context) (current, latest int, err error) {
	current, err = b.schema.CurrentVersion(ctx)
	return current, b.schema.Latest(), err
}
