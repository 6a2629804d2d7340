package backends

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one schema version. Statements run in order; each is a
// single SQL statement so every driver can execute it.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// Migrator applies versioned migrations and records them in schema_version.
type Migrator struct {
	db           *sql.DB
	migrations   []Migration
	versionTable string
	recordStmt   string
}

// NewMigrator creates a migrator. versionTable is the CREATE TABLE
// statement for schema_version; recordStmt inserts one version row and
// must use the backend's placeholder syntax.
func NewMigrator(db *sql.DB, migrations []Migration, versionTable, recordStmt string) *Migrator {
	return &Migrator{
		db:           db,
		migrations:   migrations,
		versionTable: versionTable,
		recordStmt:   recordStmt,
	}
}

// Latest returns the highest known version.
func (m *Migrator) Latest() int {
	latest := 0
	for _, mig := range m.migrations {
		latest = max(latest, mig.Version)
	}
	return latest
}

// CurrentVersion returns the applied schema version (0 for a fresh database).
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	if _, err := m.db.ExecContext(ctx, m.versionTable); err != nil {
		return 0, fmt.Errorf("create schema_version table: %w", err)
	}
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies pending migrations up to target (0 = latest).
func (m *Migrator) Migrate(ctx context.Context, target int) error {
	if target <= 0 {
		target = m.Latest()
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if mig.Version <= current || mig.Version > target {
			continue
		}
		for i, stmt := range mig.Statements {
			if _, err := m.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d (%s) statement %d: %w", mig.Version, mig.Description, i+1, err)
			}
		}
		if _, err := m.db.ExecContext(ctx, m.recordStmt, mig.Version); err != nil {
			return fmt.Errorf("record migration %d: %w", mig.Version, err)
		}
	}
	return nil
}

// NeedsMigration returns true if the schema is behind the latest version.
func (m *Migrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < m.Latest(), nil
}
