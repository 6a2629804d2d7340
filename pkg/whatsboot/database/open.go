package database

import (
	"fmt"
	"log/slog"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/database/backends"
)

// open dials the backend named by cfg.Backend. cfg must be effective.
func open(cfg HubConfig, logger *slog.Logger) (*Backend, error) {
	switch cfg.Backend {
	case BackendSQLite:
		b, err := backends.OpenSQLite(backends.SQLiteConfig{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			BusyTimeout: cfg.SQLite.BusyTimeout,
			ForeignKeys: true,
		})
		if err != nil {
			return nil, err
		}
		return &Backend{Type: BackendSQLite, DB: b.DB, schema: b.Migrator, probe: b.Health}, nil

	case BackendPostgreSQL:
		pg := cfg.PostgreSQL
		b, err := backends.OpenPostgreSQL(backends.PostgreSQLConfig{
			Host:     pg.Host,
			Port:     pg.Port,
			Database: pg.Database,
			User:     pg.User,
			Password: pg.Password,
			SSLMode:  pg.SSLMode,
			Pool:     pg.pool(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Type: BackendPostgreSQL, DB: b.DB, schema: b.Migrator, probe: b.Health}, nil

	case BackendMySQL:
		my := cfg.MySQL
		b, err := backends.OpenMySQL(backends.MySQLConfig{
			Host:     my.Host,
			Port:     my.Port,
			Database: my.Database,
			User:     my.User,
			Password: my.Password,
			Pool:     my.pool(),
		}, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Type: BackendMySQL, DB: b.DB, schema: b.Migrator, probe: b.Health}, nil
	}
	return nil, fmt.Errorf("database: unsupported backend %q", cfg.Backend)
}
