package database

import (
	"fmt"
	"time"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/database/backends"
)

// HubConfig selects and configures the database.
type HubConfig struct {
	// Backend is one of sqlite, postgresql or mysql. Empty means sqlite.
	Backend BackendType `yaml:"backend"`

	// AutoMigrate brings the schema up to date when the hub opens.
	AutoMigrate bool `yaml:"auto_migrate"`

	SQLite     SQLiteConfig `yaml:"sqlite"`
	PostgreSQL ServerConfig `yaml:"postgresql"`
	MySQL      ServerConfig `yaml:"mysql"`
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	// BusyTimeout is in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`
}

// ServerConfig addresses a PostgreSQL or MySQL server. The password
// accepts ${ENV} references.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// SSLMode only applies to PostgreSQL.
	SSLMode string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultHubConfig uses a WAL-mode SQLite file under ./data.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Backend:     BackendSQLite,
		AutoMigrate: true,
		SQLite: SQLiteConfig{
			Path:        "./data/whatsboot.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
	}
}

// Effective fills zero SQLite fields and the backend name with defaults.
func (c HubConfig) Effective() HubConfig {
	def := DefaultHubConfig()
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = def.SQLite.Path
	}
	if c.SQLite.JournalMode == "" {
		c.SQLite.JournalMode = def.SQLite.JournalMode
	}
	if c.SQLite.BusyTimeout <= 0 {
		c.SQLite.BusyTimeout = def.SQLite.BusyTimeout
	}
	return c
}

// Validate rejects unknown backends and server configs without a database name.
func (c HubConfig) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		return nil
	case BackendPostgreSQL:
		if c.PostgreSQL.Database == "" {
			return fmt.Errorf("database: postgresql.database is required")
		}
	case BackendMySQL:
		if c.MySQL.Database == "" {
			return fmt.Errorf("database: mysql.database is required")
		}
	default:
		return fmt.Errorf("database: unsupported backend %q", c.Backend)
	}
	return nil
}

func (s ServerConfig) pool() backends.Pool {
	return backends.Pool{
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		ConnMaxIdleTime: s.ConnMaxIdleTime,
	}
}
