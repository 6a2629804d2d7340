package backends

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend wraps the SQLite database connection with additional functionality.
type SQLiteBackend struct {
	DB     *sql.DB
	Config SQLiteConfig

	Migrator *Migrator
	Health   *HealthChecker
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
	ForeignKeys bool
}

// OpenSQLite opens or creates a SQLite database with the given configuration.
func OpenSQLite(config SQLiteConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = "./data/whatsboot.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	if config.Path != ":memory:" {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		dsn += "&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	if err := pingWithTimeout(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteBackend{
		DB:     db,
		Config: config,
		Migrator: NewMigrator(db, SQLiteMigrations(),
			`CREATE TABLE IF NOT EXISTS schema_version (
				version    INTEGER PRIMARY KEY,
				applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			"INSERT OR IGNORE INTO schema_version (version) VALUES (?)"),
		Health: NewHealthChecker(db, "SELECT sqlite_version()"),
	}, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}

// SQLiteMigrations returns the bot schema for SQLite.
func SQLiteMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "tenants, plans, channels, prompts, audit",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS planes (
					id_plan INTEGER PRIMARY KEY AUTOINCREMENT,
					name    TEXT NOT NULL DEFAULT '',
					message INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS users (
					id           INTEGER PRIMARY KEY AUTOINCREMENT,
					name         TEXT NOT NULL DEFAULT '',
					email        TEXT NOT NULL DEFAULT '',
					id_plan      INTEGER REFERENCES planes(id_plan),
					msn          INTEGER NOT NULL DEFAULT 0,
					fecha_inicio DATETIME,
					fecha_fin    DATETIME
				)`,
				`CREATE TABLE IF NOT EXISTS chatbots (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id    INTEGER NOT NULL REFERENCES users(id),
					number     TEXT NOT NULL UNIQUE,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE TABLE IF NOT EXISTS promp (
					cod_prom    INTEGER PRIMARY KEY AUTOINCREMENT,
					numcel      TEXT NOT NULL,
					prompt      TEXT NOT NULL DEFAULT '',
					image_url   TEXT,
					image_url_1 TEXT,
					image_url_2 TEXT,
					image_url_3 TEXT,
					image_url_4 TEXT,
					image_url_5 TEXT,
					image_url_6 TEXT,
					video_url_1 TEXT,
					video_url_2 TEXT,
					video_url_3 TEXT,
					video_url_4 TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_promp_numcel ON promp(numcel)`,
				`CREATE TABLE IF NOT EXISTS messages (
					id              INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id         INTEGER,
					number          TEXT NOT NULL,
					sender_number   TEXT NOT NULL,
					id_prom         INTEGER,
					question        TEXT NOT NULL DEFAULT '',
					message         TEXT NOT NULL DEFAULT '',
					type            TEXT NOT NULL DEFAULT 'response',
					received_at     DATETIME NOT NULL,
					conversation_id TEXT NOT NULL DEFAULT ''
				)`,
			},
		},
		{
			Version:     2,
			Description: "last reply lookup index",
			Statements: []string{
				`CREATE INDEX IF NOT EXISTS idx_messages_sender_prom ON messages(sender_number, id_prom, received_at)`,
			},
		},
	}
}
