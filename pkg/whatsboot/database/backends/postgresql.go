package backends

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgreSQLBackend wraps the PostgreSQL database connection.
type PostgreSQLBackend struct {
	DB     *sql.DB
	Config PostgreSQLConfig

	Migrator *Migrator
	Health   *HealthChecker
}

// PostgreSQLConfig holds PostgreSQL-specific configuration.
type PostgreSQLConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	Pool     Pool
}

// OpenPostgreSQL opens a PostgreSQL connection pool through pgx.
func OpenPostgreSQL(config PostgreSQLConfig, logger *slog.Logger) (*PostgreSQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	db, err := sql.Open("pgx", BuildPostgreSQLDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	config.Pool.apply(db)

	if err := pingWithTimeout(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Debug("postgresql backend opened", "host", config.Host, "database", config.Database)

	return &PostgreSQLBackend{
		DB:     db,
		Config: config,
		Migrator: NewMigrator(db, PostgreSQLMigrations(),
			`CREATE TABLE IF NOT EXISTS schema_version (
				version    INTEGER PRIMARY KEY,
				applied_at TIMESTAMPTZ DEFAULT NOW()
			)`,
			"INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT DO NOTHING"),
		Health: NewHealthChecker(db, "SELECT version()"),
	}, nil
}

// BuildPostgreSQLDSN builds the key/value connection string.
func BuildPostgreSQLDSN(config PostgreSQLConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode)
}

// Close closes the database connection.
func (b *PostgreSQLBackend) Close() error {
	return b.DB.Close()
}

// PostgreSQLMigrations returns the bot schema for PostgreSQL.
func PostgreSQLMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "tenants, plans, channels, prompts, audit",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS planes (
					id_plan BIGSERIAL PRIMARY KEY,
					name    TEXT NOT NULL DEFAULT '',
					message INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS users (
					id           BIGSERIAL PRIMARY KEY,
					name         TEXT NOT NULL DEFAULT '',
					email        TEXT NOT NULL DEFAULT '',
					id_plan      BIGINT REFERENCES planes(id_plan),
					msn          INTEGER NOT NULL DEFAULT 0,
					fecha_inicio TIMESTAMPTZ,
					fecha_fin    TIMESTAMPTZ
				)`,
				`CREATE TABLE IF NOT EXISTS chatbots (
					id         BIGSERIAL PRIMARY KEY,
					user_id    BIGINT NOT NULL REFERENCES users(id),
					number     TEXT NOT NULL UNIQUE,
					created_at TIMESTAMPTZ DEFAULT NOW()
				)`,
				`CREATE TABLE IF NOT EXISTS promp (
					cod_prom    BIGSERIAL PRIMARY KEY,
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
					id              BIGSERIAL PRIMARY KEY,
					user_id         BIGINT,
					number          TEXT NOT NULL,
					sender_number   TEXT NOT NULL,
					id_prom         BIGINT,
					question        TEXT NOT NULL DEFAULT '',
					message         TEXT NOT NULL DEFAULT '',
					type            TEXT NOT NULL DEFAULT 'response',
					received_at     TIMESTAMPTZ NOT NULL,
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
