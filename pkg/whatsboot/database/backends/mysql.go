package backends

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLBackend wraps a MySQL/MariaDB connection pool.
type MySQLBackend struct {
	DB     *sql.DB
	Config MySQLConfig

	Migrator *Migrator
	Health   *HealthChecker
}

// MySQLConfig holds MySQL-specific configuration.
type MySQLConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	Pool     Pool
}

// OpenMySQL opens a MySQL connection pool. Timestamps are parsed into
// time.Time in UTC.
func OpenMySQL(config MySQLConfig, logger *slog.Logger) (*MySQLBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 3306
	}

	db, err := sql.Open("mysql", BuildMySQLDSN(config))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	config.Pool.apply(db)

	if err := pingWithTimeout(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Debug("mysql backend opened", "host", config.Host, "database", config.Database)

	return &MySQLBackend{
		DB:     db,
		Config: config,
		Migrator: NewMigrator(db, MySQLMigrations(),
			`CREATE TABLE IF NOT EXISTS schema_version (
				version    INT PRIMARY KEY,
				applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			"INSERT IGNORE INTO schema_version (version) VALUES (?)"),
		Health: NewHealthChecker(db, "SELECT VERSION()"),
	}, nil
}

// BuildMySQLDSN builds the driver DSN.
func BuildMySQLDSN(config MySQLConfig) string {
	cfg := mysql.NewConfig()
	cfg.User = config.User
	cfg.Passwd = config.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	cfg.DBName = config.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// Close closes the database connection.
func (b *MySQLBackend) Close() error {
	return b.DB.Close()
}

// MySQLMigrations returns the bot schema for MySQL.
func MySQLMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "tenants, plans, channels, prompts, audit",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS planes (
					id_plan BIGINT AUTO_INCREMENT PRIMARY KEY,
					name    VARCHAR(255) NOT NULL DEFAULT '',
					message INT NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS users (
					id           BIGINT AUTO_INCREMENT PRIMARY KEY,
					name         VARCHAR(255) NOT NULL DEFAULT '',
					email        VARCHAR(255) NOT NULL DEFAULT '',
					id_plan      BIGINT,
					msn          INT NOT NULL DEFAULT 0,
					fecha_inicio DATETIME,
					fecha_fin    DATETIME,
					FOREIGN KEY (id_plan) REFERENCES planes(id_plan)
				)`,
				`CREATE TABLE IF NOT EXISTS chatbots (
					id         BIGINT AUTO_INCREMENT PRIMARY KEY,
					user_id    BIGINT NOT NULL,
					number     VARCHAR(32) NOT NULL UNIQUE,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					FOREIGN KEY (user_id) REFERENCES users(id)
				)`,
				`CREATE TABLE IF NOT EXISTS promp (
					cod_prom    BIGINT AUTO_INCREMENT PRIMARY KEY,
					numcel      VARCHAR(32) NOT NULL,
					prompt      TEXT NOT NULL,
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
					video_url_4 TEXT,
					INDEX idx_promp_numcel (numcel)
				)`,
				`CREATE TABLE IF NOT EXISTS messages (
					id              BIGINT AUTO_INCREMENT PRIMARY KEY,
					user_id         BIGINT,
					number          VARCHAR(32) NOT NULL,
					sender_number   VARCHAR(32) NOT NULL,
					id_prom         BIGINT,
					question        TEXT NOT NULL,
					message         TEXT NOT NULL,
					type            VARCHAR(32) NOT NULL DEFAULT 'response',
					received_at     DATETIME NOT NULL,
					conversation_id VARCHAR(64) NOT NULL DEFAULT ''
				)`,
			},
		},
		{
			Version:     2,
			Description: "last reply lookup index",
			Statements: []string{
				`CREATE INDEX idx_messages_sender_prom ON messages(sender_number, id_prom, received_at)`,
			},
		},
	}
}
