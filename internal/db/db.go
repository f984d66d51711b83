// Package db owns the PostgreSQL connection and schema for inkhound. Every
// durable piece of state lives here: library subscriptions, the two download
// record types, the job queue, recurring registrations and in-app
// notifications.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetDB returns the underlying sql.DB handle
func (d *DB) GetDB() *sql.DB {
	return d.client
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	// If we have a DatabaseURL, use it directly
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		if config.Host == "" {
			return nil, fmt.Errorf("database host is required")
		}
		if config.Port == "" {
			return nil, fmt.Errorf("database port is required")
		}
		if config.User == "" {
			return nil, fmt.Errorf("database user is required")
		}
		if config.Database == "" {
			return nil, fmt.Errorf("database name is required")
		}
	}

	// Defaults for optional fields
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 40
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	// Use defaults if not set
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "inkhound"
	}

	return New(config)
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(db *sql.DB) error {
	// Library subscriptions: one row per (title, source) the user follows
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS libraries (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			source_id TEXT NOT NULL,
			remote_title_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(source_id, remote_title_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create libraries table: %w", err)
	}

	// Manga-level download records
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS manga_downloads (
			id TEXT PRIMARY KEY,
			library_id TEXT NOT NULL REFERENCES libraries(id),
			job_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			status_updated_at TIMESTAMPTZ,
			UNIQUE(library_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create manga_downloads table: %w", err)
	}

	// Chapter-level download records
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS chapter_downloads (
			id TEXT PRIMARY KEY,
			manga_download_id TEXT NOT NULL REFERENCES manga_downloads(id),
			source_id TEXT NOT NULL,
			remote_chapter_id TEXT NOT NULL,
			chapter_number REAL NOT NULL DEFAULT 0,
			volume INTEGER NOT NULL DEFAULT 0,
			chapter_title TEXT NOT NULL DEFAULT '',
			chapter_url TEXT NOT NULL DEFAULT '',
			job_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			status_updated_at TIMESTAMPTZ,
			UNIQUE(source_id, remote_chapter_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create chapter_downloads table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_chapter_downloads_manga ON chapter_downloads(manga_download_id)`)
	if err != nil {
		return fmt.Errorf("failed to create chapter download index: %w", err)
	}

	// Durable job queue
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			queue TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '{}',
			source_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			run_at TIMESTAMPTZ NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, status, run_at)`)
	if err != nil {
		return fmt.Errorf("failed to create jobs claim index: %w", err)
	}

	// Recurring job registrations
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS recurring_jobs (
			key TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			queue TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '{}',
			source_key TEXT NOT NULL DEFAULT '',
			cron TEXT NOT NULL,
			next_run_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create recurring_jobs table: %w", err)
	}

	// In-app notifications surfaced by the UI
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create notifications table: %w", err)
	}

	// Wake idle workers the moment a job becomes runnable
	_, err = db.Exec(`
		CREATE OR REPLACE FUNCTION notify_new_job() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('new_jobs', NEW.queue);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql
	`)
	if err != nil {
		return fmt.Errorf("failed to create job notify function: %w", err)
	}

	_, err = db.Exec(`DROP TRIGGER IF EXISTS jobs_notify ON jobs`)
	if err != nil {
		return fmt.Errorf("failed to drop job notify trigger: %w", err)
	}

	_, err = db.Exec(`
		CREATE TRIGGER jobs_notify AFTER INSERT ON jobs
		FOR EACH ROW EXECUTE FUNCTION notify_new_job()
	`)
	if err != nil {
		return fmt.Errorf("failed to create job notify trigger: %w", err)
	}

	return nil
}
