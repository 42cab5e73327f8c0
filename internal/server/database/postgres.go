package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_storage_accounts",
		SQL: `
			CREATE TABLE IF NOT EXISTS storage_accounts (
				id               VARCHAR(64)  PRIMARY KEY,
				name             VARCHAR(255) NOT NULL,
				folder_id        VARCHAR(255) NOT NULL DEFAULT '',
				token            JSONB        NOT NULL,
				is_active        BOOLEAN      NOT NULL DEFAULT TRUE,
				storage_used     BIGINT       NOT NULL DEFAULT 0,
				storage_quota    BIGINT       NOT NULL DEFAULT 0,
				health_status    VARCHAR(16)  NOT NULL DEFAULT 'unknown',
				last_quota_check TIMESTAMPTZ,
				created_at       TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000002_create_transfers",
		SQL: `
			CREATE TABLE IF NOT EXISTS transfers (
				id               UUID          PRIMARY KEY,
				filename         VARCHAR(255)  NOT NULL,
				size             BIGINT        NOT NULL,
				content_type     VARCHAR(255)  NOT NULL,
				status           VARCHAR(16)   NOT NULL,
				account_id       VARCHAR(64)   NOT NULL REFERENCES storage_accounts(id),
				owner_user_id    VARCHAR(64),
				client_ip        VARCHAR(64)   NOT NULL,
				anonymous        BOOLEAN       NOT NULL,
				is_public        BOOLEAN       NOT NULL DEFAULT FALSE,
				session_url      TEXT          NOT NULL,
				remote_id        VARCHAR(255)  NOT NULL DEFAULT '',
				storage_location TEXT          NOT NULL DEFAULT '',
				backup_status    VARCHAR(16)   NOT NULL DEFAULT 'none',
				backup_path      TEXT          NOT NULL DEFAULT '',
				failure_reason   TEXT          NOT NULL DEFAULT '',
				created_at       TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
				updated_at       TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
				completed_at     TIMESTAMPTZ
			);
			CREATE INDEX IF NOT EXISTS idx_transfers_owner_created ON transfers(owner_user_id, created_at);
			CREATE INDEX IF NOT EXISTS idx_transfers_ip_created ON transfers(client_ip, created_at) WHERE anonymous;
			CREATE INDEX IF NOT EXISTS idx_transfers_status_updated ON transfers(status, updated_at);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
