package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect is the SQL flavour behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// DB wraps the run event log connection.
type DB struct {
	conn    *sql.DB
	dsn     string
	dialect Dialect
}

// DefaultDBPath returns ~/.wayfinder/wayfinder.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".wayfinder")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "wayfinder.db"), nil
}

// DialectFor picks the driver for a DSN: postgres:// and postgresql:// URLs use pgx,
// anything else is a sqlite path.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open opens or creates the database named by dsn.
func Open(dsn string) (*DB, error) {
	switch DialectFor(dsn) {
	case Postgres:
		return openPostgres(dsn)
	default:
		return openSQLite(dsn)
	}
}

func openSQLite(path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create directory for %s: %w", path, err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, dsn: path, dialect: SQLite}, nil
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn, dsn: dsn, dialect: Postgres}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Dialect reports which driver the DB uses.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.conn.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, d.rebind(query), args...)
}

// Query runs a read query written with ? placeholders against either dialect.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.query(ctx, query, args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.conn.QueryRowContext(ctx, d.rebind(query), args...)
}

const schemaV1SQLite = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    first_stage TEXT NOT NULL,
    status      TEXT NOT NULL CHECK(status IN ('running','succeeded','degraded','failed')),
    success     BOOLEAN NOT NULL DEFAULT FALSE,
    dry_run     BOOLEAN NOT NULL DEFAULT FALSE,
    final_stage TEXT NOT NULL DEFAULT '',
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at DESC);

CREATE TABLE IF NOT EXISTS stage_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id          TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    stage_id        TEXT NOT NULL,
    stage_number    INTEGER NOT NULL,
    outcome         TEXT NOT NULL CHECK(outcome IN ('ok','degraded','failed','dry_run')),
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    checkpoint      TEXT NOT NULL DEFAULT '',
    upstream_stage  TEXT NOT NULL DEFAULT '',
    upstream_run_id TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    timestamp       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id, stage_number);

CREATE TABLE IF NOT EXISTS worker_events (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT NOT NULL,
    worker_id     TEXT NOT NULL,
    provider      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL CHECK(status IN ('ok','error','partial','skipped')),
    candidates    INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    error         TEXT NOT NULL DEFAULT '',
    timestamp     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_events_run ON worker_events(run_id, worker_id);
`

const schemaV1Postgres = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    first_stage TEXT NOT NULL,
    status      TEXT NOT NULL CHECK(status IN ('running','succeeded','degraded','failed')),
    success     BOOLEAN NOT NULL DEFAULT FALSE,
    dry_run     BOOLEAN NOT NULL DEFAULT FALSE,
    final_stage TEXT NOT NULL DEFAULT '',
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, started_at DESC);

CREATE TABLE IF NOT EXISTS stage_events (
    id              BIGSERIAL PRIMARY KEY,
    run_id          TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    stage_id        TEXT NOT NULL,
    stage_number    INTEGER NOT NULL,
    outcome         TEXT NOT NULL CHECK(outcome IN ('ok','degraded','failed','dry_run')),
    duration_ms     BIGINT NOT NULL DEFAULT 0,
    checkpoint      TEXT NOT NULL DEFAULT '',
    upstream_stage  TEXT NOT NULL DEFAULT '',
    upstream_run_id TEXT NOT NULL DEFAULT '',
    error           TEXT NOT NULL DEFAULT '',
    timestamp       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stage_events_run ON stage_events(run_id, stage_number);

CREATE TABLE IF NOT EXISTS worker_events (
    id            BIGSERIAL PRIMARY KEY,
    run_id        TEXT NOT NULL,
    worker_id     TEXT NOT NULL,
    provider      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL CHECK(status IN ('ok','error','partial','skipped')),
    candidates    INTEGER NOT NULL DEFAULT 0,
    duration_ms   BIGINT NOT NULL DEFAULT 0,
    input_tokens  BIGINT NOT NULL DEFAULT 0,
    output_tokens BIGINT NOT NULL DEFAULT 0,
    error         TEXT NOT NULL DEFAULT '',
    timestamp     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_events_run ON worker_events(run_id, worker_id);
`

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	schema := schemaV1SQLite
	if d.dialect == Postgres {
		schema = schemaV1Postgres
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"worker_events", "stage_events", "runs", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
