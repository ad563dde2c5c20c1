package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Dialect selects SQL placeholder and DDL differences.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a configured driver name onto a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// Database wraps the alert history connection. Queries are written with
// $N placeholders and rebound for SQLite.
type Database struct {
	db      *sql.DB
	dialect Dialect
}

// New opens and pings a database. An empty SQLite dsn opens an in-memory
// database.
func New(ctx context.Context, dialect Dialect, dsn string) (*Database, error) {
	driver := "pgx"
	if dialect == SQLite {
		driver = "sqlite"
		if dsn == "" {
			dsn = ":memory:"
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if dialect == SQLite {
		// A single connection keeps an in-memory database alive and avoids
		// SQLITE_BUSY under concurrent pipeline workers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Database{db: db, dialect: dialect}, nil
}

func (d *Database) Dialect() Dialect { return d.dialect }

func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders for the connected dialect.
func (d *Database) Rebind(q string) string {
	if d.dialect == SQLite {
		return placeholder.ReplaceAllString(q, "?$1")
	}
	return q
}

func (d *Database) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.Rebind(q), args...)
}

func (d *Database) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.Rebind(q), args...)
}

func (d *Database) QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.Rebind(q), args...)
}
