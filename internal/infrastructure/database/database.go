// Package database opens the relational store behind a service.
//
// SQLite (modernc.org/sqlite, pure Go) is the default; postgres:// URLs go
// through pgx's database/sql driver. Queries use $n placeholders, which
// both drivers accept.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour of an open store.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

var ddlTokens = map[Dialect]*strings.Replacer{
	SQLite: strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{timestamp}}", "TIMESTAMP",
	),
	Postgres: strings.NewReplacer(
		"{{serial}}", "BIGSERIAL PRIMARY KEY",
		"{{timestamp}}", "TIMESTAMPTZ",
	),
}

// DB is a *sql.DB that remembers its dialect.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Dialect returns the SQL flavour of the store.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Open connects to the store named by url and verifies the connection.
//
// Accepted forms: postgres://..., postgresql://..., sqlite:///relative.db,
// sqlite:////absolute.db, sqlite://file.db, file:... and bare file paths.
func Open(ctx context.Context, url string) (*DB, error) {
	dialect, dsn, err := parseURL(url)
	if err != nil {
		return nil, err
	}

	var sqlDB *sql.DB
	switch dialect {
	case Postgres:
		sqlDB, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	case SQLite:
		path := strings.TrimPrefix(dsn, "file:")
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("create sqlite dir: %w", err)
				}
			}
		}
		sqlDB, err = sql.Open("sqlite", dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// One writer at a time; this also keeps an in-memory database alive
		// across calls.
		sqlDB.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	return &DB{DB: sqlDB, dialect: dialect}, nil
}

func parseURL(url string) (Dialect, string, error) {
	switch {
	case url == "":
		return "", "", errors.New("database url is empty")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Postgres, url, nil
	case strings.HasPrefix(url, "sqlite:///"):
		return SQLite, sqlitePath(strings.TrimPrefix(url, "sqlite:///")), nil
	case strings.HasPrefix(url, "sqlite://"):
		return SQLite, sqlitePath(strings.TrimPrefix(url, "sqlite://")), nil
	case strings.HasPrefix(url, "sqlite:"):
		return SQLite, sqlitePath(strings.TrimPrefix(url, "sqlite:")), nil
	case strings.Contains(url, "://"):
		return "", "", fmt.Errorf("unsupported database url %q", url)
	default:
		return SQLite, sqlitePath(url), nil
	}
}

func sqlitePath(p string) string {
	if p == "" || p == ":memory:" {
		return ":memory:"
	}
	return p
}

// Migrate runs each DDL statement, substituting the dialect specific column
// types for the {{serial}} and {{timestamp}} tokens.
func (db *DB) Migrate(ctx context.Context, statements ...string) error {
	r := ddlTokens[db.dialect]
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// fn must only use tx; with SQLite the pool holds a single connection.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Now returns the current time in the form every store column holds.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
