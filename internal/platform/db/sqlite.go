package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens or creates the SQLite database at path in WAL mode.
func OpenSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := configureSQLite(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func configureSQLite(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var mode string
	if err := db.GetContext(ctx, &mode, "PRAGMA journal_mode"); err != nil {
		return fmt.Errorf("query journal mode: %w", err)
	}
	if strings.ToLower(mode) != "wal" {
		return fmt.Errorf("sqlite WAL mode not enabled, journal_mode=%s", mode)
	}
	return nil
}

// SQLitePinger adapts a sqlx handle to Pinger for the health endpoint.
func SQLitePinger(db *sqlx.DB) Pinger { return sqlitePinger{db} }

type sqlitePinger struct{ db *sqlx.DB }

func (p sqlitePinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
