// Package archive records scans, their points and fits in a SQLite
// database. A *DB is a scan.Publisher, so registering it with the
// instrument archives every scan.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	_ "modernc.org/sqlite"

	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/timeutil"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a scan does not exist.
var ErrNotFound = errors.New("archive: scan not found")

type DB struct {
	*sql.DB
	path  string
	clock timeutil.Clock
	runs  *runs
}

// OpenDB opens the database at path without touching the schema. Use
// MigrateUp, or Open, to bring it up to date.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: db, path: path, clock: timeutil.RealClock{}, runs: newRuns()}, nil
}

// Open opens the database at path and applies any pending migrations.
func Open(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close marks scans still open as aborted and closes the database.
func (db *DB) Close() error {
	if err := db.markAborted(context.Background(), db.runs.drain()); err != nil {
		monitoring.Logf("[archive] %v", err)
	}
	return db.DB.Close()
}

// SetClock replaces the clock used for timestamps.
func (db *DB) SetClock(c timeutil.Clock) {
	db.clock = c
}

// dsn applies the pragmas on every pooled connection.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func getMigrationsFS() (fs.FS, error) {
	return fs.Sub(migrationsFS, "migrations")
}
