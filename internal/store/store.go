// Package store is the durable persistence layer: chats, messages,
// registered groups, scheduled tasks and task runs in a single embedded
// sqlite database. All timestamps are fixed-width UTC strings with
// microsecond precision so that lexical ordering equals chronological
// ordering; the message cursor is such a string (empty means "never
// processed").
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBFile is the database filename under the store directory.
const DBFile = "andbot.db"

// Store wraps the sqlite handle. Writers are serialized by sqlite's own
// locking; the connection pool is capped at one writer to avoid SQLITE_BUSY
// churn under concurrent retries.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database under dir. The schema is
// not touched; callers apply pending migrations with Migrate.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dsn := filepath.Join(dir, DBFile) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Migrate applies all pending embedded migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width on purpose: RFC3339Nano trims trailing zeros,
// which breaks lexical comparison between values of different precision.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Now returns the canonical timestamp representation for the current time.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime converts a time.Time to the canonical stored representation.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime converts a stored timestamp back to time.Time. Empty strings
// return the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
