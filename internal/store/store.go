package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// migration upgrades a database whose user_version is below version.
type migration struct {
	version int
	name    string
	stmt    string
}

// migrations run in order inside one transaction each. schema.sql always
// describes the latest layout, so every statement must be idempotent.
var migrations = []migration{
	{1, "barrier_events epoch index", `CREATE INDEX IF NOT EXISTS idx_barrier_events_epoch ON barrier_events(epoch, seq)`},
}

func schemaVersion() int { return migrations[len(migrations)-1].version }

// pragma is applied on open and read back, since SQLite ignores some
// settings silently (journal_mode on a memory database, for one).
type pragma struct {
	name, value, want string
}

// Flushed log entries must survive power loss before a checkpoint commits,
// hence synchronous FULL rather than NORMAL.
var writePragmas = []pragma{
	{"journal_mode", "WAL", "wal"},
	{"synchronous", "FULL", "2"},
	{"busy_timeout", "5000", "5000"},
	{"foreign_keys", "ON", "1"},
}

var readPragmas = []pragma{
	{"busy_timeout", "5000", "5000"},
}

// Store provides durable storage for thread logs and checkpoint metadata.
type Store struct {
	db       *sql.DB
	readOnly bool
}

// Option configures Open.
type Option func(*openConfig)

type openConfig struct {
	readOnly bool
}

// ReadOnly opens an existing database without applying the schema. Writes
// fail. Used by inspection tools that must not touch a live worker's log.
func ReadOnly() Option {
	return func(c *openConfig) { c.readOnly = true }
}

// Open creates or opens a SQLite database at path and brings its schema up
// to date. A read-only store skips the schema step and requires the file to
// exist.
func Open(path string, opts ...Option) (*Store, error) {
	var cfg openConfig
	for _, o := range opts {
		o(&cfg)
	}

	dsn, pragmas := path, writePragmas
	if cfg.readOnly {
		dsn, pragmas = "file:"+path+"?mode=ro", readPragmas
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}

	// One connection: SQLite allows a single writer and pragmas are
	// per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, readOnly: cfg.readOnly}
	if err := s.applyPragmas(pragmas); err != nil {
		db.Close()
		return nil, err
	}
	if !cfg.readOnly {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying handle. Tests use it to damage rows on purpose.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Query runs an ad hoc read. Callers close the rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) applyPragmas(pragmas []pragma) error {
	for _, p := range pragmas {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
		if err := s.verifyPragma(p.name, p.want); err != nil {
			return err
		}
	}
	return nil
}

// migrate creates missing tables, then runs every migration above the
// stored user_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		// PRAGMA does not take bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("read pragma %s: %w", name, err)
	}
	if !strings.EqualFold(value, expected) {
		return fmt.Errorf("pragma %s = %q, expected %q", name, value, expected)
	}
	return nil
}
