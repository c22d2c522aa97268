// Package sqlite implements the store adapter for SQLite databases.
//
// Every tracked table T gets a tracking table _rs_track_T keyed like T and
// three triggers that stamp inserts, updates and deletes with the store's
// logical clock (_rs_clock). Deleted keys stay in the tracking table as
// tombstones until purged. Writes made by the sync applier are attributed
// to the sending peer through _rs_context, which the triggers read.
//
// Column values are stored as: integers and booleans INTEGER, floats REAL,
// bytes BLOB, and decimals, datetimes (RFC 3339), uuids and strings TEXT.
// Decimal and datetime columns should be declared TEXT so SQLite type
// affinity keeps them exact.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/roach88/rowsync/internal/adapter"
	"github.com/roach88/rowsync/internal/adapter/sqlite/migrations"
)

var _ adapter.Adapter = (*Store)(nil)

const (
	// DriverCGO selects github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"

	// DriverPure selects modernc.org/sqlite.
	DriverPure = "sqlite"
)

const migrationsTable = "_rs_schema_migrations"

// Options configures Open.
type Options struct {
	// Driver is DriverCGO (default) or DriverPure.
	Driver string
}

// Store is a SQLite database taking part in synchronization.
type Store struct {
	db     *sql.DB
	driver string
	peerID string
}

// Open creates or opens the database at path, applies pragmas and the sync
// metadata migrations, and loads the store's peer id (creating one on
// first open). It is safe to call repeatedly on the same file.
func Open(path string, opts Options) (*Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPure {
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite has a single writer; one connection avoids SQLITE_BUSY and
	// keeps _rs_context visible to the triggers of the same transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := runMigrations(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, driver: driver}
	if s.peerID, err = s.loadPeerID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database, shared with the scope store.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.driver }

// PeerID returns the store's stable identity.
func (s *Store) PeerID() string { return s.peerID }

// CurrentTimestamp returns the clock value of the last tracked change.
func (s *Store) CurrentTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM _rs_clock WHERE id = 0`).Scan(&ts); err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return ts, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB, driver string) error {
	sourceDriver, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	defer sourceDriver.Close()

	var migrator *migrate.Migrate
	switch driver {
	case DriverPure:
		target, err := migratesqlite.WithInstance(db, &migratesqlite.Config{MigrationsTable: migrationsTable})
		if err != nil {
			return fmt.Errorf("initialise migrate driver: %w", err)
		}
		migrator, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite", target)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	default:
		target, err := migratesqlite3.WithInstance(db, &migratesqlite3.Config{MigrationsTable: migrationsTable})
		if err != nil {
			return fmt.Errorf("initialise migrate driver: %w", err)
		}
		migrator, err = migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", target)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) loadPeerID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT value FROM _rs_meta WHERE key = 'peer_id'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read peer id: %w", err)
	}
	id = uuid.NewString()
	if _, err := s.db.Exec(`INSERT INTO _rs_meta (key, value) VALUES ('peer_id', ?)`, id); err != nil {
		return "", fmt.Errorf("store peer id: %w", err)
	}
	return id, nil
}
