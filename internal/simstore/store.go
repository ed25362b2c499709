// Package simstore is the simulator's backing store: a single SQLite table
// of versioned rows. Every write bumps the row's version.
package simstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver" // SQLite driver (pure Go)
	_ "github.com/ncruces/go-sqlite3/embed"  // Embed SQLite WASM binary
)

var ErrNotFound = errors.New("simstore: not found")

// Entity is one row. It doubles as the cached value type.
type Entity struct {
	ID      string `db:"id" json:"id"`
	Value   string `db:"value" json:"value"`
	Version uint64 `db:"version" json:"version"`
}

type Store struct {
	db *sqlx.DB
}

// Key names the i-th seeded row.
func Key(i int) string { return "k" + strconv.Itoa(i) }

const schema = `CREATE TABLE IF NOT EXISTS entities (
	id      TEXT PRIMARY KEY,
	value   TEXT NOT NULL,
	version INTEGER NOT NULL
)`

// Open creates (or reuses) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("simstore: database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("simstore: create database directory: %w", err)
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("simstore: open %s: %w", path, err)
	}
	// one connection serializes writers without SQLITE_BUSY retries
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range append(pragmas, schema) {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("simstore: %q: %w", p, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Seed resets the table to n rows at version 1.
func (s *Store) Seed(ctx context.Context, n int) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("simstore: begin: %w", err)
	}
	defer txx.Rollback()

	if _, err := txx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return fmt.Errorf("simstore: clear: %w", err)
	}
	for i := 0; i < n; i++ {
		k := Key(i)
		if _, err := txx.ExecContext(ctx,
			`INSERT INTO entities (id, value, version) VALUES (?, ?, 1)`,
			k, k+"#1",
		); err != nil {
			return fmt.Errorf("simstore: seed %s: %w", k, err)
		}
	}
	if err := txx.Commit(); err != nil {
		return fmt.Errorf("simstore: commit seed: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (Entity, error) {
	var e Entity
	err := s.db.GetContext(ctx, &e, `SELECT id, value, version FROM entities WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("simstore: load %s: %w", id, err)
	}
	return e, nil
}

// Write stores value under id and returns the row with its new version.
func (s *Store) Write(ctx context.Context, id, value string) (Entity, error) {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Entity{}, fmt.Errorf("simstore: begin: %w", err)
	}
	defer txx.Rollback()

	if _, err := txx.ExecContext(ctx,
		`INSERT INTO entities (id, value, version) VALUES (?, ?, 1)
		ON CONFLICT (id) DO UPDATE SET
			value = excluded.value,
			version = entities.version + 1`,
		id, value,
	); err != nil {
		return Entity{}, fmt.Errorf("simstore: write %s: %w", id, err)
	}
	var e Entity
	if err := txx.GetContext(ctx, &e, `SELECT id, value, version FROM entities WHERE id = ?`, id); err != nil {
		return Entity{}, fmt.Errorf("simstore: reread %s: %w", id, err)
	}
	if err := txx.Commit(); err != nil {
		return Entity{}, fmt.Errorf("simstore: commit %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM entities`); err != nil {
		return 0, fmt.Errorf("simstore: count: %w", err)
	}
	return n, nil
}
