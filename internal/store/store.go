package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite ledger of installed packages and rewritten files.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	_, err := s.db.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS packages (
  name            TEXT PRIMARY KEY,
  version         TEXT NOT NULL DEFAULT '',
  entry           TEXT NOT NULL DEFAULT '',
  request         TEXT NOT NULL DEFAULT '',
  installed_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS files (
  id              INTEGER PRIMARY KEY,
  path            TEXT NOT NULL UNIQUE,
  package         TEXT NOT NULL,
  hash            TEXT,
  rewrites        INTEGER NOT NULL DEFAULT 0,
  last_rewritten  TIMESTAMP
);

CREATE TABLE IF NOT EXISTS rewrites (
  id              INTEGER PRIMARY KEY,
  file_id         INTEGER NOT NULL REFERENCES files(id),
  original        TEXT NOT NULL,
  replacement     TEXT NOT NULL,
  start_byte      INTEGER,
  line            INTEGER
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_package ON files(package);
CREATE INDEX IF NOT EXISTS idx_rewrites_file ON rewrites(file_id);
`

// GetMetadata returns the value stored under key, or "" if none.
func (s *Store) GetMetadata(key string) (string, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", key, err)
	}
	return v, nil
}

// SetMetadata stores value under key, replacing any previous value.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}

// DeletePackageFiles transactionally removes the file and rewrite records of
// a package, leaving the package record itself. Used before a package is
// rewritten from a fresh archive.
func (s *Store) DeletePackageFiles(pkg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM rewrites WHERE file_id IN (SELECT id FROM files WHERE package = ?)", pkg,
	); err != nil {
		return fmt.Errorf("delete rewrites: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM files WHERE package = ?", pkg); err != nil {
		return fmt.Errorf("delete files: %w", err)
	}
	return tx.Commit()
}
