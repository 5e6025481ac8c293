package store

import (
	"database/sql"
	"fmt"
)

// CommitBatch inserts all buffered data from a BatchedStore into SQLite
// within a single transaction. Fake (negative) file IDs are remapped to real
// IDs, and the rewrites of each file are rewritten using the fakeToReal
// mapping.
//
// Insert order respects FK dependencies:
//  1. Files (upserted by path; previous rewrites of the file are dropped)
//  2. Rewrites (depend on file_id)
func (s *Store) CommitBatch(batch *BatchedStore) error {
	batch.mu.Lock()
	defer batch.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("commit batch: begin: %w", err)
	}
	defer tx.Rollback()

	fakeToReal := make(map[int64]int64)
	latest := make(map[string]int64) // path -> fake ID of its last record

	// 1. Files
	for _, f := range batch.Files {
		fakeID := f.ID
		if err := upsertFileTx(tx, &f); err != nil {
			return fmt.Errorf("commit batch: file %q: %w", f.Path, err)
		}
		fakeToReal[fakeID] = f.ID
		latest[f.Path] = fakeID
	}
	current := make(map[int64]bool, len(latest))
	for _, fakeID := range latest {
		current[fakeID] = true
	}

	// 2. Rewrites
	for _, r := range batch.Rewrites {
		if r.FileID < 0 {
			if !current[r.FileID] {
				continue
			}
			r.FileID = fakeToReal[r.FileID]
		}
		if err := insertRewriteTx(tx, &r); err != nil {
			return fmt.Errorf("commit batch: rewrite: %w", err)
		}
	}

	return tx.Commit()
}

func recordFileTx(tx *sql.Tx, f *File, rewrites []*Rewrite) error {
	f.Rewrites = len(rewrites)
	if err := upsertFileTx(tx, f); err != nil {
		return err
	}
	for _, r := range rewrites {
		r.FileID = f.ID
		if err := insertRewriteTx(tx, r); err != nil {
			return err
		}
	}
	return nil
}

// upsertFileTx inserts or updates f by path, sets f.ID to the row's ID and
// clears the rewrites previously recorded for it.
func upsertFileTx(tx *sql.Tx, f *File) error {
	_, err := tx.Exec(
		`INSERT INTO files (path, package, hash, rewrites, last_rewritten) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   package = excluded.package,
		   hash = excluded.hash,
		   rewrites = excluded.rewrites,
		   last_rewritten = excluded.last_rewritten`,
		f.Path, f.Package, f.Hash, f.Rewrites, f.LastRewritten,
	)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	if err := tx.QueryRow("SELECT id FROM files WHERE path = ?", f.Path).Scan(&f.ID); err != nil {
		return fmt.Errorf("file id: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM rewrites WHERE file_id = ?", f.ID); err != nil {
		return fmt.Errorf("clear rewrites: %w", err)
	}
	return nil
}

func insertRewriteTx(tx *sql.Tx, r *Rewrite) error {
	res, err := tx.Exec(
		"INSERT INTO rewrites (file_id, original, replacement, start_byte, line) VALUES (?, ?, ?, ?, ?)",
		r.FileID, r.Original, r.Replacement, r.StartByte, r.Line,
	)
	if err != nil {
		return fmt.Errorf("insert rewrite: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	return nil
}
