package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// --- Package operations ---

// UpsertPackage inserts p or replaces the record with the same name.
func (s *Store) UpsertPackage(p *Package) error {
	_, err := s.db.Exec(
		`INSERT INTO packages (name, version, entry, request, installed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   version = excluded.version,
		   entry = excluded.entry,
		   request = excluded.request,
		   installed_at = excluded.installed_at`,
		p.Name, p.Version, p.Entry, p.Request, p.InstalledAt,
	)
	if err != nil {
		return fmt.Errorf("upsert package %q: %w", p.Name, err)
	}
	return nil
}

const packageColumns = "name, version, entry, request, installed_at"

func scanPackage(sc rowScanner) (*Package, error) {
	p := &Package{}
	var installed sql.NullTime
	if err := sc.Scan(&p.Name, &p.Version, &p.Entry, &p.Request, &installed); err != nil {
		return nil, err
	}
	p.InstalledAt = installed.Time
	return p, nil
}

// PackageByName returns the named package, or nil if it is not recorded.
func (s *Store) PackageByName(name string) (*Package, error) {
	p, err := scanPackage(s.db.QueryRow("SELECT "+packageColumns+" FROM packages WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("package by name: %w", err)
	}
	return p, nil
}

// Packages returns every recorded package ordered by name.
func (s *Store) Packages() ([]*Package, error) {
	return s.queryPackages("SELECT " + packageColumns + " FROM packages ORDER BY name")
}

// PackagesByName returns the recorded packages among names, ordered by name.
func (s *Store) PackagesByName(names []string) ([]*Package, error) {
	if len(names) == 0 {
		return nil, nil
	}
	return s.queryPackages(
		"SELECT "+packageColumns+" FROM packages WHERE name IN ("+placeholderList(len(names))+") ORDER BY name",
		stringsToArgs(names)...,
	)
}

func (s *Store) queryPackages(query string, args ...any) ([]*Package, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()
	var pkgs []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, rows.Err()
}

// --- File operations ---

const fileColumns = "id, path, package, hash, rewrites, last_rewritten"

func scanFile(sc rowScanner) (*File, error) {
	f := &File{}
	var hash sql.NullString
	var last sql.NullTime
	if err := sc.Scan(&f.ID, &f.Path, &f.Package, &hash, &f.Rewrites, &last); err != nil {
		return nil, err
	}
	f.Hash = hash.String
	f.LastRewritten = last.Time
	return f, nil
}

// RecordFile upserts f by path and replaces its rewrites in one
// transaction.
func (s *Store) RecordFile(f *File, rewrites []*Rewrite) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("record file: begin: %w", err)
	}
	defer tx.Rollback()

	if err := recordFileTx(tx, f, rewrites); err != nil {
		return fmt.Errorf("record file %q: %w", f.Path, err)
	}
	return tx.Commit()
}

func (s *Store) FileByPath(path string) (*File, error) {
	f, err := scanFile(s.db.QueryRow("SELECT "+fileColumns+" FROM files WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path: %w", err)
	}
	return f, nil
}

func (s *Store) FilesByPackage(pkg string) ([]*File, error) {
	rows, err := s.db.Query("SELECT "+fileColumns+" FROM files WHERE package = ? ORDER BY path", pkg)
	if err != nil {
		return nil, fmt.Errorf("files by package: %w", err)
	}
	defer rows.Close()
	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// --- Rewrite operations ---

func (s *Store) RewritesByFile(fileID int64) ([]*Rewrite, error) {
	rows, err := s.db.Query(
		"SELECT id, file_id, original, replacement, start_byte, line FROM rewrites WHERE file_id = ? ORDER BY start_byte",
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("rewrites by file: %w", err)
	}
	defer rows.Close()
	var out []*Rewrite
	for rows.Next() {
		r := &Rewrite{}
		if err := rows.Scan(&r.ID, &r.FileID, &r.Original, &r.Replacement, &r.StartByte, &r.Line); err != nil {
			return nil, fmt.Errorf("scan rewrite: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
