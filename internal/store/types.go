package store

import "time"

// Package is one installed package.
type Package struct {
	Name        string
	Version     string
	Entry       string // shim entry, "./<unscoped>/<file>"
	Request     string // the request that installed it, e.g. "lit-html@^1.0.0"
	InstalledAt time.Time
}

// File is one rewritten source file.
type File struct {
	ID            int64
	Path          string
	Package       string
	Hash          string
	Rewrites      int
	LastRewritten time.Time
}

// Rewrite is one specifier replacement applied to a file.
type Rewrite struct {
	ID          int64
	FileID      int64
	Original    string
	Replacement string
	StartByte   int
	Line        int
}
