// Package resolve maps a candidate import path onto a concrete file in the
// asset tree, applying directory entry-point and extension fallback rules.
package resolve

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/jward/assetize/internal/manifest"
)

// ErrUnresolvedImport is matched by every *UnresolvedError.
var ErrUnresolvedImport = errors.New("unresolved import")

// UnresolvedError reports why a candidate path could not be resolved.
type UnresolvedError struct {
	Path   string
	Reason string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("could not resolve path %q: %s", e.Path, e.Reason)
}

func (e *UnresolvedError) Unwrap() error { return ErrUnresolvedImport }

// Resolver resolves candidate paths against an afero filesystem. All paths
// are slash-separated and relative to the filesystem root.
type Resolver struct {
	fs  afero.Fs
	log zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// New creates a Resolver over fsys.
func New(fsys afero.Fs, opts ...Option) *Resolver {
	r := &Resolver{fs: fsys, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the first concrete path denoted by candidate, relative to
// dir. The policy is ordered:
//
//  1. dir/candidate is a file: candidate unchanged.
//  2. dir/candidate is a directory: its package.json module, jsnext:main or
//     main field, else index.js.
//  3. dir/candidate.js is a file: candidate + ".js".
//
// The result always starts with "./" or "../".
func (r *Resolver) Resolve(dir, candidate string) (string, error) {
	full := path.Join(dir, candidate)
	info, err := r.fs.Stat(full)
	if err == nil {
		switch {
		case info.Mode().IsRegular() && strings.HasSuffix(candidate, "/"):
			return "", &UnresolvedError{Path: candidate, Reason: "file named with a trailing slash"}
		case info.Mode().IsRegular():
			return Normalize(candidate), nil
		case info.IsDir():
			return r.resolveDir(dir, candidate)
		}
	}
	// Test exactly the path returned; path.Join would drop a trailing slash.
	if withExt := candidate + ".js"; r.isFile(path.Join(dir, withExt)) {
		return Normalize(withExt), nil
	}
	if err == nil {
		return "", &UnresolvedError{Path: candidate, Reason: "not a regular file or directory"}
	}
	return "", &UnresolvedError{Path: candidate, Reason: "could not find file at this path"}
}

func (r *Resolver) resolveDir(dir, candidate string) (string, error) {
	entry := manifest.DefaultEntry
	manifestPath := path.Join(dir, candidate, manifest.FileName)
	if r.isFile(manifestPath) {
		pkg, err := manifest.Read(r.fs, manifestPath)
		if err != nil {
			r.log.Debug().Err(err).Str("path", manifestPath).Msg("ignoring unreadable package.json")
		} else {
			entry = pkg.DirectoryEntry()
		}
	}
	entry = JSExt(entry)

	tries := []string{entry}
	if path.Ext(entry) != ".js" {
		tries = append(tries, entry+".js")
	}
	tries = append(tries, path.Join(entry, manifest.DefaultEntry))

	for _, e := range tries {
		rel := path.Join(candidate, e)
		if r.isFile(path.Join(dir, rel)) {
			return Normalize(rel), nil
		}
	}
	return "", &UnresolvedError{
		Path:   candidate,
		Reason: fmt.Sprintf("directory has no entry file %q", entry),
	}
}

func (r *Resolver) isFile(p string) bool {
	info, err := r.fs.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Normalize prefixes p with "./" unless it already starts with "./" or "../".
func Normalize(p string) string {
	if p == "." || p == ".." || strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") {
		return p
	}
	return "./" + p
}

// JSExt replaces a trailing ".mjs" with ".js".
func JSExt(p string) string {
	if strings.HasSuffix(p, ".mjs") {
		return strings.TrimSuffix(p, ".mjs") + ".js"
	}
	return p
}
