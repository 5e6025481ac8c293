// Package rewrite turns the imports of an installed package into explicit,
// relative, extension-qualified paths a browser module loader can fetch.
package rewrite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	iofs "io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/jward/assetize/internal/resolve"
	"github.com/jward/assetize/internal/runtime"
	"github.com/jward/assetize/internal/scan"
	"github.com/jward/assetize/internal/specifier"
)

// DefaultGlobal qualifies process.env accesses in browser code.
const DefaultGlobal = "self"

// FileMode is applied to every rewritten file. Some archives ship sources
// without read/execute bits, which some static file servers refuse to serve.
const FileMode iofs.FileMode = 0o755

// Fix is a pending replacement of one specifier literal.
type Fix struct {
	Match       scan.Match
	Replacement string
}

// Result describes one rewritten file.
type Result struct {
	Path    string
	Package string
	Fixes   []Fix
	Changed bool
	Hash    string
}

// Rewriter rewrites the files of packages staged under an assets directory.
type Rewriter struct {
	fs        afero.Fs
	assetsDir string
	resolver  *resolve.Resolver
	global    string
	runtime   *runtime.Runtime
	script    string
	log       zerolog.Logger
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithLogger sets the logger for rewrite and warning lines.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Rewriter) { r.log = l }
}

// WithGlobal sets the global object used to qualify process.env.
func WithGlobal(name string) Option {
	return func(r *Rewriter) {
		if name != "" {
			r.global = name
		}
	}
}

// WithTransform runs the Risor script at scriptPath over every file after
// the built-in rewrites.
func WithTransform(rt *runtime.Runtime, scriptPath string) Option {
	return func(r *Rewriter) {
		r.runtime = rt
		r.script = scriptPath
	}
}

// New creates a Rewriter for packages under assetsDir on fsys.
func New(fsys afero.Fs, assetsDir string, opts ...Option) *Rewriter {
	r := &Rewriter{
		fs:        fsys,
		assetsDir: path.Clean(filepath.ToSlash(assetsDir)),
		global:    DefaultGlobal,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resolver = resolve.New(fsys, resolve.WithLogger(r.log))
	return r
}

// PackageDir returns the directory a package is staged in.
func (r *Rewriter) PackageDir(name string) string {
	return path.Join(r.assetsDir, name)
}

// RenameModules renames every .mjs file in the package tree to .js and
// returns the new paths.
func (r *Rewriter) RenameModules(name string) ([]string, error) {
	mjs, err := r.glob(name, "**/*.mjs")
	if err != nil {
		return nil, err
	}
	renamed := make([]string, 0, len(mjs))
	for _, file := range mjs {
		target := resolve.JSExt(file)
		if err := r.fs.Rename(file, target); err != nil {
			return nil, fmt.Errorf("rename %s: %w", file, err)
		}
		renamed = append(renamed, target)
	}
	return renamed, nil
}

// Files returns every .js file in the package tree, sorted.
func (r *Rewriter) Files(name string) ([]string, error) {
	return r.glob(name, "**/*.js")
}

func (r *Rewriter) glob(name, pattern string) ([]string, error) {
	dir := r.PackageDir(name)
	info, err := r.fs.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("package %s: %s is not a directory", name, dir)
	}

	sub, err := iofs.Sub(afero.NewIOFS(r.fs), dir)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", name, err)
	}
	names, err := doublestar.Glob(sub, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %s in %s: %w", pattern, dir, err)
	}
	files := make([]string, 0, len(names))
	for _, n := range names {
		files = append(files, path.Join(dir, n))
	}
	sort.Strings(files)
	return files, nil
}

// RewritePackage renames and rewrites every file of one package serially.
func (r *Rewriter) RewritePackage(ctx context.Context, name string) ([]*Result, error) {
	if _, err := r.RenameModules(name); err != nil {
		return nil, err
	}
	files, err := r.Files(name)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, 0, len(files))
	for _, file := range files {
		res, err := r.RewriteFile(ctx, name, file)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// RewriteFile rewrites file in place. The file is written only when its
// content changed, but its mode is always set to FileMode.
func (r *Rewriter) RewriteFile(ctx context.Context, pkg, file string) (*Result, error) {
	if _, ok := scan.LanguageForFile(file); !ok {
		return nil, fmt.Errorf("rewrite %s: not a JavaScript file", file)
	}
	src, err := afero.ReadFile(r.fs, file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}

	out, fixes, err := r.Rewrite(ctx, pkg, file, src)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Path:    file,
		Package: pkg,
		Fixes:   fixes,
		Changed: !bytes.Equal(src, out),
		Hash:    fmt.Sprintf("%x", sha256.Sum256(out)),
	}
	if res.Changed {
		if err := afero.WriteFile(r.fs, file, out, FileMode); err != nil {
			return nil, fmt.Errorf("write %s: %w", file, err)
		}
	}
	if err := r.fs.Chmod(file, FileMode); err != nil {
		return nil, fmt.Errorf("chmod %s: %w", file, err)
	}
	return res, nil
}

// Rewrite returns the rewritten content of file without touching the
// filesystem beyond resolution lookups.
func (r *Rewriter) Rewrite(ctx context.Context, pkg, file string, src []byte) ([]byte, []Fix, error) {
	matches, err := scan.Source(ctx, src)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", file, err)
	}

	var fixes []Fix
	for _, m := range matches {
		resolved, err := r.ResolveSpecifier(file, m.Specifier)
		if err != nil {
			r.log.Warn().
				Str("file", file).
				Int("line", m.Line).
				Str("specifier", m.Specifier).
				Err(err).
				Msg("could not resolve import")
			continue
		}
		if resolved == m.Specifier {
			continue
		}
		fixes = append(fixes, Fix{Match: m, Replacement: resolved})
		r.log.Info().
			Str("file", file).
			Str("old", m.Text(src)).
			Str("new", m.Prelude(src)+resolved+string(m.Quote)).
			Msg("rewrote import")
	}

	out := QualifyEnv(ApplyFixes(src, fixes), r.global)

	if r.runtime != nil && r.script != "" {
		out, err = r.runtime.Transform(ctx, r.script, runtime.Input{Path: file, Package: pkg, Content: out})
		if err != nil {
			return nil, nil, fmt.Errorf("%s: transform: %w", file, err)
		}
	}
	return out, fixes, nil
}

// ResolveSpecifier maps a specifier found in file onto a relative path to an
// existing file. Relative specifiers resolve against file's directory;
// package specifiers resolve against the package's directory in the asset
// tree.
func (r *Rewriter) ResolveSpecifier(file, raw string) (string, error) {
	spec, err := specifier.Parse(raw)
	if err != nil {
		return "", err
	}

	dir := path.Dir(file)
	target := path.Join(r.assetsDir, spec.BaseName)
	if spec.IsRelative() {
		target = path.Join(dir, spec.BaseName)
	}
	candidate, err := relPath(dir, target)
	if err != nil {
		return "", err
	}

	if sub := strings.TrimSpace(spec.SubPath); sub != "" {
		if candidate != "" {
			candidate += "/" + sub
		} else {
			candidate = "./" + sub
		}
	}
	return r.resolver.Resolve(dir, resolve.JSExt(candidate))
}

// relPath is the slash-separated relative path from dir to target. It is
// empty when both name the same directory.
func relPath(dir, target string) (string, error) {
	rel, err := filepath.Rel(filepath.FromSlash(dir), filepath.FromSlash(target))
	if err != nil {
		return "", fmt.Errorf("relative path from %s to %s: %w", dir, target, err)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// ApplyFixes rebuilds src with every fix spliced in. Fixes are applied in
// source order in one pass; a fix overlapping an earlier one is dropped.
// Replacement text is inserted literally.
func ApplyFixes(src []byte, fixes []Fix) []byte {
	if len(fixes) == 0 {
		return src
	}
	sorted := append([]Fix(nil), fixes...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Match.Start < sorted[j].Match.Start })

	var buf bytes.Buffer
	buf.Grow(len(src))
	cursor := 0
	for _, f := range sorted {
		if f.Match.Start < cursor || f.Match.End > len(src) {
			continue
		}
		buf.Write(src[cursor:f.Match.Start])
		buf.WriteString(f.Replacement)
		cursor = f.Match.End
	}
	buf.Write(src[cursor:])
	return buf.Bytes()
}

const envAccess = "process.env"

// QualifyEnv rewrites every unqualified process.env access to
// global.process.env. Accesses already preceded by "." are left alone, so
// the rewrite is idempotent.
func QualifyEnv(src []byte, global string) []byte {
	needle := []byte(envAccess)
	if !bytes.Contains(src, needle) {
		return src
	}

	var buf bytes.Buffer
	buf.Grow(len(src) + 16)
	cursor := 0
	for {
		i := bytes.Index(src[cursor:], needle)
		if i < 0 {
			break
		}
		at := cursor + i
		end := at + len(needle)
		buf.Write(src[cursor:at])
		if unqualified(src, at, end) {
			buf.WriteString(global)
			buf.WriteByte('.')
		}
		buf.Write(needle)
		cursor = end
	}
	buf.Write(src[cursor:])
	return buf.Bytes()
}

func unqualified(src []byte, start, end int) bool {
	if start > 0 && (src[start-1] == '.' || isIdentByte(src[start-1])) {
		return false
	}
	if end < len(src) && isIdentByte(src[end]) {
		return false
	}
	return true
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

