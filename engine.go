package assetize

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/jward/assetize/internal/archive"
	"github.com/jward/assetize/internal/install"
	"github.com/jward/assetize/internal/manifest"
	"github.com/jward/assetize/internal/registry"
	"github.com/jward/assetize/internal/rewrite"
	"github.com/jward/assetize/internal/runtime"
	"github.com/jward/assetize/internal/store"
)

// DefaultAssetsDir is the asset tree root relative to the project directory.
const DefaultAssetsDir = "assets"

const transformHashKey = "transform_hash"

// Engine orchestrates one assetize run: project manifest reading, package
// installation, the rename pass, import rewriting and the ledger.
type Engine struct {
	store     *store.Store
	fs        afero.Fs
	dir       string
	assetsDir string

	client      registry.Client
	installer   *install.Installer
	rewriter    *rewrite.Rewriter
	runtime     *runtime.Runtime
	concurrency int
	global      string
	transform   string
	tempDir     string
	log         zerolog.Logger

	// useParallel enables the parallel rewrite pipeline.
	useParallel bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every stage.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithAssetsDir sets the asset tree root, relative to the project directory.
func WithAssetsDir(dir string) Option {
	return func(e *Engine) {
		if dir != "" {
			e.assetsDir = filepath.ToSlash(filepath.Clean(dir))
		}
	}
}

// WithRegistry sets the registry client. The default runs the npm CLI.
func WithRegistry(c registry.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithConcurrency bounds simultaneous registry calls.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithGlobal sets the global object process.env accesses are qualified with.
func WithGlobal(name string) Option {
	return func(e *Engine) { e.global = name }
}

// WithTransformScript runs the Risor script at path (relative to the
// project directory) over every rewritten file.
func WithTransformScript(path string) Option {
	return func(e *Engine) { e.transform = path }
}

// WithTempDir sets where archives are downloaded. Defaults to the OS temp
// directory.
func WithTempDir(dir string) Option {
	return func(e *Engine) { e.tempDir = dir }
}

// WithParallel controls parallel rewriting. When true (default), Rewrite
// uses a worker pool for scanning and rewriting, with a single goroutine
// committing batches to SQLite. Set to false for serial mode.
func WithParallel(parallel bool) Option {
	return func(e *Engine) {
		e.useParallel = parallel
	}
}

// New creates an Engine for the project at dir, backed by a SQLite ledger at
// dbPath. A relative dbPath is taken relative to dir.
func New(dir, dbPath string, opts ...Option) (*Engine, error) {
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dir, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("assetize: create ledger dir: %w", err)
	}
	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("assetize: create store: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("assetize: migrate: %w", err)
	}

	e := &Engine{
		store:       s,
		fs:          afero.NewBasePathFs(afero.NewOsFs(), dir),
		dir:         dir,
		assetsDir:   DefaultAssetsDir,
		concurrency: install.DefaultConcurrency,
		global:      rewrite.DefaultGlobal,
		log:         zerolog.Nop(),
		useParallel: true, // default to parallel rewriting
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		e.client = registry.NewNPM("", registry.WithLogger(e.log))
	}

	e.installer = install.New(e.client, archive.NewTarGz(e.fs), e.fs, e.assetsDir,
		install.WithLogger(e.log),
		install.WithConcurrency(e.concurrency),
		install.WithLedger(s),
		install.WithTempDir(e.tempDir),
	)

	rwOpts := []rewrite.Option{rewrite.WithLogger(e.log), rewrite.WithGlobal(e.global)}
	if e.transform != "" {
		e.runtime = runtime.NewRuntime(dir, runtime.WithLogger(e.log))
		rwOpts = append(rwOpts, rewrite.WithTransform(e.runtime, e.transform))
	}
	e.rewriter = rewrite.New(e.fs, e.assetsDir, rwOpts...)

	return e, nil
}

// Close releases the Engine's database resources.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the underlying Store for direct access.
func (e *Engine) Store() *Store {
	return e.store
}

// AssetsDir returns the asset tree root relative to the project directory.
func (e *Engine) AssetsDir() string {
	return e.assetsDir
}

// Project reads the project manifest at manifestPath (relative to the
// project directory) and returns its install requests from field.
func (e *Engine) Project(manifestPath, field string) ([]string, error) {
	proj, err := manifest.ReadProject(e.fs, filepath.ToSlash(manifestPath), field)
	if err != nil {
		return nil, err
	}
	return proj.Requests(), nil
}

// Install installs requests and every transitive dependency. Packages
// already installed by this Engine are not fetched again.
func (e *Engine) Install(ctx context.Context, requests []string) error {
	if len(requests) == 0 {
		return nil
	}
	return e.installer.InstallModules(ctx, requests)
}

// Installed returns the packages this Engine installed, sorted.
func (e *Engine) Installed() []string {
	return e.installer.Installed()
}

// ResolveSpecifier returns what specifier becomes when found in file (a
// path relative to the project directory).
func (e *Engine) ResolveSpecifier(file, specifier string) (string, error) {
	return e.rewriter.ResolveSpecifier(path.Clean(filepath.ToSlash(file)), specifier)
}

// Packages returns the ledger's package records, all of them when names is
// empty.
func (e *Engine) Packages(names ...string) ([]*Package, error) {
	switch len(names) {
	case 0:
		return e.store.Packages()
	case 1:
		p, err := e.store.PackageByName(names[0])
		if p == nil || err != nil {
			return nil, err
		}
		return []*Package{p}, nil
	}
	return e.store.PackagesByName(names)
}

// PackageFiles returns the ledger's file records for the named package,
// ordered by path. A package with neither files nor a package record is an
// error.
func (e *Engine) PackageFiles(name string) ([]*File, error) {
	files, err := e.store.FilesByPackage(name)
	if err != nil || len(files) > 0 {
		return files, err
	}
	pkg, err := e.store.PackageByName(name)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, fmt.Errorf("%s is not in the ledger", name)
	}
	return nil, nil
}

// Report summarizes a run.
type Report struct {
	Installed []string
	Rewritten []string
	Files     int
	Changed   int
	Fixes     int
}

// Add counts results into the report.
func (r *Report) Add(results []*rewrite.Result) {
	for _, res := range results {
		r.Files++
		r.Fixes += len(res.Fixes)
		if res.Changed {
			r.Changed++
		}
	}
}

// RunOptions selects what Run installs and rewrites.
type RunOptions struct {
	// Manifest is the project manifest path, relative to the project
	// directory.
	Manifest string
	// Field names the manifest mapping of packages to install.
	Field string
	// Modules are already-staged packages to rewrite in addition to
	// whatever this run installs.
	Modules []string
}

// Run installs the project's asset dependencies, then rewrites every
// package it installed plus opts.Modules. A missing project manifest is
// only an error (ErrNoManifest) when no modules were named.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	requests, err := e.Project(opts.Manifest, opts.Field)
	switch {
	case errors.Is(err, ErrNoManifest) && len(opts.Modules) > 0:
		e.log.Debug().Err(err).Msg("no project manifest; rewriting named modules only")
	case err != nil:
		return nil, err
	}

	if err := e.Install(ctx, requests); err != nil {
		return nil, err
	}

	report := &Report{Installed: e.Installed()}
	names := mergeNames(report.Installed, opts.Modules)
	results, err := e.Rewrite(ctx, names)
	report.Add(results)
	report.Rewritten = names
	return report, err
}

// Rewrite renames and rewrites the named staged packages. Every package's
// .mjs files are renamed before any file is rewritten, so cross-package
// references to renamed files resolve.
func (e *Engine) Rewrite(ctx context.Context, names []string) ([]*rewrite.Result, error) {
	names = mergeNames(nil, names)

	// Rename pass for every package first.
	for _, name := range names {
		renamed, err := e.rewriter.RenameModules(name)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", name, err)
		}
		if len(renamed) > 0 {
			e.log.Debug().Str("package", name).Int("files", len(renamed)).Msg("renamed .mjs files")
		}
	}

	var items []workItem
	for _, name := range names {
		files, err := e.rewriter.Files(name)
		if err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", name, err)
		}
		if err := e.store.DeletePackageFiles(name); err != nil {
			return nil, fmt.Errorf("rewrite %s: %w", name, err)
		}
		for _, f := range files {
			items = append(items, workItem{pkg: name, path: f})
		}
	}

	var results []*rewrite.Result
	var err error
	if e.useParallel {
		results, err = e.rewriteFilesParallel(ctx, items)
	} else {
		results, err = e.rewriteFilesSerial(ctx, items)
	}
	if err != nil {
		return results, err
	}
	if err := e.store.SetMetadata(transformHashKey, e.transformHash()); err != nil {
		return results, fmt.Errorf("recording transform hash: %w", err)
	}
	return results, nil
}

func (e *Engine) rewriteFilesSerial(ctx context.Context, items []workItem) ([]*rewrite.Result, error) {
	results := make([]*rewrite.Result, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := e.rewriteInto(ctx, e.store, item.pkg, item.path)
		if err != nil {
			return results, fmt.Errorf("rewrite %s: %w", item.path, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// rewriteInto rewrites one file and records the result in l.
func (e *Engine) rewriteInto(ctx context.Context, l store.Ledger, pkg, file string) (*rewrite.Result, error) {
	res, err := e.rewriter.RewriteFile(ctx, pkg, file)
	if err != nil {
		return nil, err
	}
	f := &store.File{
		Path:          res.Path,
		Package:       res.Package,
		Hash:          res.Hash,
		LastRewritten: time.Now().UTC(),
	}
	rws := make([]*store.Rewrite, 0, len(res.Fixes))
	for _, fix := range res.Fixes {
		rws = append(rws, &store.Rewrite{
			Original:    fix.Match.Specifier,
			Replacement: fix.Replacement,
			StartByte:   fix.Match.Start,
			Line:        fix.Match.Line,
		})
	}
	if err := l.RecordFile(f, rws); err != nil {
		return nil, fmt.Errorf("recording %s: %w", res.Path, err)
	}
	return res, nil
}

// transformHash hashes the configured transform script, or returns "" when
// none is configured or it cannot be read.
func (e *Engine) transformHash() string {
	if e.runtime == nil {
		return ""
	}
	src, err := e.runtime.LoadScript(e.transform)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(e.transform+"\x00"+src)))
}

// TransformChanged reports whether the transform script differs from the
// one used by the last completed rewrite. Packages staged earlier are not
// re-transformed unless they are rewritten again.
func (e *Engine) TransformChanged() bool {
	stored, err := e.store.GetMetadata(transformHashKey)
	if err != nil {
		return true
	}
	return stored != e.transformHash()
}

// mergeNames returns the sorted union of a and b without duplicates.
func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}
