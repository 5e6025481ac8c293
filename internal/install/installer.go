// Package install stages registry packages, and everything they depend on,
// into the asset tree.
package install

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jward/assetize/internal/archive"
	"github.com/jward/assetize/internal/manifest"
	"github.com/jward/assetize/internal/registry"
)

// DefaultConcurrency bounds simultaneous registry calls.
const DefaultConcurrency = 8

// handle tracks one package name claimed during a run. extracted is closed
// once the first claimant finished (or failed) extracting it, completed once
// its dependencies are installed and its shim written. extractErr and err
// are written before the matching close.
type handle struct {
	extracted  chan struct{}
	completed  chan struct{}
	extractErr error
	err        error
}

func (h *handle) done() bool {
	select {
	case <-h.extracted:
		return true
	default:
		return false
	}
}

type parentKey struct{}

// withParent marks ctx as belonging to the dependency installs of name.
func withParent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, parentKey{}, name)
}

func parentOf(ctx context.Context) string {
	name, _ := ctx.Value(parentKey{}).(string)
	return name
}

// Installer installs packages and their transitive dependencies. Every
// package name is fetched and extracted at most once per Installer, however
// many requests (sequential or concurrent) name it.
type Installer struct {
	client  registry.Client
	mat     *Materializer
	sem     *semaphore.Weighted
	tempDir string
	log     zerolog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	// waits holds, per package still completing, the names whose completion
	// it is blocked on.
	waits map[string]map[string]bool
}

type options struct {
	log         zerolog.Logger
	concurrency int64
	ledger      PackageRecorder
	tempDir     string
}

// Option configures an Installer.
type Option func(*options)

// WithLogger sets the logger for installing lines.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithConcurrency bounds simultaneous registry calls.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = int64(n)
		}
	}
}

// WithLedger records every completed package.
func WithLedger(l PackageRecorder) Option {
	return func(o *options) { o.ledger = l }
}

// WithTempDir sets the OS directory archives are downloaded under.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// New creates an Installer staging packages under assetsDir on fsys.
func New(client registry.Client, extractor archive.Extractor, fsys afero.Fs, assetsDir string, opts ...Option) *Installer {
	o := options{log: zerolog.Nop(), concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	return &Installer{
		client:  client,
		mat:     NewMaterializer(fsys, assetsDir, extractor, o.ledger, o.log),
		sem:     semaphore.NewWeighted(o.concurrency),
		tempDir: o.tempDir,
		log:     o.log,
		handles: make(map[string]*handle),
		waits:   make(map[string]map[string]bool),
	}
}

// InstallModules installs every request ("name" or "name@range")
// concurrently and returns the first error. The batch context is canceled
// on the first failure.
func (i *Installer) InstallModules(ctx context.Context, requests []string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, req := range requests {
		g.Go(func() error {
			return i.InstallModule(ctx, req)
		})
	}
	return g.Wait()
}

// InstallModule installs one request and its dependencies. If the package
// it selects was already claimed this run, InstallModule waits for that
// package to complete and returns its outcome instead. When waiting for
// completion would close a dependency cycle, it waits for the extraction
// only.
func (i *Installer) InstallModule(ctx context.Context, request string) error {
	meta, err := i.metadata(ctx, request)
	if err != nil {
		return err
	}
	name := meta.Name
	if name == "" {
		name, _ = registry.SplitRequest(request)
	}

	h, first, wait := i.claim(parentOf(ctx), name)
	if !first {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		if wait == h.extracted {
			return h.extractErr
		}
		return h.err
	}

	defer i.complete(name, h)

	i.log.Info().Str("package", name).Str("request", request).Msg("installing")
	h.extractErr = i.fetchAndExtract(ctx, name, request)
	h.err = h.extractErr
	close(h.extracted)
	if h.err != nil {
		return h.err
	}

	_, h.err = i.mat.Complete(withParent(ctx, name), i, name, request)
	return h.err
}

// claim returns the handle for name, whether the caller created it and,
// for later claimants, the channel to wait on. A request made while
// installing parent's dependencies records that parent waits on name,
// unless name already waits on parent, directly or transitively; then the
// caller only waits for the extraction.
func (i *Installer) claim(parent, name string) (*handle, bool, <-chan struct{}) {
	i.mu.Lock()
	defer i.mu.Unlock()

	h, ok := i.handles[name]
	if !ok {
		h = &handle{extracted: make(chan struct{}), completed: make(chan struct{})}
		i.handles[name] = h
	}
	if parent == "" {
		return h, !ok, h.completed
	}
	if ok && (name == parent || i.reaches(name, parent)) {
		return h, false, h.extracted
	}
	if i.waits[parent] == nil {
		i.waits[parent] = make(map[string]bool)
	}
	i.waits[parent][name] = true
	return h, !ok, h.completed
}

// reaches reports whether from waits on to through the waits graph. The
// caller holds i.mu.
func (i *Installer) reaches(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range i.waits[n] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// complete closes h.completed and drops name's outgoing waits.
func (i *Installer) complete(name string, h *handle) {
	i.mu.Lock()
	delete(i.waits, name)
	i.mu.Unlock()
	close(h.completed)
}

func (i *Installer) metadata(ctx context.Context, request string) (*manifest.Package, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer i.sem.Release(1)
	return i.client.Metadata(ctx, request)
}

// fetchAndExtract downloads the archive into a private temp directory,
// extracts it and removes the archive whatever the outcome.
func (i *Installer) fetchAndExtract(ctx context.Context, name, request string) error {
	tmp, err := os.MkdirTemp(i.tempDir, "assetize-")
	if err != nil {
		return fmt.Errorf("creating download dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	archivePath, err := i.fetch(ctx, request, tmp)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archivePath) }()

	return i.mat.Extract(ctx, name, archivePath)
}

func (i *Installer) fetch(ctx context.Context, request, dir string) (string, error) {
	if err := i.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer i.sem.Release(1)
	return i.client.FetchArchive(ctx, request, dir)
}

// Installed returns the names extracted successfully by this Installer,
// sorted.
func (i *Installer) Installed() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	names := make([]string, 0, len(i.handles))
	for name, h := range i.handles {
		if h.done() && h.extractErr == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
