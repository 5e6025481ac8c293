package install

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/jward/assetize/internal/archive"
	"github.com/jward/assetize/internal/manifest"
	"github.com/jward/assetize/internal/resolve"
	"github.com/jward/assetize/internal/specifier"
	"github.com/jward/assetize/internal/store"
)

// PackageRecorder receives a record for every completed package.
// *store.Store satisfies it.
type PackageRecorder interface {
	UpsertPackage(p *store.Package) error
}

// DependencyInstaller installs a batch of requests.
type DependencyInstaller interface {
	InstallModules(ctx context.Context, requests []string) error
}

// Materializer turns a fetched archive into a staged package with a shim.
type Materializer struct {
	fs        afero.Fs
	assetsDir string
	extractor archive.Extractor
	ledger    PackageRecorder
	log       zerolog.Logger
}

// NewMaterializer creates a Materializer staging packages under assetsDir.
// ledger may be nil.
func NewMaterializer(fsys afero.Fs, assetsDir string, extractor archive.Extractor, ledger PackageRecorder, log zerolog.Logger) *Materializer {
	return &Materializer{
		fs:        fsys,
		assetsDir: path.Clean(assetsDir),
		extractor: extractor,
		ledger:    ledger,
		log:       log,
	}
}

// PackageDir returns where a package is staged.
func (m *Materializer) PackageDir(name string) string {
	return path.Join(m.assetsDir, name)
}

// ShimPath returns where a package's shim is written.
func (m *Materializer) ShimPath(name string) string {
	return path.Join(m.assetsDir, name+".js")
}

// Extract clears any prior extraction of name and unpacks the archive into
// its package directory.
func (m *Materializer) Extract(ctx context.Context, name, archivePath string) error {
	dir := m.PackageDir(name)
	if err := m.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("clearing %s: %w", dir, err)
	}
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := m.extractor.Extract(ctx, archivePath, dir); err != nil {
		return fmt.Errorf("extracting %s: %w", name, err)
	}
	return nil
}

// Complete reads the extracted manifest, installs its dependencies through
// deps, writes the shim and records the package.
func (m *Materializer) Complete(ctx context.Context, deps DependencyInstaller, name, request string) (*store.Package, error) {
	dir := m.PackageDir(name)
	pkg, err := manifest.Read(m.fs, path.Join(dir, manifest.FileName))
	if err != nil {
		return nil, fmt.Errorf("installing %s: %w", name, err)
	}

	if reqs := pkg.DependencyRequests(); len(reqs) > 0 {
		if err := deps.InstallModules(ctx, reqs); err != nil {
			return nil, err
		}
	}

	entry := ShimEntry(m.fs, dir, name, pkg)
	shim := m.ShimPath(name)
	if err := m.fs.MkdirAll(path.Dir(shim), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", path.Dir(shim), err)
	}
	if err := afero.WriteFile(m.fs, shim, ShimContent(entry), 0o644); err != nil {
		return nil, fmt.Errorf("writing shim %s: %w", shim, err)
	}
	m.log.Debug().Str("package", name).Str("entry", entry).Msg("wrote shim")

	rec := &store.Package{
		Name:        name,
		Version:     pkg.Version,
		Entry:       entry,
		Request:     request,
		InstalledAt: time.Now().UTC(),
	}
	if m.ledger != nil {
		if err := m.ledger.UpsertPackage(rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// ShimEntry returns the shim's reference to a package's main entry,
// relative to the asset tree root: "./<unscoped name>/<main>". The main
// entry has .mjs replaced by .js, and gains a .js suffix when only the
// suffixed file exists.
func ShimEntry(fsys afero.Fs, dir, name string, pkg *manifest.Package) string {
	main := resolve.JSExt(pkg.MainEntry())
	if !isFile(fsys, path.Join(dir, main)) {
		for _, ext := range []string{".js", ".mjs"} {
			if isFile(fsys, path.Join(dir, main+ext)) {
				main += ".js"
				break
			}
		}
	}
	return "./" + path.Join(specifier.Unscoped(name), main)
}

// ShimContent renders a shim re-exporting entry.
func ShimContent(entry string) []byte {
	return []byte("export * from '" + entry + "'\n" +
		"import def from '" + entry + "'\n" +
		"export default def\n")
}

func isFile(fsys afero.Fs, p string) bool {
	info, err := fsys.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
