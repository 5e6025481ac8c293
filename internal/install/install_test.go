package install

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/assetize/internal/archive"
	"github.com/jward/assetize/internal/manifest"
	"github.com/jward/assetize/internal/registry"
	"github.com/jward/assetize/internal/store"
)

// fakePackage is one package the fake registry serves. files are placed
// under the tarball's "package/" directory; a package.json is generated from
// the other fields unless files supplies one.
type fakePackage struct {
	version string
	main    string
	deps    map[string]string
	files   map[string]string
}

// fakeRegistry serves packages from memory and counts archive fetches.
type fakeRegistry struct {
	t        *testing.T
	packages map[string]fakePackage

	// gates holds back a package's archive fetch until its channel closes.
	gates map[string]chan struct{}

	mu       sync.Mutex
	fetches  map[string]int
	archives []string
}

func newFakeRegistry(t *testing.T, packages map[string]fakePackage) *fakeRegistry {
	return &fakeRegistry{t: t, packages: packages, fetches: map[string]int{}}
}

func (r *fakeRegistry) Metadata(_ context.Context, request string) (*manifest.Package, error) {
	name, _ := registry.SplitRequest(request)
	p, ok := r.packages[name]
	if !ok {
		return nil, errors.Join(registry.ErrRegistry, errors.New("not found: "+name))
	}
	return &manifest.Package{Name: name, Version: p.version, Main: p.main, Dependencies: p.deps}, nil
}

func (r *fakeRegistry) FetchArchive(ctx context.Context, request, destDir string) (string, error) {
	name, _ := registry.SplitRequest(request)
	p, ok := r.packages[name]
	if !ok {
		return "", registry.ErrRegistry
	}
	if gate, ok := r.gates[name]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	files := map[string]string{}
	for k, v := range p.files {
		files[k] = v
	}
	if _, ok := files["package.json"]; !ok {
		doc, err := json.Marshal(manifest.Package{Name: name, Version: p.version, Main: p.main, Dependencies: p.deps})
		require.NoError(r.t, err)
		files["package.json"] = string(doc)
	}

	archivePath := filepath.Join(destDir, "pkg.tgz")
	writeTarball(r.t, archivePath, files)

	r.mu.Lock()
	r.fetches[name]++
	r.archives = append(r.archives, archivePath)
	r.mu.Unlock()
	return archivePath, nil
}

func (r *fakeRegistry) fetchCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[name]
}

func writeTarball(t *testing.T, p string, files map[string]string) {
	t.Helper()
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: "package/" + name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func newTestInstaller(t *testing.T, reg registry.Client, opts ...Option) (*Installer, afero.Fs) {
	t.Helper()
	fsys := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	opts = append([]Option{WithTempDir(t.TempDir())}, opts...)
	return New(reg, archive.NewTarGz(fsys), fsys, "assets", opts...), fsys
}

func readFile(t *testing.T, fsys afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fsys, name)
	require.NoError(t, err)
	return string(data)
}

func TestInstall_UnscopedPackage(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"left-pad": {version: "1.3.0", main: "index.js", files: map[string]string{"index.js": "export default 1\n"}},
	})
	inst, fsys := newTestInstaller(t, reg)

	require.NoError(t, inst.InstallModules(context.Background(), []string{"left-pad@^1.3.0"}))

	assert.Equal(t, "export default 1\n", readFile(t, fsys, "assets/left-pad/index.js"))
	assert.Equal(t,
		"export * from './left-pad/index.js'\nimport def from './left-pad/index.js'\nexport default def\n",
		readFile(t, fsys, "assets/left-pad.js"))
	assert.Equal(t, []string{"left-pad"}, inst.Installed())
}

func TestInstall_ScopedPackageWithMJSMain(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"@foo/bar": {version: "2.0.0", main: "lib/bar.mjs", files: map[string]string{"lib/bar.mjs": "export default 2\n"}},
	})
	inst, fsys := newTestInstaller(t, reg)

	require.NoError(t, inst.InstallModules(context.Background(), []string{"@foo/bar"}))

	assert.Equal(t,
		"export * from './bar/lib/bar.js'\nimport def from './bar/lib/bar.js'\nexport default def\n",
		readFile(t, fsys, "assets/@foo/bar.js"))
	exists, err := afero.Exists(fsys, "assets/@foo/bar/lib/bar.mjs")
	require.NoError(t, err)
	assert.True(t, exists, "renaming happens in the rewrite phase")
}

func TestInstall_TransitiveDependencies(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"app":    {version: "1.0.0", deps: map[string]string{"lib": "^1", "@s/util": "*"}},
		"lib":    {version: "1.2.0", deps: map[string]string{"@s/util": "^2"}},
		"@s/util": {version: "2.0.0"},
	})
	inst, fsys := newTestInstaller(t, reg)

	require.NoError(t, inst.InstallModules(context.Background(), []string{"app"}))

	assert.Equal(t, []string{"@s/util", "app", "lib"}, inst.Installed())
	for _, shim := range []string{"assets/app.js", "assets/lib.js", "assets/@s/util.js"} {
		exists, err := afero.Exists(fsys, shim)
		require.NoError(t, err)
		assert.True(t, exists, shim)
	}
	assert.Equal(t, 1, reg.fetchCount("@s/util"))
}

func TestInstall_SequentialDedup(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{"a": {version: "1.0.0"}})
	inst, _ := newTestInstaller(t, reg)
	ctx := context.Background()

	require.NoError(t, inst.InstallModules(ctx, []string{"a"}))
	require.NoError(t, inst.InstallModules(ctx, []string{"a@1.0.0"}))
	require.NoError(t, inst.InstallModule(ctx, "a"))

	assert.Equal(t, 1, reg.fetchCount("a"))
}

// Siblings that share a dependency, and duplicate sibling requests, extract
// each name once.
func TestInstall_ConcurrentDedup(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"a":      {version: "1.0.0", deps: map[string]string{"shared": "^1"}},
		"b":      {version: "1.0.0", deps: map[string]string{"shared": "^1"}},
		"c":      {version: "1.0.0", deps: map[string]string{"shared": "^1"}},
		"shared": {version: "1.0.0"},
	})
	inst, _ := newTestInstaller(t, reg, WithConcurrency(2))

	require.NoError(t, inst.InstallModules(context.Background(), []string{"a", "b", "c", "shared", "shared@1.0.0"}))

	assert.Equal(t, 1, reg.fetchCount("shared"))
	assert.Equal(t, []string{"a", "b", "c", "shared"}, inst.Installed())
}

// orderRecorder records the order packages complete in.
type orderRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *orderRecorder) UpsertPackage(p *store.Package) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, p.Name)
	return nil
}

func (r *orderRecorder) index(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.names {
		if n == name {
			return i
		}
	}
	return -1
}

// A package completes only after every dependency completed, including a
// dependency another sibling claimed first.
func TestInstall_DependenciesCompleteBeforeDependents(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"a":      {version: "1.0.0", deps: map[string]string{"shared": "^1"}},
		"b":      {version: "1.0.0", deps: map[string]string{"shared": "^1"}},
		"shared": {version: "1.0.0", deps: map[string]string{"deep": "^1"}},
		"deep":   {version: "1.0.0"},
	})
	gate := make(chan struct{})
	reg.gates = map[string]chan struct{}{"deep": gate}
	time.AfterFunc(50*time.Millisecond, func() { close(gate) })

	rec := &orderRecorder{}
	inst, fsys := newTestInstaller(t, reg, WithLedger(rec))

	require.NoError(t, inst.InstallModules(context.Background(), []string{"a", "b"}))

	require.Len(t, rec.names, 4)
	assert.Less(t, rec.index("deep"), rec.index("shared"))
	assert.Less(t, rec.index("shared"), rec.index("a"))
	assert.Less(t, rec.index("shared"), rec.index("b"))
	for _, shim := range []string{"assets/a.js", "assets/b.js", "assets/shared.js", "assets/deep.js"} {
		exists, err := afero.Exists(fsys, shim)
		require.NoError(t, err)
		assert.True(t, exists, shim)
	}
}

func isExtracted(inst *Installer, name string) bool {
	inst.mu.Lock()
	h := inst.handles[name]
	inst.mu.Unlock()
	return h != nil && h.done()
}

// A dependency installed through another package's subtree is awaited by
// a later sibling too, not only its extraction.
func TestInstall_WaitsForClaimedDependency(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"shared": {version: "1.0.0", deps: map[string]string{"deep": "^1"}},
		"deep":   {version: "1.0.0"},
	})
	gate := make(chan struct{})
	reg.gates = map[string]chan struct{}{"deep": gate}
	inst, fsys := newTestInstaller(t, reg)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() { first <- inst.InstallModule(ctx, "shared") }()

	second := make(chan error, 1)
	go func() {
		// Claims after the first caller extracted shared.
		for !isExtracted(inst, "shared") {
			time.Sleep(time.Millisecond)
		}
		second <- inst.InstallModule(ctx, "shared")
	}()

	select {
	case err := <-second:
		t.Fatalf("second claimant returned before deep was installed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	exists, err := afero.Exists(fsys, "assets/shared.js")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, reg.fetchCount("shared"))
}

func TestInstall_SelfDependency(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"a": {version: "1.0.0", deps: map[string]string{"a": "^1"}},
	})
	inst, _ := newTestInstaller(t, reg)

	require.NoError(t, inst.InstallModules(context.Background(), []string{"a"}))
	assert.Equal(t, []string{"a"}, inst.Installed())
}

func TestInstall_LogsInstallingLine(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"a":    {version: "1.0.0", deps: map[string]string{"@s/b": "^2"}},
		"@s/b": {version: "2.0.0"},
	})
	var buf bytes.Buffer
	inst, _ := newTestInstaller(t, reg, WithLogger(zerolog.New(&buf)))

	require.NoError(t, inst.InstallModules(context.Background(), []string{"a@^1"}))

	var installing []map[string]any
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var ev map[string]any
		require.NoError(t, dec.Decode(&ev))
		if ev["message"] == "installing" {
			installing = append(installing, ev)
		}
	}
	require.Len(t, installing, 2)
	assert.Equal(t, "info", installing[0]["level"])
	assert.Equal(t, "a", installing[0]["package"])
	assert.Equal(t, "a@^1", installing[0]["request"])
	assert.Equal(t, "@s/b", installing[1]["package"])
	assert.Equal(t, "@s/b@^2", installing[1]["request"])
}

func TestInstall_DependencyCycle(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"a": {version: "1.0.0", deps: map[string]string{"b": "^1"}},
		"b": {version: "1.0.0", deps: map[string]string{"a": "^1"}},
	})

	t.Run("single root", func(t *testing.T) {
		t.Parallel()
		inst, _ := newTestInstaller(t, reg)
		require.NoError(t, inst.InstallModules(context.Background(), []string{"a"}))
		assert.Equal(t, []string{"a", "b"}, inst.Installed())
	})
	t.Run("both roots", func(t *testing.T) {
		t.Parallel()
		inst, fsys := newTestInstaller(t, reg)
		require.NoError(t, inst.InstallModules(context.Background(), []string{"a", "b"}))
		assert.Equal(t, []string{"a", "b"}, inst.Installed())
		for _, shim := range []string{"assets/a.js", "assets/b.js"} {
			exists, err := afero.Exists(fsys, shim)
			require.NoError(t, err)
			assert.True(t, exists, shim)
		}
	})
}

func TestInstall_BadManifestIsFatal(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"broken": {version: "1.0.0", files: map[string]string{"package.json": "{not json"}},
	})
	inst, _ := newTestInstaller(t, reg)

	err := inst.InstallModules(context.Background(), []string{"broken"})
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrManifestParse)
}

func TestInstall_RegistryErrorPropagates(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"a": {version: "1.0.0", deps: map[string]string{"ghost": "^1"}},
	})
	inst, _ := newTestInstaller(t, reg)

	err := inst.InstallModules(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrRegistry)
}

func TestInstall_RemovesArchives(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{
		"a": {version: "1.0.0", deps: map[string]string{"b": "^1"}},
		"b": {version: "1.0.0"},
	})
	inst, _ := newTestInstaller(t, reg)

	require.NoError(t, inst.InstallModules(context.Background(), []string{"a"}))

	require.Len(t, reg.archives, 2)
	for _, p := range reg.archives {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "archive %s should be removed", p)
	}
}

// A failed extraction still removes the archive and is shared by later
// claimants.
func TestInstall_FailedExtractionShared(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{"a": {version: "1.0.0"}})
	fsys := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	inst := New(reg, failingExtractor{}, fsys, "assets", WithTempDir(t.TempDir()))
	ctx := context.Background()

	err := inst.InstallModules(ctx, []string{"a"})
	require.ErrorIs(t, err, archive.ErrArchive)
	err = inst.InstallModule(ctx, "a")
	require.ErrorIs(t, err, archive.ErrArchive)

	assert.Equal(t, 1, reg.fetchCount("a"))
	assert.Empty(t, inst.Installed())
	_, statErr := os.Stat(reg.archives[0])
	assert.True(t, os.IsNotExist(statErr))
}

type failingExtractor struct{}

func (failingExtractor) Extract(context.Context, string, string) error {
	return archive.ErrArchive
}

func TestInstall_ClearsPriorExtraction(t *testing.T) {
	t.Parallel()
	reg := newFakeRegistry(t, map[string]fakePackage{"a": {version: "1.0.0"}})
	inst, fsys := newTestInstaller(t, reg)
	require.NoError(t, fsys.MkdirAll("assets/a", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "assets/a/stale.js", []byte("old"), 0o644))

	require.NoError(t, inst.InstallModules(context.Background(), []string{"a"}))

	exists, err := afero.Exists(fsys, "assets/a/stale.js")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInstall_RecordsLedger(t *testing.T) {
	t.Parallel()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	reg := newFakeRegistry(t, map[string]fakePackage{
		"a": {version: "1.0.0", deps: map[string]string{"b": "^1"}},
		"b": {version: "1.4.0", main: "dist/b"},
	})
	inst, _ := newTestInstaller(t, reg, WithLedger(st), WithLogger(zerolog.Nop()))

	require.NoError(t, inst.InstallModules(context.Background(), []string{"a@^1"}))

	pkgs, err := st.Packages()
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "a", pkgs[0].Name)
	assert.Equal(t, "a@^1", pkgs[0].Request)
	assert.Equal(t, "b@^1", pkgs[1].Request)
	assert.Equal(t, "1.4.0", pkgs[1].Version)
	assert.Equal(t, "./b/dist/b", pkgs[1].Entry)
}

func TestShimEntry(t *testing.T) {
	t.Parallel()
	fsys := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	for _, f := range []string{"p/index.js", "p/lib/a.js", "p/lib/b.mjs", "p/c/index.js"} {
		require.NoError(t, fsys.MkdirAll(filepath.Dir(f), 0o755))
		require.NoError(t, afero.WriteFile(fsys, f, nil, 0o644))
	}

	tests := []struct {
		name string
		pkg  string
		main string
		want string
	}{
		{"default", "p", "", "./p/index.js"},
		{"explicit", "p", "lib/a.js", "./p/lib/a.js"},
		{"leading dot", "p", "./lib/a.js", "./p/lib/a.js"},
		{"suffix appended", "p", "lib/a", "./p/lib/a.js"},
		{"mjs suffix appended", "p", "lib/b", "./p/lib/b.js"},
		{"mjs main", "p", "lib/b.mjs", "./p/lib/b.js"},
		{"scoped", "@s/p", "lib/a.js", "./p/lib/a.js"},
		{"missing kept", "p", "nope", "./p/nope"},
	}
	for _, tt := range tests {
		got := ShimEntry(fsys, "p", tt.pkg, &manifest.Package{Main: tt.main})
		assert.Equal(t, tt.want, got, tt.name)
	}
}
