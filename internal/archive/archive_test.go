package archive

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name     string
	body     string
	typeflag byte
}

// writeTarball writes a .tgz containing entries to a temp file and returns
// its path.
func writeTarball(t *testing.T, entries []entry) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pkg-1.0.0.tgz")
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: e.typeflag}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		switch hdr.Typeflag {
		case tar.TypeReg:
			hdr.Size = int64(len(e.body))
		case tar.TypeSymlink:
			hdr.Linkname = e.body
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return p
}

func newTestFs(t *testing.T) afero.Fs {
	t.Helper()
	return afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
}

func TestExtract_StripsTopDirectory(t *testing.T) {
	t.Parallel()
	tgz := writeTarball(t, []entry{
		{name: "package/", typeflag: tar.TypeDir},
		{name: "package/package.json", body: `{"name":"pkg"}`},
		{name: "package/lib/index.js", body: "export default 1\n"},
	})
	fsys := newTestFs(t)

	require.NoError(t, NewTarGz(fsys).Extract(context.Background(), tgz, "assets/pkg"))

	got, err := afero.ReadFile(fsys, "assets/pkg/package.json")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"pkg"}`, string(got))

	got, err = afero.ReadFile(fsys, "assets/pkg/lib/index.js")
	require.NoError(t, err)
	assert.Equal(t, "export default 1\n", string(got))
}

// Some packages are published with a top directory other than "package".
func TestExtract_AnyTopDirectory(t *testing.T) {
	t.Parallel()
	tgz := writeTarball(t, []entry{
		{name: "node/index.js", body: "x"},
		{name: "README", body: "top-level entries are dropped"},
	})
	fsys := newTestFs(t)

	require.NoError(t, NewTarGz(fsys).Extract(context.Background(), tgz, "assets/@types/node"))

	exists, err := afero.Exists(fsys, "assets/@types/node/index.js")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = afero.Exists(fsys, "assets/@types/README")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExtract_SkipsLinks(t *testing.T) {
	t.Parallel()
	tgz := writeTarball(t, []entry{
		{name: "package/index.js", body: "x"},
		{name: "package/link.js", body: "/etc/passwd", typeflag: tar.TypeSymlink},
	})
	fsys := newTestFs(t)

	require.NoError(t, NewTarGz(fsys).Extract(context.Background(), tgz, "assets/pkg"))

	exists, err := afero.Exists(fsys, "assets/pkg/link.js")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExtract_RejectsTraversal(t *testing.T) {
	t.Parallel()
	tgz := writeTarball(t, []entry{
		{name: "../../evil.js", body: "x"},
	})

	err := NewTarGz(newTestFs(t)).Extract(context.Background(), tgz, "assets/pkg")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchive)
}

func TestExtract_NotGzip(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "bad.tgz")
	require.NoError(t, os.WriteFile(p, []byte("not a tarball"), 0o644))

	err := NewTarGz(newTestFs(t)).Extract(context.Background(), p, "assets/pkg")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchive)
}

func TestExtract_MissingFile(t *testing.T) {
	t.Parallel()
	err := NewTarGz(newTestFs(t)).Extract(context.Background(), filepath.Join(t.TempDir(), "nope.tgz"), "assets/pkg")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchive)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStripComponent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"package/index.js", "index.js", true},
		{"./package/lib/a.js", "lib/a.js", true},
		{"package/", "", false},
		{"index.js", "", false},
		{"package/lib/../a.js", "a.js", true},
	}
	for _, tt := range tests {
		got, ok, err := stripComponent(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}

func TestExtract_Canceled(t *testing.T) {
	t.Parallel()
	tgz := writeTarball(t, []entry{{name: "package/index.js", body: "x"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewTarGz(newTestFs(t)).Extract(ctx, tgz, "assets/pkg")
	assert.ErrorIs(t, err, context.Canceled)
}
