// Package archive unpacks npm package tarballs into the asset tree.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// ErrArchive is returned when a tarball cannot be read or unpacked.
var ErrArchive = errors.New("archive error")

// maxEntryBytes bounds a single extracted file.
const maxEntryBytes = 256 << 20

// Extractor unpacks a downloaded package archive into a directory.
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// TarGz extracts gzip-compressed tarballs onto an afero filesystem.
type TarGz struct {
	fs afero.Fs
}

// NewTarGz returns a TarGz writing into fsys.
func NewTarGz(fsys afero.Fs) *TarGz {
	return &TarGz{fs: fsys}
}

// Extract unpacks the tarball at archivePath (a path on the OS filesystem)
// into destDir, dropping the first path component of every entry
// ("package/" in npm tarballs). Directories and regular files are
// extracted; links and other entry types are skipped. Entries escaping
// destDir are rejected.
func (x *TarGz) Extract(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrArchive, archivePath, err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrArchive, archivePath, err)
	}
	defer func() { _ = gz.Close() }()

	return extractTar(ctx, tar.NewReader(gz), x.fs, destDir)
}

func extractTar(ctx context.Context, tr *tar.Reader, fsys afero.Fs, dest string) error {
	if err := fsys.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrArchive, dest, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: reading tar entry: %w", ErrArchive, err)
		}

		rel, ok, err := stripComponent(hdr.Name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		target := path.Join(dest, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fsys.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: %w", ErrArchive, err)
			}
		case tar.TypeReg:
			if err := writeEntry(fsys, target, tr, hdr.Size); err != nil {
				return err
			}
		}
	}
}

// stripComponent drops the leading directory of name. Entries at the top
// level, or the top directory itself, report false.
func stripComponent(name string) (string, bool, error) {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false, fmt.Errorf("%w: entry %q escapes destination", ErrArchive, name)
	}
	_, rest, ok := strings.Cut(clean, "/")
	if !ok || rest == "" {
		return "", false, nil
	}
	return rest, true, nil
}

func writeEntry(fsys afero.Fs, target string, r io.Reader, size int64) (err error) {
	if size > maxEntryBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrArchive, target, size)
	}
	if err := fsys.MkdirAll(path.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrArchive, err)
	}
	out, err := fsys.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrArchive, err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: %w", ErrArchive, closeErr)
		}
	}()
	if _, err := io.Copy(out, io.LimitReader(r, maxEntryBytes)); err != nil {
		return fmt.Errorf("%w: extracting %s: %w", ErrArchive, target, err)
	}
	return nil
}
