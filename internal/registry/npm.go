package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jward/assetize/internal/manifest"
)

// DefaultNPMBin is the npm executable looked up on PATH.
const DefaultNPMBin = "npm"

// NPM answers requests by running the npm CLI.
type NPM struct {
	bin string
	options
}

// NewNPM returns a Client that shells out to bin (DefaultNPMBin if empty).
func NewNPM(bin string, opts ...Option) *NPM {
	if bin == "" {
		bin = DefaultNPMBin
	}
	return &NPM{bin: bin, options: buildOptions(opts)}
}

// Metadata runs `npm show <request> --json`. When a range matches several
// versions npm prints a list; the first entry is used.
func (c *NPM) Metadata(ctx context.Context, request string) (*manifest.Package, error) {
	out, err := c.run(ctx, "", "show", request, "--json")
	if err != nil {
		return nil, err
	}
	return decodeShow(request, out)
}

// FetchArchive runs `npm pack <request>` in destDir. npm prints the archive
// file name as the last line of its output.
func (c *NPM) FetchArchive(ctx context.Context, request, destDir string) (string, error) {
	out, err := c.run(ctx, destDir, "pack", request)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	name := strings.TrimSpace(lines[len(lines)-1])
	if name == "" {
		return "", fmt.Errorf("%w: npm pack %s printed no archive name", ErrRegistry, request)
	}
	return filepath.Join(destDir, filepath.Base(name)), nil
}

func (c *NPM) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	c.log.Debug().Str("bin", c.bin).Strs("args", args).Msg("running npm")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrRegistry, c.bin, strings.Join(args, " "), err)
		}
		return nil, fmt.Errorf("%w: %s %s: %w: %s", ErrRegistry, c.bin, strings.Join(args, " "), err, msg)
	}
	return stdout.Bytes(), nil
}

// versionDoc is one version's metadata as both `npm show --json` and the
// registry API return it.
type versionDoc struct {
	manifest.Package
	Dist struct {
		Tarball string `json:"tarball"`
	} `json:"dist"`
}

func (d *versionDoc) toPackage() *manifest.Package {
	pkg := d.Package
	pkg.Tarball = d.Dist.Tarball
	return &pkg
}

func decodeShow(request string, out []byte) (*manifest.Package, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no version matches %s", ErrRegistry, request)
	}
	if out[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(out, &list); err != nil {
			return nil, fmt.Errorf("%w: decoding metadata for %s: %w", ErrRegistry, request, err)
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("%w: no version matches %s", ErrRegistry, request)
		}
		out = list[0]
	}
	var doc versionDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding metadata for %s: %w", ErrRegistry, request, err)
	}
	if doc.Name == "" {
		name, _ := SplitRequest(request)
		doc.Name = name
	}
	return doc.toPackage(), nil
}
