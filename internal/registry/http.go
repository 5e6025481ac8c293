package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/jward/assetize/internal/manifest"
)

// DefaultURL is the public npm registry.
const DefaultURL = "https://registry.npmjs.org"

// HTTP talks to the registry's JSON API directly. The version Metadata
// selects for a request is remembered, so FetchArchive for the same request
// does not fetch the package document again.
type HTTP struct {
	baseURL string
	options

	mu       sync.Mutex
	selected map[string]*manifest.Package
}

// NewHTTP returns a Client for the registry at baseURL (DefaultURL if empty).
func NewHTTP(baseURL string, opts ...Option) *HTTP {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &HTTP{
		baseURL:  strings.TrimRight(baseURL, "/"),
		options:  buildOptions(opts),
		selected: make(map[string]*manifest.Package),
	}
}

// packument is the registry document listing every version of a package.
type packument struct {
	Name     string                     `json:"name"`
	DistTags map[string]string          `json:"dist-tags"`
	Versions map[string]json.RawMessage `json:"versions"`
}

// Metadata fetches the package document and selects a version: a dist-tag
// (latest when the range is empty), an exact version, or the highest
// version satisfying the range.
func (c *HTTP) Metadata(ctx context.Context, request string) (*manifest.Package, error) {
	name, rng := SplitRequest(request)

	var doc packument
	if err := c.getJSON(ctx, c.baseURL+"/"+escapeName(name), &doc); err != nil {
		return nil, err
	}

	version, err := selectVersion(&doc, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRegistry, request, err)
	}

	var v versionDoc
	if err := json.Unmarshal(doc.Versions[version], &v); err != nil {
		return nil, fmt.Errorf("%w: decoding %s@%s: %w", ErrRegistry, name, version, err)
	}
	if v.Name == "" {
		v.Name = name
	}
	if v.Version == "" {
		v.Version = version
	}
	pkg := v.toPackage()

	c.mu.Lock()
	c.selected[request] = pkg
	c.mu.Unlock()
	return pkg, nil
}

// selection returns the package Metadata selected for request, fetching it
// if Metadata was not called for request yet.
func (c *HTTP) selection(ctx context.Context, request string) (*manifest.Package, error) {
	c.mu.Lock()
	pkg, ok := c.selected[request]
	c.mu.Unlock()
	if ok {
		return pkg, nil
	}
	return c.Metadata(ctx, request)
}

// FetchArchive downloads the selected version's tarball into destDir.
func (c *HTTP) FetchArchive(ctx context.Context, request, destDir string) (_ string, err error) {
	pkg, err := c.selection(ctx, request)
	if err != nil {
		return "", err
	}
	if pkg.Tarball == "" {
		return "", fmt.Errorf("%w: %s has no tarball", ErrRegistry, request)
	}

	body, err := c.get(ctx, pkg.Tarball)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	target := filepath.Join(destDir, tarballName(pkg))
	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: %w", ErrRegistry, closeErr)
		}
	}()
	if _, err := io.Copy(out, body); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("%w: downloading %s: %w", ErrRegistry, pkg.Tarball, err)
	}
	return target, nil
}

func (c *HTTP) getJSON(ctx context.Context, u string, v any) error {
	body, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrRegistry, u, err)
	}
	return nil
}

func (c *HTTP) get(ctx context.Context, u string) (io.ReadCloser, error) {
	c.log.Debug().Str("url", u).Msg("registry request")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistry, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: %s", ErrRegistry, u, resp.Status)
	}
	return resp.Body, nil
}

// selectVersion picks the version a range names from doc.
func selectVersion(doc *packument, rng string) (string, error) {
	rng = strings.TrimSpace(rng)
	if rng == "" || rng == "*" {
		rng = "latest"
	}
	if v, ok := doc.DistTags[rng]; ok {
		if _, ok := doc.Versions[v]; ok {
			return v, nil
		}
	}
	if _, ok := doc.Versions[rng]; ok {
		return rng, nil
	}

	constraint, err := semver.NewConstraint(rng)
	if err != nil {
		return "", fmt.Errorf("invalid version range %q: %w", rng, err)
	}
	var best *semver.Version
	var bestRaw string
	for raw := range doc.Versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if constraint.Check(v) && (best == nil || v.GreaterThan(best)) {
			best, bestRaw = v, raw
		}
	}
	if best == nil {
		return "", fmt.Errorf("no version matches %q", rng)
	}
	return bestRaw, nil
}

// escapeName encodes the scope separator the way the registry expects.
func escapeName(name string) string {
	return strings.Replace(url.PathEscape(name), "%2F", "%2f", 1)
}

func tarballName(pkg *manifest.Package) string {
	if u, err := url.Parse(pkg.Tarball); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return strings.ReplaceAll(pkg.Name, "/", "-") + "-" + pkg.Version + ".tgz"
}
