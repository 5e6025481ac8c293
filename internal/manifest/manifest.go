// Package manifest decodes package.json files: the descriptors of installed
// packages and the invoking project's own manifest.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// FileName is the manifest file name inside every package directory.
const FileName = "package.json"

// DefaultEntry is used when a manifest names no entry point.
const DefaultEntry = "index.js"

var (
	// ErrManifestParse is returned when a manifest exists but cannot be decoded.
	ErrManifestParse = errors.New("manifest parse error")
	// ErrNoManifest is returned when the project manifest does not exist.
	ErrNoManifest = errors.New("no manifest")
)

// Package is a package descriptor. Only the fields the installer and the
// resolver use are decoded.
type Package struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Main         string            `json:"main,omitempty"`
	Module       string            `json:"module,omitempty"`
	JSNextMain   string            `json:"jsnext:main,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`

	// Tarball is the distribution archive URL. Only registry metadata
	// carries it.
	Tarball string `json:"-"`
}

// DirectoryEntry returns the entry used when a directory is imported:
// module, then jsnext:main, then main, then index.js.
func (p *Package) DirectoryEntry() string {
	for _, e := range []string{p.Module, p.JSNextMain, p.Main} {
		if e != "" {
			return e
		}
	}
	return DefaultEntry
}

// MainEntry returns main or index.js.
func (p *Package) MainEntry() string {
	if p.Main != "" {
		return p.Main
	}
	return DefaultEntry
}

// DependencyRequests returns "name@range" requests for every dependency,
// sorted by name.
func (p *Package) DependencyRequests() []string {
	return Requests(p.Dependencies)
}

// Requests turns a name→range mapping into sorted "name@range" requests.
// An empty range yields the bare name.
func Requests(deps map[string]string) []string {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	reqs := make([]string, 0, len(names))
	for _, name := range names {
		if r := strings.TrimSpace(deps[name]); r != "" {
			reqs = append(reqs, name+"@"+r)
		} else {
			reqs = append(reqs, name)
		}
	}
	return reqs
}

// Parse decodes a package descriptor.
func Parse(data []byte) (*Package, error) {
	var p Package
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	return &p, nil
}

// Read reads and decodes the package descriptor at path.
func Read(fsys afero.Fs, path string) (*Package, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Project is the invoking project's manifest.
type Project struct {
	Name   string
	Assets map[string]string
}

// ReadProject reads the project manifest at path and extracts the mapping
// stored under field (normally "assetDependencies"). A missing manifest
// yields ErrNoManifest.
func ReadProject(fsys afero.Fs, path, field string) (*Project, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrManifestParse, err)
	}

	proj := &Project{Assets: map[string]string{}}
	if name, ok := raw["name"]; ok {
		_ = json.Unmarshal(name, &proj.Name)
	}
	if deps, ok := raw[field]; ok {
		if err := json.Unmarshal(deps, &proj.Assets); err != nil {
			return nil, fmt.Errorf("%s: %w: field %q: %v", path, ErrManifestParse, field, err)
		}
	}
	return proj, nil
}

// Requests returns the project's asset dependencies as install requests.
func (p *Project) Requests() []string {
	return Requests(p.Assets)
}
