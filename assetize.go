package assetize

import (
	"github.com/jward/assetize/internal/archive"
	"github.com/jward/assetize/internal/manifest"
	"github.com/jward/assetize/internal/registry"
	"github.com/jward/assetize/internal/resolve"
	"github.com/jward/assetize/internal/specifier"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrMalformedSpecifier: an import specifier could not be classified.
	// Reported as a warning; the import is left unchanged.
	ErrMalformedSpecifier = specifier.ErrMalformedSpecifier
	// ErrUnresolvedImport: no file matched an import. Reported as a
	// warning; the import is left unchanged.
	ErrUnresolvedImport = resolve.ErrUnresolvedImport
	// ErrManifestParse: a project or package manifest could not be decoded.
	ErrManifestParse = manifest.ErrManifestParse
	// ErrNoManifest: the project manifest does not exist.
	ErrNoManifest = manifest.ErrNoManifest
	// ErrRegistry: the registry could not serve metadata or an archive.
	ErrRegistry = registry.ErrRegistry
	// ErrArchive: a package archive could not be unpacked.
	ErrArchive = archive.ErrArchive
)
