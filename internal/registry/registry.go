// Package registry fetches package metadata and archives from an npm-style
// registry.
package registry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jward/assetize/internal/manifest"
)

// ErrRegistry is returned when the registry cannot answer a request.
var ErrRegistry = errors.New("registry error")

// Client looks up packages and downloads their archives.
type Client interface {
	// Metadata returns the descriptor of the version a request selects.
	Metadata(ctx context.Context, request string) (*manifest.Package, error)
	// FetchArchive downloads the archive for request into destDir and
	// returns the archive's path. The caller removes it.
	FetchArchive(ctx context.Context, request, destDir string) (string, error)
}

type options struct {
	log        zerolog.Logger
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger for request lines.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithHTTPClient sets the HTTP client used by HTTP.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func buildOptions(opts []Option) options {
	o := options{log: zerolog.Nop(), httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SplitRequest splits "name@range" into its name and range. The range is
// empty when the request is a bare name; a leading "@" is part of a scoped
// name, not a separator.
func SplitRequest(request string) (name, rng string) {
	if i := strings.LastIndex(request, "@"); i > 0 {
		return request[:i], request[i+1:]
	}
	return request, ""
}
