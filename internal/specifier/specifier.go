// Package specifier parses module specifiers found in import statements.
package specifier

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedSpecifier is returned when a specifier is neither a relative
// path nor a (possibly scoped) package name.
var ErrMalformedSpecifier = errors.New("malformed specifier")

// Specifier is the parsed form of an import target. BaseName is "." or ".."
// for relative specifiers, otherwise a package name such as "lodash" or
// "@scope/name". SubPath is whatever follows the base name, without the
// separating slash.
type Specifier struct {
	BaseName string
	SubPath  string
}

// IsRelative reports whether the specifier is rooted at "." or "..".
func (s Specifier) IsRelative() bool {
	return strings.HasPrefix(s.BaseName, ".")
}

// String re-serializes the specifier. Parse(s.String()) yields s again.
func (s Specifier) String() string {
	if s.SubPath == "" {
		return s.BaseName
	}
	return s.BaseName + "/" + s.SubPath
}

// Parse splits raw into its base name and sub-path.
func Parse(raw string) (Specifier, error) {
	switch {
	case raw == "." || raw == "..":
		return Specifier{BaseName: raw}, nil
	case strings.HasPrefix(raw, "./"):
		return Specifier{BaseName: ".", SubPath: raw[2:]}, nil
	case strings.HasPrefix(raw, "../"):
		return Specifier{BaseName: "..", SubPath: raw[3:]}, nil
	}

	rest := raw
	var base string
	if strings.HasPrefix(rest, "@") {
		i := strings.IndexByte(rest, '/')
		if i < 0 || !validSegment(rest[1:i]) {
			return Specifier{}, malformed(raw)
		}
		base = rest[:i+1]
		rest = rest[i+1:]
	}

	name, sub, _ := strings.Cut(rest, "/")
	if !validSegment(name) || strings.HasPrefix(name, ".") {
		return Specifier{}, malformed(raw)
	}
	if strings.Contains(sub, "@") {
		return Specifier{}, malformed(raw)
	}
	return Specifier{BaseName: base + name, SubPath: sub}, nil
}

// Unscoped strips the "@scope/" prefix from a package name.
func Unscoped(name string) string {
	if strings.HasPrefix(name, "@") {
		if i := strings.IndexByte(name, '/'); i >= 0 {
			return name[i+1:]
		}
	}
	return name
}

func validSegment(seg string) bool {
	return seg != "" && !strings.ContainsAny(seg, "@:")
}

func malformed(raw string) error {
	return fmt.Errorf("%w: %q", ErrMalformedSpecifier, raw)
}
