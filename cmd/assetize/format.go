package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jward/assetize"
)

// CLIResult is the JSON envelope every command writes with --format json.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results"`
}

// CLIReport is the JSON form of a run or rewrite report.
type CLIReport struct {
	Installed []string `json:"installed"`
	Rewritten []string `json:"rewritten"`
	Files     int      `json:"files"`
	Changed   int      `json:"changed"`
	Fixes     int      `json:"fixes"`
}

// CLIPackage is the JSON form of a ledger package record.
type CLIPackage struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Entry       string    `json:"entry"`
	Request     string    `json:"request"`
	InstalledAt time.Time `json:"installed_at"`
}

// CLIFile is the JSON form of a ledger file record.
type CLIFile struct {
	Path          string    `json:"path"`
	Package       string    `json:"package"`
	Hash          string    `json:"hash"`
	Rewrites      int       `json:"rewrites"`
	LastRewritten time.Time `json:"last_rewritten"`
}

// CLIResolved is the JSON form of a resolve result.
type CLIResolved struct {
	File      string `json:"file"`
	Specifier string `json:"specifier"`
	Resolved  string `json:"resolved"`
}

func writeJSON(w io.Writer, result CLIResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func writeReport(w io.Writer, format, command string, r *assetize.Report) error {
	out := CLIReport{
		Installed: nonNil(r.Installed),
		Rewritten: nonNil(r.Rewritten),
		Files:     r.Files,
		Changed:   r.Changed,
		Fixes:     r.Fixes,
	}
	if format == "json" {
		return writeJSON(w, CLIResult{Command: command, Results: out})
	}
	if len(out.Installed) > 0 {
		fmt.Fprintf(w, "Installed: %s\n", strings.Join(out.Installed, ", "))
	}
	fmt.Fprintf(w, "Rewrote %d packages: %d files, %d changed, %d imports\n",
		len(out.Rewritten), out.Files, out.Changed, out.Fixes)
	return nil
}

func writePackages(w io.Writer, format string, pkgs []*assetize.Package) error {
	out := make([]CLIPackage, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, CLIPackage{
			Name:        p.Name,
			Version:     p.Version,
			Entry:       p.Entry,
			Request:     p.Request,
			InstalledAt: p.InstalledAt,
		})
	}
	if format == "json" {
		return writeJSON(w, CLIResult{Command: "list", Results: out})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tENTRY\tREQUEST")
	for _, p := range out {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Version, p.Entry, p.Request)
	}
	return tw.Flush()
}

var errFilesNeedsNames = errors.New("--files requires at least one package name")

func writeFiles(w io.Writer, format string, files []*assetize.File) error {
	out := make([]CLIFile, 0, len(files))
	for _, f := range files {
		out = append(out, CLIFile{
			Path:          f.Path,
			Package:       f.Package,
			Hash:          f.Hash,
			Rewrites:      f.Rewrites,
			LastRewritten: f.LastRewritten,
		})
	}
	if format == "json" {
		return writeJSON(w, CLIResult{Command: "list", Results: out})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tHASH\tREWRITES")
	for _, f := range out {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", f.Path, shortHash(f.Hash), f.Rewrites)
	}
	return tw.Flush()
}

// shortHash trims a content hash for table output.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func writeResolved(w io.Writer, format, file, spec, resolved string) error {
	if format == "json" {
		return writeJSON(w, CLIResult{
			Command: "resolve",
			Results: CLIResolved{File: file, Specifier: spec, Resolved: resolved},
		})
	}
	_, err := fmt.Fprintln(w, resolved)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}
