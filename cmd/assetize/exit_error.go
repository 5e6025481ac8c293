package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jward/assetize"
)

// Process exit codes.
const (
	ExitFailure  = 1
	ExitUsage    = 2
	ExitManifest = 3
	ExitRegistry = 4
	ExitArchive  = 5
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitCode maps err onto a process exit code. An ExitError anywhere in the
// chain wins; otherwise the first matching sentinel decides.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case errors.Is(err, assetize.ErrNoManifest):
		return ExitUsage
	case errors.Is(err, assetize.ErrManifestParse):
		return ExitManifest
	case errors.Is(err, assetize.ErrRegistry):
		return ExitRegistry
	case errors.Is(err, assetize.ErrArchive):
		return ExitArchive
	}
	return ExitFailure
}

// usageArgs wraps a cobra argument validator so its failures exit with
// ExitUsage.
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return &ExitError{Code: ExitUsage, Err: err}
		}
		return nil
	}
}
