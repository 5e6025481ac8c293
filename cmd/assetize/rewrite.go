package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/assetize"
)

func newRewriteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rewrite <modules...>",
		Short: "Rewrite imports of already-staged packages",
		Long:  "Renames .mjs files and rewrites import specifiers of the named packages under the asset directory without contacting the registry.",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			cfg, log, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			engine, err := openEngine(cfg, log)
			if err != nil {
				return err
			}
			defer engine.Close()

			results, err := engine.Rewrite(cmd.Context(), args)
			if err != nil {
				return err
			}
			report := &assetize.Report{Rewritten: args}
			report.Add(results)
			log.Info().
				Int("files", report.Files).
				Int("changed", report.Changed).
				Dur("took", time.Since(start).Round(time.Millisecond)).
				Msg("done")
			return writeReport(cmd.OutOrStdout(), opts.Format, "rewrite", report)
		},
	}
}

func newResolveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <file> <specifier>",
		Short: "Print what an import specifier becomes in a file",
		Long:  "Resolves specifier as if it appeared in file (a path relative to the project directory) and prints the rewritten specifier.",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			engine, err := openEngine(cfg, log)
			if err != nil {
				return err
			}
			defer engine.Close()

			resolved, err := engine.ResolveSpecifier(args[0], args[1])
			if err != nil {
				return fmt.Errorf("%s in %s: %w", args[1], args[0], err)
			}
			return writeResolved(cmd.OutOrStdout(), opts.Format, args[0], args[1], resolved)
		},
	}
}
