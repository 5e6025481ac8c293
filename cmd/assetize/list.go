package main

import (
	"github.com/spf13/cobra"

	"github.com/jward/assetize"
)

func newListCommand(opts *RootOptions) *cobra.Command {
	var showFiles bool
	cmd := &cobra.Command{
		Use:   "list [names...]",
		Short: "List packages recorded in the ledger",
		Long: "Lists the ledger's package records. With --files, lists the rewritten " +
			"files of each named package instead.",
		Args: usageArgs(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if showFiles && len(args) == 0 {
				return &ExitError{Code: ExitUsage, Err: errFilesNeedsNames}
			}
			cfg, log, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			engine, err := openEngine(cfg, log)
			if err != nil {
				return err
			}
			defer engine.Close()

			if showFiles {
				var files []*assetize.File
				for _, name := range args {
					pf, err := engine.PackageFiles(name)
					if err != nil {
						return err
					}
					files = append(files, pf...)
				}
				return writeFiles(cmd.OutOrStdout(), opts.Format, files)
			}

			pkgs, err := engine.Packages(args...)
			if err != nil {
				return err
			}
			return writePackages(cmd.OutOrStdout(), opts.Format, pkgs)
		},
	}
	cmd.Flags().BoolVar(&showFiles, "files", false, "list the rewritten files of the named packages")
	return cmd
}
