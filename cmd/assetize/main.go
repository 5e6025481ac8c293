package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jward/assetize"
	"github.com/jward/assetize/internal/config"
	"github.com/jward/assetize/internal/registry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and returns the process exit code. The cause of a
// failure is always printed to stderr; a missing project manifest also
// prints usage.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	fmt.Fprintf(stderr, "Error: %s\n", err)
	code := exitCode(err)
	if code == ExitUsage {
		fmt.Fprintln(stderr)
		fmt.Fprint(stderr, cmd.UsageString())
	}
	return code
}

// RootOptions holds the global flags not owned by the config package.
type RootOptions struct {
	ConfigFile string
	Dir        string
	Format     string
}

// NewRootCommand creates the assetize command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "assetize [modules...]",
		Short: "Turn npm packages into a browser-loadable asset tree",
		Long: "Installs the packages listed under assetDependencies in the project manifest, " +
			"stages them under the asset directory and rewrites their import specifiers " +
			"into relative paths a browser can load. Named modules are rewritten too, " +
			"whether or not this run installed them.",
		Args:          cobra.ArbitraryArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(opts.Format); err != nil {
				return &ExitError{Code: ExitUsage, Err: err}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, opts, args)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: ExitUsage, Err: err}
	})

	defaults := config.DefaultConfig()
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (default: <dir>/"+config.ConfigFileName+")")
	pf.StringVar(&opts.Dir, "dir", ".", "project directory")
	pf.StringVar(&opts.Format, "format", "text", "output format: text|json")
	pf.String("assets", defaults.AssetsDir, "asset tree root, relative to the project directory")
	pf.String("manifest", defaults.Manifest, "project manifest path")
	pf.String("field", defaults.ManifestField, "manifest field listing the packages to install")
	pf.String("registry", defaults.Registry, "registry client: npm|http")
	pf.String("registry-url", defaults.RegistryURL, "registry base URL for the http client")
	pf.Duration("registry-timeout", defaults.RegistryTimeout, "per-request timeout for the http client")
	pf.String("npm", defaults.NPMBin, "npm executable for the npm client")
	pf.Int("concurrency", defaults.Concurrency, "maximum simultaneous registry calls")
	pf.String("db", defaults.DB, "ledger database path")
	pf.String("global", defaults.GlobalObject, "global object used to qualify process.env")
	pf.String("transform", defaults.TransformScript, "Risor script run over every rewritten file")
	pf.String("log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	pf.String("log-format", defaults.LogFormat, "log format: console|json")

	cmd.AddCommand(newRewriteCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newListCommand(opts))

	return cmd
}

func runInstall(cmd *cobra.Command, opts *RootOptions, modules []string) error {
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

	report, err := engine.Run(cmd.Context(), assetize.RunOptions{
		Manifest: cfg.Manifest,
		Field:    cfg.ManifestField,
		Modules:  modules,
	})
	if err != nil {
		if errors.Is(err, assetize.ErrNoManifest) {
			return &ExitError{Code: ExitUsage, Err: fmt.Errorf("%w (pass module names to rewrite staged packages)", err)}
		}
		return err
	}

	log.Info().
		Int("installed", len(report.Installed)).
		Int("files", report.Files).
		Int("changed", report.Changed).
		Dur("took", time.Since(start).Round(time.Millisecond)).
		Msg("done")
	return writeReport(cmd.OutOrStdout(), opts.Format, "run", report)
}

// setup loads the configuration and builds the logger for one command.
func setup(cmd *cobra.Command, opts *RootOptions) (*config.Config, zerolog.Logger, error) {
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("resolving path %q: %w", opts.Dir, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, zerolog.Nop(), &ExitError{Code: ExitUsage, Err: fmt.Errorf("directory not found: %s", dir)}
	}
	if !info.IsDir() {
		return nil, zerolog.Nop(), &ExitError{Code: ExitUsage, Err: fmt.Errorf("not a directory: %s", dir)}
	}

	cfg, cfgPath, err := config.Load(cmd.Context(), config.LoadOptions{
		Dir:            dir,
		ConfigFilePath: opts.ConfigFile,
		Flags:          cmd.Flags(),
	})
	if err != nil {
		return nil, zerolog.Nop(), &ExitError{Code: ExitUsage, Err: err}
	}

	log := newLogger(cmd.ErrOrStderr(), cfg)
	if cfgPath != "" {
		log.Debug().Str("path", cfgPath).Msg("loaded config")
	}
	return cfg, log, nil
}

// newLogger writes human-readable console lines, or JSON lines with
// --log-format json.
func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	out := w
	if cfg.LogFormat == config.LogFormatConsole {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(cfg.Level()).With().Timestamp().Logger()
}

// newClient builds the configured registry client.
func newClient(cfg *config.Config, log zerolog.Logger) registry.Client {
	if cfg.Registry == config.RegistryHTTP {
		return registry.NewHTTP(cfg.RegistryURL,
			registry.WithLogger(log),
			registry.WithHTTPClient(&http.Client{Timeout: cfg.RegistryTimeout}),
		)
	}
	return registry.NewNPM(cfg.NPMBin, registry.WithLogger(log))
}

// openEngine creates an Engine for cfg and warns when the transform
// script changed since staged packages were last rewritten.
func openEngine(cfg *config.Config, log zerolog.Logger) (*assetize.Engine, error) {
	opts := []assetize.Option{
		assetize.WithLogger(log),
		assetize.WithAssetsDir(cfg.AssetsDir),
		assetize.WithRegistry(newClient(cfg, log)),
		assetize.WithConcurrency(cfg.Concurrency),
		assetize.WithGlobal(cfg.GlobalObject),
	}
	if cfg.TransformScript != "" {
		opts = append(opts, assetize.WithTransformScript(cfg.Path(cfg.TransformScript)))
	}

	engine, err := assetize.New(cfg.Dir, cfg.Path(cfg.DB), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	if engine.TransformChanged() {
		if pkgs, err := engine.Packages(); err == nil && len(pkgs) > 0 {
			log.Warn().Str("script", cfg.TransformScript).
				Msg("transform script changed since the last rewrite; run 'assetize rewrite' on staged packages to apply it")
		}
	}
	return engine, nil
}
