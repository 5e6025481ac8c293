// Package config loads assetize settings from defaults, an optional
// .assetize.yaml, ASSETIZE_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// AppName prefixes environment variables.
	AppName = "assetize"
	// ConfigFileName is looked up in the project directory.
	ConfigFileName = ".assetize.yaml"
)

// ErrInvalidConfig is returned when a setting has an unusable value.
var ErrInvalidConfig = errors.New("invalid configuration")

// Registry client kinds.
const (
	RegistryNPM  = "npm"
	RegistryHTTP = "http"
)

// Log output formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config holds every setting. Paths are relative to Dir unless absolute.
type Config struct {
	Dir             string        `mapstructure:"-"`
	AssetsDir       string        `mapstructure:"assets_dir"`
	Manifest        string        `mapstructure:"manifest"`
	ManifestField   string        `mapstructure:"manifest_field"`
	Registry        string        `mapstructure:"registry"`
	RegistryURL     string        `mapstructure:"registry_url"`
	RegistryTimeout time.Duration `mapstructure:"registry_timeout"`
	NPMBin          string        `mapstructure:"npm_bin"`
	Concurrency     int           `mapstructure:"concurrency"`
	DB              string        `mapstructure:"db"`
	GlobalObject    string        `mapstructure:"global_object"`
	TransformScript string        `mapstructure:"transform_script"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	return &Config{
		Dir:             ".",
		AssetsDir:       "assets",
		Manifest:        "package.json",
		ManifestField:   "assetDependencies",
		Registry:        RegistryNPM,
		RegistryURL:     "https://registry.npmjs.org",
		RegistryTimeout: time.Minute,
		NPMBin:          "npm",
		Concurrency:     8,
		DB:              filepath.Join(".assetize", "state.db"),
		GlobalObject:    "self",
		LogLevel:        "info",
		LogFormat:       LogFormatConsole,
	}
}

// flagKeys maps command-line flag names onto config keys.
var flagKeys = map[string]string{
	"assets":           "assets_dir",
	"manifest":         "manifest",
	"field":            "manifest_field",
	"registry":         "registry",
	"registry-url":     "registry_url",
	"registry-timeout": "registry_timeout",
	"npm":              "npm_bin",
	"concurrency":      "concurrency",
	"db":               "db",
	"global":           "global_object",
	"transform":        "transform_script",
	"log-level":        "log_level",
	"log-format":       "log_format",
}

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// Dir is the project directory. Defaults to ".".
	Dir string
	// ConfigFilePath overrides the config file location. A missing
	// explicit file is an error; a missing default file is not.
	ConfigFilePath string
	// Flags, when set, supplies flag overrides for every flag in flagKeys
	// the user changed.
	Flags *pflag.FlagSet
}

// Load resolves the configuration and returns it with the path of the
// config file that was read ("" if none).
func Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("assets_dir", defaults.AssetsDir)
	v.SetDefault("manifest", defaults.Manifest)
	v.SetDefault("manifest_field", defaults.ManifestField)
	v.SetDefault("registry", defaults.Registry)
	v.SetDefault("registry_url", defaults.RegistryURL)
	v.SetDefault("registry_timeout", defaults.RegistryTimeout)
	v.SetDefault("npm_bin", defaults.NPMBin)
	v.SetDefault("concurrency", defaults.Concurrency)
	v.SetDefault("db", defaults.DB)
	v.SetDefault("global_object", defaults.GlobalObject)
	v.SetDefault("transform_script", defaults.TransformScript)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_format", defaults.LogFormat)

	dir := opts.Dir
	if dir == "" {
		dir = defaults.Dir
	}

	resolvedPath := ""
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", fmt.Errorf("config file not found: %s", opts.ConfigFilePath)
		}
		resolvedPath = opts.ConfigFilePath
	} else if p := filepath.Join(dir, ConfigFileName); fileExists(p) {
		resolvedPath = p
	}
	if resolvedPath != "" {
		v.SetConfigFile(resolvedPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("reading config %s: %w", resolvedPath, err)
		}
	}

	v.SetEnvPrefix(AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, "", fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, "", fmt.Errorf("decoding config: %w", err)
	}
	cfg.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, resolvedPath, nil
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	switch c.Registry {
	case RegistryNPM, RegistryHTTP:
	default:
		return fmt.Errorf("%w: registry %q (want %s or %s)", ErrInvalidConfig, c.Registry, RegistryNPM, RegistryHTTP)
	}
	switch c.LogFormat {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("%w: log_format %q (want %s or %s)", ErrInvalidConfig, c.LogFormat, LogFormatConsole, LogFormatJSON)
	}
	if c.RegistryTimeout <= 0 {
		return fmt.Errorf("%w: registry_timeout must be positive, got %s", ErrInvalidConfig, c.RegistryTimeout)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.AssetsDir == "" || c.Manifest == "" || c.ManifestField == "" {
		return fmt.Errorf("%w: assets_dir, manifest and manifest_field must be set", ErrInvalidConfig)
	}
	return nil
}

// Path resolves p against the project directory.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// Level returns the parsed log level.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
