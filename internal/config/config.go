// Package config loads editor configuration from a JSON file with
// environment variable overrides. Precedence, lowest to highest:
// built-in defaults, the config file, then SCC_* environment
// variables. A .env file in the working directory is folded into the
// environment first without overriding variables already set.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// envPrefix namespaces all recognized environment overrides.
const envPrefix = "SCC_"

// ErrInvalidLogLevel is returned for an unrecognized logging level.
var ErrInvalidLogLevel = errors.New("invalid log level")

// Config is the application configuration.
type Config struct {
	Build      Build      `json:"build"`
	Extensions Extensions `json:"extensions"`
	Logging    Logging    `json:"logging"`
}

// Build configures the compile-and-run pipeline.
type Build struct {
	// Compiler is the external compiler binary.
	Compiler string `json:"compiler"`

	// CompilerFlags are prepended to every compile invocation.
	CompilerFlags []string `json:"compilerFlags"`

	// RunTimeoutSec bounds program execution in seconds. Zero
	// disables the timeout.
	RunTimeoutSec int `json:"runTimeoutSec"`
}

// RunTimeout returns the run timeout as a duration.
func (b Build) RunTimeout() time.Duration {
	return time.Duration(b.RunTimeoutSec) * time.Second
}

// Extensions configures the extension system.
type Extensions struct {
	// Dir is the installed-extensions directory.
	Dir string `json:"dir"`

	// MarketplaceDir is the available-extensions directory.
	MarketplaceDir string `json:"marketplaceDir"`

	// HookTimeoutSec bounds each extension hook call in seconds.
	HookTimeoutSec int `json:"hookTimeoutSec"`

	// AutoReload reloads an extension when its files change on disk.
	AutoReload bool `json:"autoReload"`
}

// HookTimeout returns the hook timeout as a duration.
func (e Extensions) HookTimeout() time.Duration {
	return time.Duration(e.HookTimeoutSec) * time.Second
}

// Logging configures the application logger.
type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`

	// File is the log destination. Empty logs to stderr.
	File string `json:"file"`
}

// Default returns the built-in configuration. Extension directories
// live under ~/.scc.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".scc")
	return Config{
		Build: Build{
			Compiler:      "g++",
			CompilerFlags: []string{"-std=c++17", "-Wall"},
			RunTimeoutSec: 20,
		},
		Extensions: Extensions{
			Dir:            filepath.Join(base, "extensions"),
			MarketplaceDir: filepath.Join(base, "marketplace"),
			HookTimeoutSec: 5,
			AutoReload:     true,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".scc", "config.json")
}

// Load builds the configuration. An empty path falls back to
// DefaultPath, which is allowed to be absent; an explicit path must
// exist.
func Load(path string) (Config, error) {
	// Fold a local .env into the environment. Existing variables win.
	_ = godotenv.Load()

	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine; defaults apply.
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays SCC_* environment variables onto the config.
func applyEnv(cfg *Config) {
	if v, ok := lookup("COMPILER"); ok {
		cfg.Build.Compiler = v
	}
	if v, ok := lookup("COMPILER_FLAGS"); ok {
		cfg.Build.CompilerFlags = strings.Fields(v)
	}
	if v, ok := lookupInt("RUN_TIMEOUT"); ok {
		cfg.Build.RunTimeoutSec = v
	}
	if v, ok := lookup("EXTENSIONS_DIR"); ok {
		cfg.Extensions.Dir = v
	}
	if v, ok := lookup("MARKETPLACE_DIR"); ok {
		cfg.Extensions.MarketplaceDir = v
	}
	if v, ok := lookupInt("HOOK_TIMEOUT"); ok {
		cfg.Extensions.HookTimeoutSec = v
	}
	if v, ok := lookupBool("AUTO_RELOAD"); ok {
		cfg.Extensions.AutoReload = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		cfg.Logging.File = v
	}
}

func lookup(name string) (string, bool) {
	return os.LookupEnv(envPrefix + name)
}

func lookupInt(name string) (int, bool) {
	v, ok := lookup(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupBool(name string) (bool, bool) {
	v, ok := lookup(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Logging.Level)
	}
	if c.Build.Compiler == "" {
		return errors.New("compiler must not be empty")
	}
	if c.Build.RunTimeoutSec < 0 {
		return errors.New("run timeout must not be negative")
	}
	if c.Extensions.HookTimeoutSec < 0 {
		return errors.New("hook timeout must not be negative")
	}
	return nil
}
