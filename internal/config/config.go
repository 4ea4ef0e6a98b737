// Package config loads and validates the TOML configuration file:
// transfer tuning, token directory, and the set of configured roots.
// Resolution order is defaults -> config file -> environment
// variables, so one-off overrides never require editing the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/unidrive/unidrive-go/internal/contract"
	"github.com/unidrive/unidrive-go/internal/gateway"
)

// Environment variable names recognized as overrides.
const (
	EnvConfig   = "UNIDRIVE_CONFIG"
	EnvTokenDir = "UNIDRIVE_TOKEN_DIR"
	EnvLogLevel = "UNIDRIVE_LOG_LEVEL"
)

// Defaults. The threshold matches the common vendor boundary for
// single-request uploads; both sizes use binary multipliers.
const (
	DefaultChunkSize = "8MB"
	DefaultThreshold = "4MB"
	DefaultLogLevel  = "info"
)

// Config is the on-disk configuration shape.
type Config struct {
	LogLevel  string `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	TokenDir  string `toml:"token_dir"`
	ChunkSize string `toml:"chunk_size"`
	Threshold string `toml:"large_object_threshold"`

	Roots []Root `toml:"roots" validate:"dive"`
}

// Root configures one connected drive.
type Root struct {
	Schema  string            `toml:"schema" validate:"required,alphanum"`
	Account string            `toml:"account" validate:"required"`
	Params  map[string]string `toml:"params"`
}

// Name returns the root's identity.
func (r Root) Name() gateway.RootName {
	return gateway.RootName{Schema: r.Schema, Account: r.Account}
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  DefaultLogLevel,
		TokenDir:  defaultTokenDir(),
		ChunkSize: DefaultChunkSize,
		Threshold: DefaultThreshold,
	}
}

// DefaultConfigPath returns the standard config file location,
// honoring the UNIDRIVE_CONFIG override.
func DefaultConfigPath() string {
	if v := os.Getenv(EnvConfig); v != "" {
		return v
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "unidrive", "config.toml")
	}

	return filepath.Join(".", "unidrive.toml")
}

func defaultTokenDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "unidrive", "tokens")
	}

	return filepath.Join(".", "unidrive-tokens")
}

// Load reads a TOML config file, applies environment overrides, and
// validates the result. Unknown keys are rejected so typos surface
// immediately instead of silently falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault reads the config file if it exists, otherwise returns
// defaults with environment overrides applied. Supports the
// zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		applyEnv(cfg)

		if err := Validate(cfg); err != nil {
			return nil, err
		}

		return cfg, nil
	}

	return Load(path)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvTokenDir); v != "" {
		cfg.TokenDir = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks struct constraints, size field syntax, and root
// uniqueness.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("validation: %w", err)
	}

	chunk, err := cfg.ChunkSizeBytes()
	if err != nil {
		return fmt.Errorf("chunk_size: %w", err)
	}

	if chunk <= 0 {
		return errors.New("chunk_size must be positive")
	}

	threshold, err := cfg.ThresholdBytes()
	if err != nil {
		return fmt.Errorf("large_object_threshold: %w", err)
	}

	if threshold < 0 {
		return errors.New("large_object_threshold must be non-negative")
	}

	seen := make(map[gateway.RootName]struct{}, len(cfg.Roots))
	for _, r := range cfg.Roots {
		name := r.Name()
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate root %s", name)
		}

		seen[name] = struct{}{}
	}

	return nil
}

// ChunkSizeBytes resolves the configured chunk size.
func (c *Config) ChunkSizeBytes() (int64, error) {
	return contract.ParseSize(c.ChunkSize)
}

// ThresholdBytes resolves the configured large-object threshold.
func (c *Config) ThresholdBytes() (int64, error) {
	return contract.ParseSize(c.Threshold)
}

// FindRoot resolves a root selector of the form "schema:account".
// With exactly one configured root an empty selector resolves to it.
func (c *Config) FindRoot(selector string) (*Root, error) {
	if selector == "" {
		if len(c.Roots) == 1 {
			return &c.Roots[0], nil
		}

		return nil, fmt.Errorf("%d roots configured, use --root schema:account", len(c.Roots))
	}

	for i := range c.Roots {
		if c.Roots[i].Name().String() == selector {
			return &c.Roots[i], nil
		}
	}

	return nil, fmt.Errorf("no configured root matches %q", selector)
}
