// Package config loads zipstream server configuration.
//
// Configuration comes from an optional YAML file. Values missing from the
// file keep their defaults; command-line flags are applied on top by the
// caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when a configuration value is out of range.
var ErrInvalid = errors.New("config: invalid")

// Config is the server configuration.
type Config struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`

	// CacheDir holds finished archives.
	CacheDir string `yaml:"cache_dir"`

	// WorkDir holds in-progress builds and spooled fetch bodies.
	WorkDir string `yaml:"work_dir"`

	// Concurrency bounds the number of sources fetched at once.
	Concurrency int `yaml:"concurrency"`

	// Sample is the path of the payload served at /sample.zip. Empty uses
	// the built-in sample.
	Sample string `yaml:"sample"`

	// MaxRequestBytes caps POST /zip payloads.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	// UserAgent is sent with every source request.
	UserAgent string `yaml:"user_agent"`

	// VerifyCached checks cached archives before serving them.
	VerifyCached bool `yaml:"verify_cached"`

	// Registry configures the optional remote cache tier.
	Registry RegistryConfig `yaml:"registry"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// RegistryConfig configures the OCI registry cache tier.
type RegistryConfig struct {
	// Repository is a reference without tag, such as ghcr.io/org/archives.
	// Empty disables the tier.
	Repository string `yaml:"repository"`

	// PlainHTTP talks to the registry over HTTP.
	PlainHTTP bool `yaml:"plain_http"`

	// DockerConfig loads credentials from the Docker config file.
	DockerConfig bool `yaml:"docker_config"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:            ":8080",
		CacheDir:        "cache",
		WorkDir:         "work",
		Concurrency:     8,
		MaxRequestBytes: 1 << 20,
		VerifyCached:    true,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is supplied by the operator
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that every value is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: addr is empty", ErrInvalid))
	}
	if c.CacheDir == "" {
		errs = append(errs, fmt.Errorf("%w: cache_dir is empty", ErrInvalid))
	}
	if c.WorkDir == "" {
		errs = append(errs, fmt.Errorf("%w: work_dir is empty", ErrInvalid))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("%w: concurrency must be >= 1, got %d", ErrInvalid, c.Concurrency))
	}
	if c.MaxRequestBytes < 1 {
		errs = append(errs, fmt.Errorf("%w: max_request_bytes must be >= 1, got %d", ErrInvalid, c.MaxRequestBytes))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, l.Level)
	}
	return level, nil
}

// NewLogger builds a logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch l.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalid, l.Format)
	}
}
