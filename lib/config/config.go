// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "SERVICEBUS_CONFIG"

// Config is the shell embedder's configuration.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Paths   PathsConfig   `yaml:"paths"`
	Limits  LimitsConfig  `yaml:"limits"`
	Channel ChannelConfig `yaml:"channel"`
	Shell   ShellConfig   `yaml:"shell"`
	Metrics MetricsConfig `yaml:"metrics"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per
// environment. Only non-zero values replace the base.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Channel *ChannelConfig `yaml:"channel,omitempty"`
	Shell   *ShellConfig   `yaml:"shell,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for service bus data.
	Root string `yaml:"root"`

	// Catalog is the directory of application manifests
	// (<catalog>/<app>/manifest.json).
	Catalog string `yaml:"catalog"`

	// Run is where runtime state (sockets) lives.
	Run string `yaml:"run"`

	// Bin is prepended when resolving relative executable paths in
	// manifests.
	Bin string `yaml:"bin"`
}

// LimitsConfig bounds messages, handle tables, and data pipes. Zero
// means the built-in default.
type LimitsConfig struct {
	MaxMessageBytes         int `yaml:"max_message_bytes"`
	MaxMessageHandles       int `yaml:"max_message_handles"`
	MaxHandleTableSize      int `yaml:"max_handle_table_size"`
	DefaultDataPipeCapacity int `yaml:"default_data_pipe_capacity"`
	MaxDataPipeCapacity     int `yaml:"max_data_pipe_capacity"`
}

// ChannelConfig configures the OS channels between nodes.
type ChannelConfig struct {
	// Compression is "none", "lz4", or "zstd".
	Compression string `yaml:"compression"`

	// CompressionThreshold is the smallest frame body, in bytes, that
	// is compressed.
	CompressionThreshold int `yaml:"compression_threshold"`

	// MaxFrameBytes rejects frames larger than this as corrupt.
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// ShellConfig configures the service manager.
type ShellConfig struct {
	// QuitTimeout bounds how long Shutdown waits for applications to
	// exit after their shell connections close.
	QuitTimeout string `yaml:"quit_timeout"`

	// SandboxWrapper is the path of the bubblewrap binary used for
	// sandboxed native applications. Empty refuses sandboxed starts.
	SandboxWrapper string `yaml:"sandbox_wrapper"`

	// InitialApplications are connected to at startup.
	InitialApplications []string `yaml:"initial_applications"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddress is the TCP address for /metrics. Empty disables it.
	ListenAddress string `yaml:"listen_address"`
}

// Default returns the default configuration. The defaults exist so
// every field has a sensible value; they are not a substitute for the
// config file in deployments.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "servicebus")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:    defaultRoot,
			Catalog: filepath.Join(defaultRoot, "catalog"),
			Run:     filepath.Join(defaultRoot, "run"),
			Bin:     filepath.Join(defaultRoot, "bin"),
		},
		Channel: ChannelConfig{
			Compression:          "lz4",
			CompressionThreshold: 64 << 10,
			MaxFrameBytes:        64 << 20,
		},
		Shell: ShellConfig{
			QuitTimeout: "10s",
		},
	}
}

// Load loads configuration from the SERVICEBUS_CONFIG environment
// variable. There is no fallback when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your servicebus.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, applies the
// matching environment overrides, and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		overrideString(&c.Paths.Root, overrides.Paths.Root)
		overrideString(&c.Paths.Catalog, overrides.Paths.Catalog)
		overrideString(&c.Paths.Run, overrides.Paths.Run)
		overrideString(&c.Paths.Bin, overrides.Paths.Bin)
	}
	if overrides.Channel != nil {
		overrideString(&c.Channel.Compression, overrides.Channel.Compression)
		if overrides.Channel.CompressionThreshold != 0 {
			c.Channel.CompressionThreshold = overrides.Channel.CompressionThreshold
		}
		if overrides.Channel.MaxFrameBytes != 0 {
			c.Channel.MaxFrameBytes = overrides.Channel.MaxFrameBytes
		}
	}
	if overrides.Shell != nil {
		overrideString(&c.Shell.QuitTimeout, overrides.Shell.QuitTimeout)
		overrideString(&c.Shell.SandboxWrapper, overrides.Shell.SandboxWrapper)
		if len(overrides.Shell.InitialApplications) > 0 {
			c.Shell.InitialApplications = overrides.Shell.InitialApplications
		}
	}
	if overrides.Metrics != nil {
		overrideString(&c.Metrics.ListenAddress, overrides.Metrics.ListenAddress)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"SERVICEBUS_ROOT": c.Paths.Root,
		"HOME":            os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["SERVICEBUS_ROOT"] = c.Paths.Root

	c.Paths.Catalog = expandVars(c.Paths.Catalog, vars)
	c.Paths.Run = expandVars(c.Paths.Run, vars)
	c.Paths.Bin = expandVars(c.Paths.Bin, vars)
	c.Shell.SandboxWrapper = expandVars(c.Shell.SandboxWrapper, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// QuitTimeoutDuration parses Shell.QuitTimeout.
func (c *Config) QuitTimeoutDuration() (time.Duration, error) {
	if c.Shell.QuitTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Shell.QuitTimeout)
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Run == "" {
		errs = append(errs, fmt.Errorf("paths.run is required"))
	}

	limits := []struct {
		name  string
		value int
	}{
		{"limits.max_message_bytes", c.Limits.MaxMessageBytes},
		{"limits.max_message_handles", c.Limits.MaxMessageHandles},
		{"limits.max_handle_table_size", c.Limits.MaxHandleTableSize},
		{"limits.default_data_pipe_capacity", c.Limits.DefaultDataPipeCapacity},
		{"limits.max_data_pipe_capacity", c.Limits.MaxDataPipeCapacity},
	}
	for _, limit := range limits {
		if limit.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", limit.name))
		}
	}
	if c.Limits.DefaultDataPipeCapacity > 0 && c.Limits.MaxDataPipeCapacity > 0 &&
		c.Limits.DefaultDataPipeCapacity > c.Limits.MaxDataPipeCapacity {
		errs = append(errs, fmt.Errorf("limits.default_data_pipe_capacity exceeds limits.max_data_pipe_capacity"))
	}

	compressions := []string{"none", "lz4", "zstd"}
	if !contains(compressions, c.Channel.Compression) {
		errs = append(errs, fmt.Errorf("channel.compression must be one of: %v", compressions))
	}
	if c.Channel.CompressionThreshold < 0 {
		errs = append(errs, fmt.Errorf("channel.compression_threshold must not be negative"))
	}
	if c.Channel.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("channel.max_frame_bytes must be positive"))
	}

	if _, err := c.QuitTimeoutDuration(); err != nil {
		errs = append(errs, fmt.Errorf("shell.quit_timeout: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Catalog, c.Paths.Run} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
