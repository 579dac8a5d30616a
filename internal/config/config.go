// Package config loads the proxy configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaygate/relaygate/internal/policy"
)

// Config is the top-level configuration.
type Config struct {
	Log        LogConfig     `yaml:"log"`
	Store      StoreConfig   `yaml:"store"`
	Server     ServerConfig  `yaml:"server"`
	Session    SessionConfig `yaml:"session"`
	Policy     policy.Config `yaml:"policy"`
	PolicyFile string        `yaml:"policy_file"` // replaces the inline policy when set
	Tools      ToolsConfig   `yaml:"tools"`
	Trace      TraceConfig   `yaml:"trace"`
}

// LogConfig controls the stderr logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StoreConfig controls the traffic database.
type StoreConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// ServerConfig names the server to proxy to. Command-line arguments take
// precedence.
type ServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Connect string   `yaml:"connect"` // host:port
}

// SessionConfig holds session engine tunables.
type SessionConfig struct {
	QueueSize        int           `yaml:"queue_size"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	MaxFrameSize     int           `yaml:"max_frame_size"`
	ReplyOnHookError bool          `yaml:"reply_on_hook_error"`
}

// ToolsConfig controls tools/list analytics and pruning.
type ToolsConfig struct {
	PruneUnused int      `yaml:"prune_unused"` // sessions without a call before a tool is pruned
	KeepTop     int      `yaml:"keep_top"`
	AlwaysKeep  []string `yaml:"always_keep"`
}

// TraceConfig selects traffic echoed to the log at debug level.
type TraceConfig struct {
	Methods     []string `yaml:"methods"`
	DroppedOnly bool     `yaml:"dropped_only"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Session: SessionConfig{
			QueueSize:    64,
			DrainTimeout: 5 * time.Second,
			MaxFrameSize: 64 << 20,
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults replaces ${VAR} and ${VAR:-default}.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes on top of
// Default. Supports ${VAR:-default} env var expansion, env overrides, and
// validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.PolicyFile != "" {
		p, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *p
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides lets the environment redirect the database and log
// level without editing the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RELAYGATE_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("RELAYGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration and compiles the policy rules.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %q (must be text or json)", c.Log.Format)
	}

	if c.Session.QueueSize < 0 {
		return fmt.Errorf("invalid session.queue_size: %d", c.Session.QueueSize)
	}
	if c.Session.DrainTimeout < 0 {
		return fmt.Errorf("invalid session.drain_timeout: %s", c.Session.DrainTimeout)
	}
	if c.Session.MaxFrameSize < 0 {
		return fmt.Errorf("invalid session.max_frame_size: %d", c.Session.MaxFrameSize)
	}

	if c.Server.Command != "" && c.Server.Connect != "" {
		return fmt.Errorf("server.command and server.connect are mutually exclusive")
	}

	if c.Tools.PruneUnused < 0 || c.Tools.KeepTop < 0 {
		return fmt.Errorf("tools.prune_unused and tools.keep_top must not be negative")
	}

	if err := c.Policy.Compile(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log.level: %q", s)
	}
}
