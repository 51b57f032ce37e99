// Package config provides configuration management for the uplink daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	API      APIConfig      `mapstructure:"api"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Approval ApprovalConfig `mapstructure:"approval"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DaemonConfig holds the local HTTP/WebSocket server configuration.
type DaemonConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// Token authenticates WebSocket clients. Empty accepts any token,
	// which is only safe while the daemon binds to loopback.
	Token string `mapstructure:"token"`
}

// Addr returns the listen address in host:port form.
func (d *DaemonConfig) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// APIConfig points at the remote control-plane API used for token validation.
type APIConfig struct {
	URL string `mapstructure:"url"`
}

// PortalConfig points at the remote portal that remote clients connect from.
type PortalConfig struct {
	URL string `mapstructure:"url"`
}

// ApprovalConfig holds tool-approval policy configuration.
type ApprovalConfig struct {
	// Threshold is the minimum risk level that requires client review.
	// Tool calls below it are auto-approved. One of: low, medium, high, critical.
	Threshold string `mapstructure:"threshold"`

	// TimeoutSeconds bounds how long a routed approval waits for a client
	// decision before falling back to the agent's own prompt.
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`

	// RequireClient falls decisions through to the agent when no remote
	// client is connected instead of auto-approving.
	RequireClient bool `mapstructure:"requireClient"`

	// AuditPath is the SQLite file recording approval decisions.
	// Empty disables the audit trail.
	AuditPath string `mapstructure:"auditPath"`
}

// NATSConfig holds optional NATS configuration for the notification bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentsConfig holds per-agent integration configuration.
type AgentsConfig struct {
	// ClaudeHome overrides the Claude Code data directory (default: ~/.claude).
	ClaudeHome string `mapstructure:"claudeHome"`

	// RegistryPath is an optional YAML file that disables agents or
	// overrides their binary paths.
	RegistryPath string `mapstructure:"registryPath"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (d *DaemonConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(d.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (d *DaemonConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(d.WriteTimeout) * time.Second
}

// Timeout returns the approval timeout as a time.Duration.
func (a *ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("UPLINK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Daemon defaults - bind to loopback only; remote access goes through the tunnel
	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 8787)
	v.SetDefault("daemon.readTimeout", 30)
	v.SetDefault("daemon.writeTimeout", 30)
	v.SetDefault("daemon.token", "")

	v.SetDefault("api.url", "https://api.uplink.dev")
	v.SetDefault("portal.url", "https://portal.uplink.dev")

	// Approval defaults
	v.SetDefault("approval.threshold", "medium")
	v.SetDefault("approval.timeoutSeconds", 290)
	v.SetDefault("approval.requireClient", false)
	v.SetDefault("approval.auditPath", defaultAuditPath())

	// NATS defaults - empty URL means use the in-memory notification bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "uplinkd")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults - empty claudeHome resolves to ~/.claude at runtime
	v.SetDefault("agents.claudeHome", "")
	v.SetDefault("agents.registryPath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultAuditPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".uplink", "approvals.db")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix UPLINK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.uplink/, or /etc/uplink/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("UPLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("daemon.token", "UPLINK_DAEMON_TOKEN")
	_ = v.BindEnv("approval.timeoutSeconds", "UPLINK_APPROVAL_TIMEOUT_SECONDS")
	_ = v.BindEnv("approval.requireClient", "UPLINK_APPROVAL_REQUIRE_CLIENT")
	_ = v.BindEnv("approval.auditPath", "UPLINK_APPROVAL_AUDIT_PATH")
	_ = v.BindEnv("agents.claudeHome", "UPLINK_AGENTS_CLAUDE_HOME", "CLAUDE_CONFIG_DIR")
	_ = v.BindEnv("agents.registryPath", "UPLINK_AGENTS_REGISTRY_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".uplink"))
	}
	v.AddConfigPath("/etc/uplink/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Daemon.Port <= 0 || cfg.Daemon.Port > 65535 {
		errs = append(errs, "daemon.port must be between 1 and 65535")
	}

	validRisk := map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	if !validRisk[strings.ToLower(cfg.Approval.Threshold)] {
		errs = append(errs, "approval.threshold must be one of: low, medium, high, critical")
	}
	if cfg.Approval.TimeoutSeconds <= 0 {
		errs = append(errs, "approval.timeoutSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
