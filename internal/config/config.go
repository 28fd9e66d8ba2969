// ABOUTME: Configuration loading and parsing for the gru server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Approval policy values for ApprovalConfig.Policy.
const (
	ApprovalPolicyNone     = "none"     // auto-approve supervised tool actions
	ApprovalPolicyOperator = "operator" // hold supervised tool actions for an operator decision
)

// Timeout modes for AgentsConfig.DefaultTimeoutMode.
const (
	TimeoutModeBlock  = "block"  // wait indefinitely for a slow model call
	TimeoutModeStrict = "strict" // fail the agent when a model call exceeds default_timeout
)

// Config represents the complete gru server configuration
type Config struct {
	Data     DataConfig     `yaml:"data"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Model    ModelConfig    `yaml:"model"`
	Agents   AgentsConfig   `yaml:"agents"`
	Approval ApprovalConfig `yaml:"approval"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DataConfig holds filesystem layout configuration
type DataConfig struct {
	// Dir is the root data directory (agent workdirs, crypto salt)
	Dir string `yaml:"dir"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds the HTTP listener address for the operator API and webhooks
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds operator API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ModelConfig holds upstream model client configuration
type ModelConfig struct {
	// APIKey is the fallback credential; the encrypted secret store is
	// consulted first (key "anthropic_api_key")
	APIKey    string `yaml:"api_key"`
	Default   string `yaml:"default"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AgentsConfig holds agent scheduling and timeout configuration
type AgentsConfig struct {
	MaxConcurrent      int    `yaml:"max_concurrent"`
	DefaultTimeoutMode string `yaml:"default_timeout_mode"`

	DefaultTimeout time.Duration `yaml:"-"`
	BashTimeout    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout"`
	BashTimeoutRaw    string `yaml:"bash_timeout"`
}

// ApprovalConfig holds the supervised-action gating policy
type ApprovalConfig struct {
	// Policy is "none" (auto-approve, matching the historical fail-open
	// behavior) or "operator" (hold for explicit approval)
	Policy string `yaml:"policy"`
}

// WebhookConfig holds inbound webhook configuration
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in defaults for optional fields.
func (c *Config) applyDefaults() {
	if c.Data.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Data.Dir = filepath.Join(home, ".gru")
		} else {
			c.Data.Dir = ".gru"
		}
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Data.Dir, "gru.db")
	}
	if c.Model.Default == "" {
		c.Model.Default = "claude-sonnet-4-20250514"
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "https://api.anthropic.com"
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Agents.MaxConcurrent == 0 {
		c.Agents.MaxConcurrent = 10
	}
	if c.Agents.DefaultTimeoutMode == "" {
		c.Agents.DefaultTimeoutMode = TimeoutModeBlock
	}
	if c.Agents.DefaultTimeoutRaw == "" {
		c.Agents.DefaultTimeoutRaw = "5m"
	}
	if c.Agents.BashTimeoutRaw == "" {
		c.Agents.BashTimeoutRaw = "2m"
	}
	if c.Approval.Policy == "" {
		c.Approval.Policy = ApprovalPolicyNone
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.MaxConcurrent < 1 {
		return fmt.Errorf("agents.max_concurrent must be at least 1")
	}

	switch c.Agents.DefaultTimeoutMode {
	case TimeoutModeBlock, TimeoutModeStrict:
	default:
		return fmt.Errorf("agents.default_timeout_mode must be %q or %q", TimeoutModeBlock, TimeoutModeStrict)
	}

	switch c.Approval.Policy {
	case ApprovalPolicyNone, ApprovalPolicyOperator:
	default:
		return fmt.Errorf("approval.policy must be %q or %q", ApprovalPolicyNone, ApprovalPolicyOperator)
	}

	if c.Webhook.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required when webhook is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agents.DefaultTimeoutRaw != "" {
		cfg.Agents.DefaultTimeout, err = time.ParseDuration(cfg.Agents.DefaultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_timeout %q: %w", cfg.Agents.DefaultTimeoutRaw, err)
		}
	}

	if cfg.Agents.BashTimeoutRaw != "" {
		cfg.Agents.BashTimeout, err = time.ParseDuration(cfg.Agents.BashTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing bash_timeout %q: %w", cfg.Agents.BashTimeoutRaw, err)
		}
	}

	return nil
}
