// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.pageforge/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Remote: the AI generation backend (base URL, auth token, timeouts)
//   - Pipeline: token budget limits
//   - Editor: autosave debounce, async staleness window
//   - Storage: PostgreSQL connection (see storage.go) and the local
//     per-machine data directory
//   - Tracing: OTLP trace export (see observability.go)
//
// Sensitive data (passwords, tokens) is never logged; see MarshalJSON.
// Validation uses sentinel errors for errors.Is() checks; see
// validation.go.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidRemoteURL indicates the remote backend URL is invalid.
	ErrInvalidRemoteURL = errors.New("invalid remote base URL")

	// ErrInvalidBudget indicates the token budget limits are out of range
	// or inverted.
	ErrInvalidBudget = errors.New("invalid token budget")

	// ErrInvalidDebounce indicates the autosave debounce window is out of
	// range.
	ErrInvalidDebounce = errors.New("invalid autosave debounce")

	// ErrInvalidStaleness indicates the async staleness window is out of
	// range.
	ErrInvalidStaleness = errors.New("invalid async staleness window")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is
	// invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is
	// invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidLocalDir indicates the local data directory is invalid.
	ErrInvalidLocalDir = errors.New("invalid local data directory")
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, tokens), update MarshalJSON.
type Config struct {
	// Remote generation backend
	RemoteBaseURL string `mapstructure:"remote_base_url" json:"remote_base_url"`
	RemoteToken   string `mapstructure:"remote_token" json:"remote_token"` // SENSITIVE: masked in MarshalJSON
	// StageTimeoutSeconds bounds one pipeline stage call.
	StageTimeoutSeconds int `mapstructure:"stage_timeout_seconds" json:"stage_timeout_seconds"`
	// RemoteRequestsPerSecond throttles calls to the backend.
	RemoteRequestsPerSecond float64 `mapstructure:"remote_requests_per_second" json:"remote_requests_per_second"`

	// Token budget (see internal/pipeline)
	BudgetSoftLimit int `mapstructure:"budget_soft_limit" json:"budget_soft_limit"`
	BudgetHardLimit int `mapstructure:"budget_hard_limit" json:"budget_hard_limit"`

	// Editor behavior
	AutosaveDebounceMS int `mapstructure:"autosave_debounce_ms" json:"autosave_debounce_ms"`
	AsyncStalenessMin  int `mapstructure:"async_staleness_minutes" json:"async_staleness_minutes"`
	SystemPrompt       string `mapstructure:"system_prompt" json:"system_prompt"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// LocalDir is the per-machine data directory (chat history, debug
	// snapshots). Empty means ~/.pageforge/data.
	LocalDir string `mapstructure:"local_dir" json:"local_dir"`

	// Serve mode
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Observability configuration (see observability.go)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".pageforge")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults(configDir)
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(configDir string) {
	// Remote backend defaults
	viper.SetDefault("remote_base_url", "http://localhost:9000/functions/v1")
	viper.SetDefault("stage_timeout_seconds", 240)
	viper.SetDefault("remote_requests_per_second", 2.0)

	// Budget defaults
	viper.SetDefault("budget_soft_limit", 12000)
	viper.SetDefault("budget_hard_limit", 16000)

	// Editor defaults
	viper.SetDefault("autosave_debounce_ms", 2000)
	viper.SetDefault("async_staleness_minutes", 10)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "pageforge")
	viper.SetDefault("postgres_password", "pageforge_dev_password")
	viper.SetDefault("postgres_db_name", "pageforge")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("local_dir", filepath.Join(configDir, "data"))
	viper.SetDefault("listen_addr", "localhost:8080")

	// Tracing defaults
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "pageforge")
	viper.SetDefault("tracing.enabled", false)
}

// bindEnvVariables binds environment variables explicitly. Secrets only
// come from the environment, never the config file on disk.
func bindEnvVariables() {
	// Hardcoded keys can't fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("remote_token", "PAGEFORGE_REMOTE_TOKEN")
	mustBind("remote_base_url", "PAGEFORGE_REMOTE_URL")
	mustBind("local_dir", "PAGEFORGE_LOCAL_DIR")
	mustBind("listen_addr", "PAGEFORGE_LISTEN_ADDR")
	mustBind("tracing.enabled", "PAGEFORGE_TRACING")
	mustBind("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// DebounceWindow returns the autosave debounce as a duration.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.AutosaveDebounceMS) * time.Millisecond
}

// AsyncStaleness returns the async staleness window as a duration.
func (c *Config) AsyncStaleness() time.Duration {
	return time.Duration(c.AsyncStalenessMin) * time.Minute
}

// StageTimeout returns the per-stage call ceiling as a duration.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSeconds) * time.Second
}

// maskedValue is the placeholder for masked sensitive data. Full-width
// blocks (U+2588) so no real secret can substring-match the mask.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 chars
// or fewer are fully masked; longer ones keep the first and last 2 chars
// for debug utility. This defends against accidental logging, nothing
// more; rotate secrets if logs are compromised.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking.
//
// Sensitive fields masked:
//   - RemoteToken
//   - PostgresPassword
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.RemoteToken = maskSecret(a.RemoteToken)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
