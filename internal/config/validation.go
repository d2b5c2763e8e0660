package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate performs fail-fast validation of the whole configuration.
// Returns the first violation wrapped around its sentinel error.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateBudget(); err != nil {
		return err
	}
	if err := c.validateEditor(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateRemote() error {
	u, err := url.Parse(c.RemoteBaseURL)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidRemoteURL, c.RemoteBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidRemoteURL, c.RemoteBaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidRemoteURL, c.RemoteBaseURL)
	}
	if c.StageTimeoutSeconds < 1 || c.StageTimeoutSeconds > 900 {
		return fmt.Errorf("%w: stage_timeout_seconds %d must be in [1, 900]", ErrInvalidRemoteURL, c.StageTimeoutSeconds)
	}
	if c.RemoteRequestsPerSecond <= 0 {
		return fmt.Errorf("%w: remote_requests_per_second %v must be positive", ErrInvalidRemoteURL, c.RemoteRequestsPerSecond)
	}
	return nil
}

func (c *Config) validateBudget() error {
	if c.BudgetSoftLimit < 1 {
		return fmt.Errorf("%w: soft limit %d must be positive", ErrInvalidBudget, c.BudgetSoftLimit)
	}
	if c.BudgetHardLimit <= c.BudgetSoftLimit {
		return fmt.Errorf("%w: hard limit %d must exceed soft limit %d",
			ErrInvalidBudget, c.BudgetHardLimit, c.BudgetSoftLimit)
	}
	return nil
}

func (c *Config) validateEditor() error {
	// Below 100ms the debounce stops debouncing; above a minute unsaved
	// work outlives a browser session.
	if c.AutosaveDebounceMS < 100 || c.AutosaveDebounceMS > 60_000 {
		return fmt.Errorf("%w: %dms must be in [100, 60000]", ErrInvalidDebounce, c.AutosaveDebounceMS)
	}
	if c.AsyncStalenessMin < 1 || c.AsyncStalenessMin > 120 {
		return fmt.Errorf("%w: %d minutes must be in [1, 120]", ErrInvalidStaleness, c.AsyncStalenessMin)
	}
	return nil
}

var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d must be in [1, 65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	if strings.TrimSpace(c.LocalDir) == "" {
		return fmt.Errorf("%w: directory is empty", ErrInvalidLocalDir)
	}
	return nil
}
