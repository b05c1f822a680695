package config

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// BackendConfig defines how to reach the remote analysis service.
type BackendConfig struct {
	BaseURL    string        `mapstructure:"base_url"`     // Service root, e.g. https://analysis.example.com/api/v1
	BaseURLEnv string        `mapstructure:"base_url_env"` // Environment variable name for base URL
	APIKey     string        `mapstructure:"api_key"`      // Bearer token (can be set directly or via env var)
	APIKeyEnv  string        `mapstructure:"api_key_env"`  // Environment variable name for API key
	Timeout    time.Duration `mapstructure:"timeout"`      // Per-request timeout
	UserAgent  string        `mapstructure:"user_agent"`
}

// ResolveEnvVars fills APIKey and BaseURL from their *_env variables when
// not set directly.
func (c *BackendConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
	if c.BaseURLEnv != "" {
		if val := os.Getenv(c.BaseURLEnv); val != "" {
			c.BaseURL = val
		}
	}
}

// Validate checks that the backend configuration is usable.
func (c *BackendConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("backend: base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backend: invalid base_url %q", c.BaseURL)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("backend: timeout must not be negative")
	}
	return nil
}
