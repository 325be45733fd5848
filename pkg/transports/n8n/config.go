// Package n8n implements engine.ProviderClient over the n8n public REST API.
package n8n

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the connection settings for one n8n instance.
type Config struct {
	// BaseURL is the instance root, e.g. https://n8n.example.com
	BaseURL string

	// APIKey is sent in the X-N8N-API-KEY header
	APIKey string

	// Timeout bounds every request (default: 30s)
	Timeout time.Duration

	// UserAgent identifies this client to the instance
	UserAgent string

	// HTTPClient overrides the client built from Timeout
	HTTPClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(baseURL, apiKey string) *Config {
	return &Config{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		Timeout:   30 * time.Second,
		UserAgent: "n8n-analytics",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL has no host")
	}
	if c.APIKey == "" {
		return fmt.Errorf("API key is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) baseURL() string {
	return strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
}
