package restapi

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
)

// Config contains REST API source options.
type Config struct {
	// BaseURL prefixes endpoint paths in qualified names. When empty, the
	// first server URL of the document is used.
	BaseURL string
	// SpecURL locates the OpenAPI document. Defaults to {BaseURL}/openapi.json.
	SpecURL string

	APIKey       string
	APIKeyHeader string
	BearerToken  string

	Timeout time.Duration
}

// FromMap creates a Config from a connection parameter map.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		APIKeyHeader: "X-API-Key",
		Timeout:      30 * time.Second,
	}

	cfg.BaseURL, _ = datasource.StringParam(config, "base_url")
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.SpecURL, _ = datasource.StringParam(config, "spec_url", "openapi_url")

	if cfg.SpecURL == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("base_url or spec_url is required")
		}
		cfg.SpecURL = cfg.BaseURL + "/openapi.json"
	}
	if _, err := url.ParseRequestURI(cfg.SpecURL); err != nil {
		return nil, fmt.Errorf("invalid spec_url: %w", err)
	}

	cfg.APIKey, _ = datasource.StringParam(config, "api_key")
	if header, ok := datasource.StringParam(config, "api_key_header"); ok {
		cfg.APIKeyHeader = header
	}
	cfg.BearerToken, _ = datasource.StringParam(config, "bearer_token")

	seconds, ok, err := datasource.IntParam(config, "timeout_seconds")
	if err != nil {
		return nil, err
	}
	if ok && seconds > 0 {
		cfg.Timeout = time.Duration(seconds) * time.Second
	}

	return cfg, nil
}
