package postgres

import (
	"fmt"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
)

// Config contains PostgreSQL-specific connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"

	// Schemas restricts scanning to the listed schemas. Empty means all user schemas.
	Schemas []string
}

// DefaultPort returns the default PostgreSQL port.
func DefaultPort() int {
	return 5432
}

// DefaultSSLMode returns the default SSL mode.
func DefaultSSLMode() string {
	return "require"
}

// FromMap creates a Config from a connection parameter map.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		Port:    DefaultPort(),
		SSLMode: DefaultSSLMode(),
	}

	host, ok := datasource.StringParam(config, "host")
	if !ok {
		return nil, fmt.Errorf("host is required")
	}
	cfg.Host = host

	port, ok, err := datasource.IntParam(config, "port")
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.Port = port
	}

	user, ok := datasource.StringParam(config, "user", "username")
	if !ok {
		return nil, fmt.Errorf("user is required")
	}
	cfg.User = user

	cfg.Password, _ = datasource.StringParam(config, "password")

	database, ok := datasource.StringParam(config, "database", "name")
	if !ok {
		return nil, fmt.Errorf("database is required")
	}
	cfg.Database = database

	if sslMode, ok := datasource.StringParam(config, "ssl_mode"); ok {
		cfg.SSLMode = sslMode
	}

	switch schemas := config["schemas"].(type) {
	case []string:
		cfg.Schemas = schemas
	case []any:
		for _, s := range schemas {
			if name, ok := s.(string); ok && name != "" {
				cfg.Schemas = append(cfg.Schemas, name)
			}
		}
	}

	return cfg, nil
}
