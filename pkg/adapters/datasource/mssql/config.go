package mssql

import (
	"fmt"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
)

// Authentication methods.
const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
	AuthManagedIdentity  = "managed_identity"
	// AuthDefault uses the Azure default credential chain (environment, managed identity, Azure CLI).
	AuthDefault = "default"
)

// Config contains SQL Server-specific connection options.
type Config struct {
	Host     string
	Port     int
	Database string

	// AuthMethod determines which authentication to use
	// Options: "sql", "service_principal", "managed_identity", "default"
	AuthMethod string

	// SQL Authentication fields
	Username string
	Password string

	// Service Principal (Azure AD) fields
	TenantID     string
	ClientID     string
	ClientSecret string

	// Connection options
	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int
}

// DefaultPort returns the default SQL Server port.
func DefaultPort() int {
	return 1433
}

// DefaultConnectionTimeout returns the default connection timeout in seconds.
func DefaultConnectionTimeout() int {
	return 30
}

// FromMap creates a Config from a connection parameter map and auto-detects the auth method.
func FromMap(config map[string]any) (*Config, error) {
	cfg := &Config{
		Port:              DefaultPort(),
		Encrypt:           true,
		ConnectionTimeout: DefaultConnectionTimeout(),
	}

	host, ok := datasource.StringParam(config, "host", "server")
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

	database, ok := datasource.StringParam(config, "database", "name")
	if !ok {
		return nil, fmt.Errorf("database is required")
	}
	cfg.Database = database

	if encrypt, ok := config["encrypt"].(string); ok {
		// Support string values: "true", "false", "strict"
		cfg.Encrypt = encrypt == "true" || encrypt == "strict"
	} else if encrypt, ok := datasource.BoolParam(config, "encrypt"); ok {
		cfg.Encrypt = encrypt
	}

	if trust, ok := datasource.BoolParam(config, "trust_server_certificate"); ok {
		cfg.TrustServerCertificate = trust
	}

	timeout, ok, err := datasource.IntParam(config, "connection_timeout")
	if err != nil {
		return nil, err
	}
	if ok {
		cfg.ConnectionTimeout = timeout
	}

	// Auto-detect auth method or use explicitly provided
	if authMethod, ok := datasource.StringParam(config, "auth_method"); ok {
		cfg.AuthMethod = authMethod
	} else if _, hasClientID := datasource.StringParam(config, "client_id"); hasClientID {
		cfg.AuthMethod = AuthServicePrincipal
	} else if _, hasUser := datasource.StringParam(config, "username", "user"); hasUser {
		cfg.AuthMethod = AuthSQL
	} else {
		cfg.AuthMethod = AuthDefault
	}

	switch cfg.AuthMethod {
	case AuthSQL:
		cfg.Username, _ = datasource.StringParam(config, "username", "user")
		// Password can be empty for some scenarios
		cfg.Password, _ = datasource.StringParam(config, "password")

	case AuthServicePrincipal:
		cfg.TenantID, _ = datasource.StringParam(config, "tenant_id")
		cfg.ClientID, _ = datasource.StringParam(config, "client_id")
		cfg.ClientSecret, _ = datasource.StringParam(config, "client_secret")

	case AuthManagedIdentity:
		// Optional user-assigned identity
		cfg.ClientID, _ = datasource.StringParam(config, "client_id")

	case AuthDefault:
	default:
		return nil, fmt.Errorf("invalid auth method: %s (must be sql, service_principal, managed_identity, or default)", cfg.AuthMethod)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the config has all required fields for the selected auth method.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	switch c.AuthMethod {
	case AuthSQL:
		if c.Username == "" {
			return fmt.Errorf("username is required for SQL authentication")
		}
	case AuthServicePrincipal:
		if c.TenantID == "" {
			return fmt.Errorf("tenant_id is required for service principal")
		}
		if c.ClientID == "" {
			return fmt.Errorf("client_id is required for service principal")
		}
		if c.ClientSecret == "" {
			return fmt.Errorf("client_secret is required for service principal")
		}
	case AuthManagedIdentity, AuthDefault:
	default:
		return fmt.Errorf("invalid auth method: %s", c.AuthMethod)
	}

	return nil
}
