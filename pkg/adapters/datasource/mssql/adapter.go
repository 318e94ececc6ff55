package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb"         // SQL Server driver
	_ "github.com/microsoft/go-mssqldb/azuread" // Azure AD support
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/logging"
)

// Source reads table metadata from a SQL Server database.
type Source struct {
	config   *Config
	db       *sql.DB
	host     string
	pageSize int
	logger   *zap.Logger
}

// NewSource opens a SQL Server source and verifies connectivity.
// Supports SQL authentication and Azure AD (service principal, managed identity, default chain).
func NewSource(ctx context.Context, cfg *Config, params datasource.SourceParams) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	driver, connStr := buildConnectionString(cfg)
	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", cfg.AuthMethod, err)
	}

	src := newSource(db, cfg, params)
	if err := src.TestConnection(ctx); err != nil {
		db.Close()
		return nil, err
	}

	src.logger.Info("Connected to SQL Server",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.String("auth_method", cfg.AuthMethod))

	return src, nil
}

func newSource(db *sql.DB, cfg *Config, params datasource.SourceParams) *Source {
	return &Source{
		config:   cfg,
		db:       db,
		host:     params.HostOr(cfg.Host),
		pageSize: params.EffectivePageSize(),
		logger:   params.EffectiveLogger().Named("mssql"),
	}
}

// buildConnectionString returns the driver name and DSN for the configured auth method.
// Azure AD methods go through the azuresql driver with the matching fedauth mode.
func buildConnectionString(cfg *Config) (string, string) {
	query := url.Values{}
	query.Add("database", cfg.Database)

	if cfg.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "false")
	}
	if cfg.TrustServerCertificate {
		query.Add("TrustServerCertificate", "true")
	}
	if cfg.ConnectionTimeout > 0 {
		query.Add("connection timeout", fmt.Sprintf("%d", cfg.ConnectionTimeout))
	}

	host := config.ResolveHostForDocker(cfg.Host)

	switch cfg.AuthMethod {
	case AuthSQL:
		u := &url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(cfg.Username, cfg.Password),
			Host:     fmt.Sprintf("%s:%d", host, cfg.Port),
			RawQuery: query.Encode(),
		}
		return "sqlserver", u.String()

	case AuthServicePrincipal:
		query.Add("fedauth", "ActiveDirectoryServicePrincipal")
		query.Add("user id", cfg.ClientID+"@"+cfg.TenantID)
		query.Add("password", cfg.ClientSecret)

	case AuthManagedIdentity:
		query.Add("fedauth", "ActiveDirectoryManagedIdentity")
		if cfg.ClientID != "" {
			query.Add("user id", cfg.ClientID)
		}

	default:
		query.Add("fedauth", "ActiveDirectoryDefault")
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		Host:     fmt.Sprintf("%s:%d", host, cfg.Port),
		RawQuery: query.Encode(),
	}
	return "azuresql", u.String()
}

// TestConnection verifies the database is reachable with valid credentials
// and that the connection landed in the configured database.
func (s *Source) TestConnection(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return datasource.ClassifyError("ping sql server", pingError{err})
	}

	var currentDB string
	if err := s.db.QueryRowContext(ctx, "SELECT DB_NAME()").Scan(&currentDB); err != nil {
		return datasource.ClassifyError("ping sql server", fmt.Errorf("test query failed: %w", err))
	}
	if currentDB != s.config.Database {
		return datasource.ClassifyError("ping sql server",
			fmt.Errorf("connected to database %q but expected %q", currentDB, s.config.Database))
	}

	return nil
}

// Close releases the database connection.
func (s *Source) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure Source implements MetadataSource at compile time.
var _ datasource.MetadataSource = (*Source)(nil)

// pingError prints the driver error sanitized and keeps it for classification.
type pingError struct{ err error }

func (e pingError) Error() string { return "ping failed: " + logging.SanitizeError(e.err) }
func (e pingError) Unwrap() error { return e.err }
