package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/adapters/datasource"
	"github.com/ekaya-inc/purview-connector/pkg/config"
)

// Source reads table and view metadata from a PostgreSQL database.
type Source struct {
	config   *Config
	pool     *pgxpool.Pool
	host     string
	pageSize int
	logger   *zap.Logger
}

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// All user-provided fields are URL-escaped so special characters in passwords
// (@, /, #, ?) survive URL parsing. Loopback hosts resolve to host.docker.internal in Docker.
func buildConnectionString(cfg *Config) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode()
	}

	host := config.ResolveHostForDocker(cfg.Host)

	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		host,
		cfg.Port,
		url.QueryEscape(cfg.Database),
		sslMode,
	)
}

// NewSource opens a PostgreSQL source and verifies connectivity.
func NewSource(ctx context.Context, cfg *Config, params datasource.SourceParams) (*Source, error) {
	pool, err := pgxpool.New(ctx, buildConnectionString(cfg))
	if err != nil {
		return nil, datasource.ClassifyError("connect to postgres", err)
	}

	src := &Source{
		config:   cfg,
		pool:     pool,
		host:     params.HostOr(cfg.Host),
		pageSize: params.EffectivePageSize(),
		logger:   params.EffectiveLogger().Named("postgres"),
	}

	if err := src.TestConnection(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	src.logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return src, nil
}

// TestConnection verifies the database is reachable with valid credentials
// and that the connection landed in the configured database.
func (s *Source) TestConnection(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return datasource.ClassifyError("ping postgres", fmt.Errorf("ping failed: %w", err))
	}

	var currentDB string
	if err := s.pool.QueryRow(ctx, "SELECT current_database()").Scan(&currentDB); err != nil {
		return datasource.ClassifyError("ping postgres", fmt.Errorf("failed to get current database name: %w", err))
	}

	// Case-insensitive to match SQL Server behavior and tolerate configuration casing.
	if !strings.EqualFold(currentDB, s.config.Database) {
		return datasource.ClassifyError("ping postgres",
			fmt.Errorf("connected to wrong database: expected %q but connected to %q", s.config.Database, currentDB))
	}

	return nil
}

// Close releases the connection pool.
func (s *Source) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ensure Source implements MetadataSource at compile time.
var _ datasource.MetadataSource = (*Source)(nil)
