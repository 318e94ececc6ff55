package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is where Load looks for the configuration file when none is given.
const DefaultPath = "connector.yaml"

// Config holds all configuration for purview-connector.
// Configuration comes from a YAML file with environment variable overrides.
// Secrets (passwords, client secrets, keys) must only come from environment
// variables or the configured secret provider.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Server     ServerConfig     `yaml:"server"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Audit      AuditConfig      `yaml:"audit"`
	Redis      RedisConfig      `yaml:"redis"`

	// Sources are the metadata sources this connector scans.
	Sources []SourceConfig `yaml:"sources"`
}

// ServerConfig configures the HTTP surface used by the serve command.
type ServerConfig struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"9464"`
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return s.BindAddr + ":" + s.Port
}

// CatalogConfig holds Microsoft Purview Data Map settings.
type CatalogConfig struct {
	// AccountName derives Endpoint as https://{account}.purview.azure.com when Endpoint is empty.
	AccountName string `yaml:"account_name" env:"PURVIEW_ACCOUNT_NAME" env-default:""`
	Endpoint    string `yaml:"endpoint" env:"PURVIEW_ENDPOINT" env-default:""`
	Collection  string `yaml:"collection" env:"PURVIEW_COLLECTION" env-default:""`

	TenantID string `yaml:"tenant_id" env:"AZURE_TENANT_ID" env-default:""`
	ClientID string `yaml:"client_id" env:"AZURE_CLIENT_ID" env-default:""`
	// ClientSecretName is looked up through the secret provider at startup.
	// When neither it nor AZURE_CLIENT_SECRET resolves, the default Azure credential chain is used.
	ClientSecretName string `yaml:"client_secret_name" env:"PURVIEW_CLIENT_SECRET_NAME" env-default:""`
	ClientSecret     string `yaml:"-" env:"AZURE_CLIENT_SECRET"` // Secret - not in YAML

	RequestTimeout    time.Duration `yaml:"request_timeout" env:"PURVIEW_REQUEST_TIMEOUT" env-default:"60s"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"PURVIEW_REQUESTS_PER_SECOND" env-default:"10"`
	TypeCacheSize     int           `yaml:"type_cache_size" env-default:"128"`

	// DryRun ingests into an in-memory catalog instead of Purview.
	DryRun bool `yaml:"dry_run" env:"PURVIEW_DRY_RUN" env-default:"false"`
}

// SecretsConfig selects and configures the secret provider.
type SecretsConfig struct {
	// Provider is one of "env", "keyvault", "file".
	Provider  string `yaml:"provider" env:"SECRETS_PROVIDER" env-default:"env"`
	EnvPrefix string `yaml:"env_prefix" env:"SECRETS_ENV_PREFIX" env-default:"CONNECTOR_SECRET_"`
	VaultURL  string `yaml:"vault_url" env:"AZURE_KEYVAULT_URL" env-default:""`
	FilePath  string `yaml:"file_path" env:"SECRETS_FILE" env-default:"secrets.yaml"`
	FileKey   string `yaml:"-" env:"SECRETS_FILE_KEY"` // Secret - not in YAML
}

// CheckpointConfig configures where scan watermarks are persisted.
type CheckpointConfig struct {
	// Backend is one of "file", "postgres".
	Backend string `yaml:"backend" env:"CHECKPOINT_BACKEND" env-default:"file"`
	Dir     string `yaml:"dir" env:"CHECKPOINT_DIR" env-default:"./checkpoints"`
	// CommitOnPartial advances the watermark when a run partially succeeds.
	// Defaults to true.
	CommitOnPartial bool `yaml:"commit_on_partial" env:"CHECKPOINT_COMMIT_ON_PARTIAL"`
	// DistributedLock guards runs with a PostgreSQL advisory lock instead of an in-process mutex.
	// Only valid with the postgres backend.
	DistributedLock bool           `yaml:"distributed_lock" env:"CHECKPOINT_DISTRIBUTED_LOCK" env-default:"false"`
	Database        DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL configuration for the checkpoint store.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"connector"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"purview_connector"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// PipelineConfig holds run-wide defaults. Sources may override batch size and concurrency.
type PipelineConfig struct {
	BatchSize         int           `yaml:"batch_size" env:"PIPELINE_BATCH_SIZE" env-default:"100"`
	Concurrency       int           `yaml:"concurrency" env:"PIPELINE_CONCURRENCY" env-default:"5"`
	PageSize          int           `yaml:"page_size" env:"PIPELINE_PAGE_SIZE" env-default:"500"`
	RunTimeout        time.Duration `yaml:"run_timeout" env:"PIPELINE_RUN_TIMEOUT" env-default:"30m"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs" env:"PIPELINE_MAX_CONCURRENT_RUNS" env-default:"2"`
	Retry             RetryConfig   `yaml:"retry"`
}

// RetryConfig is the ingestion retry policy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"3"`
	BaseDelay    time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY" env-default:"500ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"10s"`
	Multiplier   float64       `yaml:"multiplier" env-default:"2"`
	JitterFactor float64       `yaml:"jitter_factor" env-default:"0.1"`
}

// RedisConfig enables a Redis run lease shared by connectors on different
// machines. Leave Host empty to disable.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	LeaseTTL time.Duration `yaml:"lease_ttl" env:"REDIS_LEASE_TTL" env-default:"1m"`
}

// AuditConfig configures the append-only ingestion outcome log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled" env:"AUDIT_ENABLED"` // Defaults to true.
	Path    string `yaml:"path" env:"AUDIT_PATH" env-default:"./audit/outcomes.jsonl"`
}

// SourceConfig describes one metadata source.
type SourceConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // "mssql", "postgres", "filesystem", "api"

	// Connection holds type-specific connection parameters. Keys ending in
	// "_secret_name" name a credential to resolve through the secret provider.
	Connection map[string]any `yaml:"connection"`

	Incremental    *bool    `yaml:"incremental"`
	BatchSize      int      `yaml:"batch_size"`
	Concurrency    int      `yaml:"concurrency"`
	FileExtensions []string `yaml:"file_extensions"`
	Recursive      *bool    `yaml:"recursive"`

	// QualifiedNameHost overrides the host segment of qualified names, for
	// sources reached through an alias, gateway, or listener address.
	QualifiedNameHost string `yaml:"qualified_name_host"`
}

// IsIncremental reports whether runs should be restricted to objects changed since the checkpoint.
// Defaults to true.
func (s *SourceConfig) IsIncremental() bool {
	return s.Incremental == nil || *s.Incremental
}

// IsRecursive reports whether filesystem sources descend into sub-directories.
// Defaults to true.
func (s *SourceConfig) IsRecursive() bool {
	return s.Recursive == nil || *s.Recursive
}

// Load reads configuration from path (DefaultPath when empty) with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Overrides, such as command-line flags, are applied before validation.
func Load(path, version string, overrides ...func(*Config)) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	// Booleans that default to true are preset: cleanenv treats false as unset
	// and would replace it with an env-default.
	cfg := &Config{
		Version:    version,
		Checkpoint: CheckpointConfig{CommitOnPartial: true},
		Audit:      AuditConfig{Enabled: true},
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	for _, override := range overrides {
		override(cfg)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills derived values after loading.
func (c *Config) applyDefaults() {
	if c.Catalog.Endpoint == "" && c.Catalog.AccountName != "" {
		c.Catalog.Endpoint = (&url.URL{
			Scheme: "https",
			Host:   c.Catalog.AccountName + ".purview.azure.com",
		}).String()
	}
	c.Catalog.Endpoint = strings.TrimRight(c.Catalog.Endpoint, "/")

	for i := range c.Sources {
		src := &c.Sources[i]
		if src.BatchSize <= 0 {
			src.BatchSize = c.Pipeline.BatchSize
		}
		if src.Concurrency <= 0 {
			src.Concurrency = c.Pipeline.Concurrency
		}
		if src.Connection == nil {
			src.Connection = make(map[string]any)
		}
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if !c.Catalog.DryRun && c.Catalog.Endpoint == "" {
		return fmt.Errorf("catalog endpoint or account_name is required unless dry_run is set")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline concurrency must be positive, got %d", c.Pipeline.Concurrency)
	}
	if c.Pipeline.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be positive, got %d", c.Pipeline.Retry.MaxAttempts)
	}

	switch c.Secrets.Provider {
	case "env", "keyvault", "file":
	default:
		return fmt.Errorf("unknown secrets provider %q (must be env, keyvault, or file)", c.Secrets.Provider)
	}
	if c.Secrets.Provider == "keyvault" && c.Secrets.VaultURL == "" {
		return fmt.Errorf("secrets vault_url is required for the keyvault provider")
	}

	switch c.Checkpoint.Backend {
	case "file", "postgres":
	default:
		return fmt.Errorf("unknown checkpoint backend %q (must be file or postgres)", c.Checkpoint.Backend)
	}
	if c.Checkpoint.DistributedLock && c.Checkpoint.Backend != "postgres" {
		return fmt.Errorf("checkpoint distributed_lock requires the postgres backend")
	}
	if c.Redis.Host != "" {
		if c.Checkpoint.DistributedLock {
			return fmt.Errorf("redis run lease and checkpoint distributed_lock are mutually exclusive")
		}
		if c.Redis.LeaseTTL < time.Second {
			return fmt.Errorf("redis lease_ttl must be at least 1s, got %s", c.Redis.LeaseTTL)
		}
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		if src.Type == "" {
			return fmt.Errorf("source %q: type is required", src.ID)
		}
		if src.BatchSize <= 0 {
			return fmt.Errorf("source %q: batch_size must be positive", src.ID)
		}
	}

	return nil
}

// Source returns the configuration of the source with the given id.
func (c *Config) Source(id string) (*SourceConfig, bool) {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i], true
		}
	}
	return nil, false
}

// ConnectionString returns a PostgreSQL URL for the checkpoint database.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		ResolveHostForDocker(c.Host),
		c.Port,
		url.QueryEscape(c.Database),
		c.SSLMode,
	)
}
