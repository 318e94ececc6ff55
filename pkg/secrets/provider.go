// Package secrets resolves named credentials from the environment, Azure Key
// Vault, or an encrypted secrets file.
package secrets

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/azureauth"
	"github.com/ekaya-inc/purview-connector/pkg/config"
	"github.com/ekaya-inc/purview-connector/pkg/logging"
)

// SecretNameSuffix marks connection parameters whose value names a secret.
const SecretNameSuffix = "_secret_name"

// Provider returns secret values by name.
type Provider interface {
	GetCredential(ctx context.Context, name string) (string, error)
}

// NotFound reports a missing secret. It matches apperrors.ErrNotFound.
func NotFound(name string) error {
	return fmt.Errorf("secret %q: %w", name, apperrors.ErrNotFound)
}

// New builds the configured provider, wrapped so each secret is fetched at
// most once per process and redacted from logs.
func New(ctx context.Context, cfg config.SecretsConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("secrets")

	var p Provider
	switch cfg.Provider {
	case "env":
		p = NewEnvProvider(cfg.EnvPrefix)
	case "keyvault":
		cred, kind, err := azureauth.NewCredential(azureauth.Options{})
		if err != nil {
			return nil, err
		}
		kv, err := NewKeyVaultProvider(cfg.VaultURL, cred)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Azure Key Vault secrets",
			zap.String("vault_url", cfg.VaultURL),
			zap.String("credential", kind))
		p = kv
	case "file":
		fp, err := NewFileProvider(afero.NewOsFs(), cfg.FilePath, cfg.FileKey)
		if err != nil {
			return nil, err
		}
		p = fp
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.Provider)
	}

	return NewCachingProvider(p, logger), nil
}

type cachingProvider struct {
	inner  Provider
	logger *zap.Logger

	mu     sync.Mutex
	values map[string]string
}

// NewCachingProvider memoizes successful lookups and registers every value
// with the log sanitizer.
func NewCachingProvider(inner Provider, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cachingProvider{
		inner:  inner,
		logger: logger,
		values: make(map[string]string),
	}
}

func (c *cachingProvider) GetCredential(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if v, ok := c.values[name]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := c.inner.GetCredential(ctx, name)
	if err != nil {
		return "", err
	}
	logging.RegisterSecret(v)

	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()

	// Never log the value.
	c.logger.Debug("Resolved secret", zap.String("name", name))
	return v, nil
}

// ResolveConnection returns a copy of conn where every "<key>_secret_name"
// parameter is replaced by "<key>" holding the resolved secret.
func ResolveConnection(ctx context.Context, p Provider, conn map[string]any) (map[string]any, error) {
	resolved := maps.Clone(conn)
	if resolved == nil {
		resolved = make(map[string]any)
	}

	for key, value := range conn {
		if !strings.HasSuffix(key, SecretNameSuffix) {
			continue
		}
		name, ok := value.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("connection parameter %s must name a secret", key)
		}
		if p == nil {
			return nil, fmt.Errorf("connection parameter %s requires a secret provider", key)
		}
		secret, err := p.GetCredential(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", key, err)
		}
		delete(resolved, key)
		resolved[strings.TrimSuffix(key, SecretNameSuffix)] = secret
	}

	return resolved, nil
}
