package secrets

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads secrets from prefixed environment variables.
// The name "sql-password" with prefix "CONNECTOR_SECRET_" reads CONNECTOR_SECRET_SQL_PASSWORD.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an environment provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix, lookup: os.LookupEnv}
}

// VariableName returns the environment variable consulted for name.
func (p *EnvProvider) VariableName(name string) string {
	var b strings.Builder
	b.WriteString(p.prefix)
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// GetCredential returns the variable's value; an unset or empty variable is not found.
func (p *EnvProvider) GetCredential(ctx context.Context, name string) (string, error) {
	v, ok := p.lookup(p.VariableName(name))
	if !ok || v == "" {
		return "", NotFound(name)
	}
	return v, nil
}
