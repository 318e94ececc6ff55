package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
)

// secretGetter is the subset of *azsecrets.Client used here.
type secretGetter interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// KeyVaultProvider reads the latest version of secrets from Azure Key Vault.
type KeyVaultProvider struct {
	client secretGetter
}

// NewKeyVaultProvider creates a provider for the vault at vaultURL.
func NewKeyVaultProvider(vaultURL string, cred azcore.TokenCredential) (*KeyVaultProvider, error) {
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create key vault client: %w", err)
	}
	return &KeyVaultProvider{client: client}, nil
}

// GetCredential fetches the latest enabled version of a secret.
func (p *KeyVaultProvider) GetCredential(ctx context.Context, name string) (string, error) {
	resp, err := p.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			switch respErr.StatusCode {
			case http.StatusNotFound:
				return "", NotFound(name)
			case http.StatusUnauthorized, http.StatusForbidden:
				return "", apperrors.AuthenticationFailed("key vault secret "+name, err)
			}
		}
		return "", fmt.Errorf("get key vault secret %q: %w", name, err)
	}
	if resp.Value == nil {
		return "", NotFound(name)
	}
	return *resp.Value, nil
}
