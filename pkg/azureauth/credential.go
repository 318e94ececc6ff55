// Package azureauth builds the Azure AD token credential shared by the
// Purview catalog client and the Key Vault secret provider.
package azureauth

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// PurviewScope is the token scope for the Purview Data Map API.
const PurviewScope = "https://purview.azure.net/.default"

// Credential kinds, reported for logging.
const (
	KindClientSecret = "client_secret"
	KindManaged      = "managed_identity_or_cli"
	KindDefault      = "default_chain"
)

// Options selects the credential.
type Options struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// NewCredential returns a service principal credential when a client secret is
// configured; otherwise a user-assigned managed identity (falling back to the
// Azure CLI) when only a client id is given; otherwise the default chain
// (environment, workload identity, managed identity, Azure CLI).
func NewCredential(opts Options) (azcore.TokenCredential, string, error) {
	if opts.ClientSecret != "" {
		if opts.TenantID == "" || opts.ClientID == "" {
			return nil, "", fmt.Errorf("tenant_id and client_id are required with a client secret")
		}
		cred, err := azidentity.NewClientSecretCredential(opts.TenantID, opts.ClientID, opts.ClientSecret, nil)
		if err != nil {
			return nil, "", fmt.Errorf("create client secret credential: %w", err)
		}
		return cred, KindClientSecret, nil
	}

	if opts.ClientID != "" {
		managed, err := azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(opts.ClientID),
		})
		if err != nil {
			return nil, "", fmt.Errorf("create managed identity credential: %w", err)
		}
		cli, err := azidentity.NewAzureCLICredential(&azidentity.AzureCLICredentialOptions{
			TenantID: opts.TenantID,
		})
		if err != nil {
			return nil, "", fmt.Errorf("create azure cli credential: %w", err)
		}
		chain, err := azidentity.NewChainedTokenCredential([]azcore.TokenCredential{managed, cli}, nil)
		if err != nil {
			return nil, "", fmt.Errorf("create credential chain: %w", err)
		}
		return chain, KindManaged, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
		TenantID: opts.TenantID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("create default azure credential: %w", err)
	}
	return cred, KindDefault, nil
}
