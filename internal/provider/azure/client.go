package azure

import (
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
)

// serviceEndpoint returns the blob service URL with a trailing slash.
func serviceEndpoint(c config.AzureConfig) string {
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return endpoint
}

// newClientFromConfig builds the blob client.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClientFromConfig(c config.AzureConfig) (*azblob.Client, string, error) {
	endpoint := serviceEndpoint(c)

	// 1) SAS
	if sasRaw := strings.TrimSpace(c.SASToken); sasRaw != "" {
		sas := strings.TrimPrefix(sasRaw, "?")
		cl, err := azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
		return cl, endpoint, err
	}

	// 2) Service Principal
	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, "", err
		}
		cl, err := azblob.NewClient(endpoint, cred, nil)
		return cl, endpoint, err
	}

	// 3) Managed Identity / DefaultAzureCredential
	defCred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, "", err
	}
	cl, err := azblob.NewClient(endpoint, defCred, nil)
	return cl, endpoint, err
}

func init() {
	provider.Register(Name, func(cfg config.Config) (provider.Provider, error) {
		client, endpoint, err := newClientFromConfig(cfg.Azure)
		if err != nil {
			return nil, fmt.Errorf("azure: %w", err)
		}
		return &Provider{
			client:   client,
			endpoint: endpoint,
			ro:       cfg.RetryOptions(),
		}, nil
	})
}
