package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/contentstor/contentstor/internal/config"
)

// AzureBackend serves artifacts from an Azure Blob container. SAS URLs need
// the account key; with managed-identity credentials only proxying works.
type AzureBackend struct {
	client     *azblob.Client
	credential *azblob.SharedKeyCredential
	serviceURL string
	container  string
	expiry     time.Duration
}

func NewAzureBackend(cfg *config.Config) (*AzureBackend, error) {
	if cfg.AzureContainer == "" {
		return nil, fmt.Errorf("AZURE_CONTAINER is required for azure storage")
	}

	backend := &AzureBackend{
		container: cfg.AzureContainer,
		expiry:    cfg.PresignedURLExpiry,
	}

	switch {
	case cfg.AzureAccountName != "" && cfg.AzureAccountKey != "":
		credential, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credentials: %w", err)
		}
		backend.credential = credential
		backend.serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccountName)
		client, err := azblob.NewClientWithSharedKeyCredential(backend.serviceURL, credential, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client: %w", err)
		}
		backend.client = client

	case cfg.AzureConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client: %w", err)
		}
		backend.client = client

	case cfg.AzureAccountName != "":
		// Managed identity/environment credentials
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credentials: %w", err)
		}
		backend.serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AzureAccountName)
		client, err := azblob.NewClient(backend.serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client: %w", err)
		}
		backend.client = client

	default:
		return nil, fmt.Errorf("azure storage needs AZURE_ACCOUNT_NAME or AZURE_CONNECTION_STRING")
	}

	return backend, nil
}

func (b *AzureBackend) Kind() string {
	return config.StorageAzure
}

func (b *AzureBackend) LocalPath(name string) (string, bool) {
	return "", false
}

func (b *AzureBackend) PutFile(ctx context.Context, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer file.Close()

	if _, err := b.client.UploadFile(ctx, b.container, name, file, nil); err != nil {
		return fmt.Errorf("failed to upload to Azure: %w", err)
	}
	return os.Remove(src)
}

func (b *AzureBackend) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, name, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob from Azure: %w", err)
	}
	return resp.Body, nil
}

func (b *AzureBackend) Exists(ctx context.Context, name string) (bool, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(name)
	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		return false, nil
	}
	return true, nil
}

// PresignedURL signs a read-only SAS for the blob with the response
// overrides carried in the rscd/rsct parameters.
func (b *AzureBackend) PresignedURL(ctx context.Context, name string, opts ObjectURLOptions) (string, error) {
	if b.credential == nil {
		return "", fmt.Errorf("azure SAS URLs require the account key")
	}

	values := sas.BlobSignatureValues{
		Protocol:           sas.ProtocolHTTPS,
		StartTime:          time.Now().UTC().Add(-10 * time.Second),
		ExpiryTime:         time.Now().UTC().Add(b.expiry),
		Permissions:        (&sas.BlobPermissions{Read: true}).String(),
		ContainerName:      b.container,
		BlobName:           name,
		ContentDisposition: opts.ContentDisposition,
		ContentType:        opts.ContentType,
	}

	queryParams, err := values.SignWithSharedKey(b.credential)
	if err != nil {
		return "", fmt.Errorf("failed to sign Azure SAS: %w", err)
	}
	return fmt.Sprintf("%s/%s/%s?%s", b.serviceURL, b.container, name, queryParams.Encode()), nil
}
