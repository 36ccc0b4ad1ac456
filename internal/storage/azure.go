package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// BlobUploadFunc uploads f as a block blob named key.
type BlobUploadFunc func(ctx context.Context, f *os.File, key, contentType string) error

// AzureDestination uploads artifacts to an Azure Blob Storage container. The
// bucket name is used as the container name.
type AzureDestination struct {
	upload    BlobUploadFunc
	account   string
	container string
	prefix    string
}

// NewAzureDestination creates an Azure destination authenticated with a
// shared account key.
func NewAzureDestination(account, key, container, prefix string) (*AzureDestination, error) {
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credentials: %w", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", account))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Azure service URL: %w", err)
	}
	containerURL := azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(container)

	upload := func(ctx context.Context, f *os.File, key, contentType string) error {
		blobURL := containerURL.NewBlockBlobURL(key)
		_, err := azblob.UploadFileToBlockBlob(ctx, f, blobURL, azblob.UploadToBlockBlobOptions{
			BlockSize:       4 * 1024 * 1024,
			Parallelism:     16,
			BlobHTTPHeaders: azblob.BlobHTTPHeaders{ContentType: contentType},
		})
		return err
	}

	return NewAzureDestinationWithUploader(upload, account, container, prefix), nil
}

// NewAzureDestinationWithUploader creates an Azure destination around upload.
func NewAzureDestinationWithUploader(upload BlobUploadFunc, account, container, prefix string) *AzureDestination {
	return &AzureDestination{
		upload:    upload,
		account:   account,
		container: container,
		prefix:    prefix,
	}
}

// Kind returns KindAzure.
func (d *AzureDestination) Kind() Kind {
	return KindAzure
}

// Upload copies the artifact to the container as prefix+basename.
func (d *AzureDestination) Upload(ctx context.Context, artifactPath string) (*UploadResult, error) {
	f, size, err := openArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	key := ObjectKey(d.prefix, artifactPath)
	if err := d.upload(ctx, f, key, contentType(artifactPath)); err != nil {
		return nil, fmt.Errorf("failed to upload to azure://%s/%s: %w", d.container, key, err)
	}

	return &UploadResult{
		Location: fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s", d.account, d.container, key),
		Key:      key,
		Remote:   true,
		Size:     size,
	}, nil
}
