package storage

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ObjectWriterFunc opens a writer for bucket/key. The object is committed
// when the writer is closed without error.
type ObjectWriterFunc func(ctx context.Context, bucket, key, contentType string) io.WriteCloser

// GCSDestination uploads artifacts to a Google Cloud Storage bucket.
type GCSDestination struct {
	client    *storage.Client
	newWriter ObjectWriterFunc
	bucket    string
	prefix    string
}

// NewGCSDestination creates a GCS destination. Without a credentials file
// the client falls back to application default credentials.
func NewGCSDestination(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSDestination, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	d := NewGCSDestinationWithWriter(func(ctx context.Context, bucket, key, contentType string) io.WriteCloser {
		w := client.Bucket(bucket).Object(key).NewWriter(ctx)
		w.ContentType = contentType
		return w
	}, bucket, prefix)
	d.client = client
	return d, nil
}

// NewGCSDestinationWithWriter creates a GCS destination around newWriter.
func NewGCSDestinationWithWriter(newWriter ObjectWriterFunc, bucket, prefix string) *GCSDestination {
	return &GCSDestination{
		newWriter: newWriter,
		bucket:    bucket,
		prefix:    prefix,
	}
}

// Kind returns KindGCS.
func (d *GCSDestination) Kind() Kind {
	return KindGCS
}

// Upload copies the artifact to gs://bucket/prefix+basename.
func (d *GCSDestination) Upload(ctx context.Context, artifactPath string) (*UploadResult, error) {
	f, size, err := openArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	key := ObjectKey(d.prefix, artifactPath)
	// Cancelling ctx aborts the upload and discards the partial object.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := d.newWriter(wctx, d.bucket, key, contentType(artifactPath))
	if _, err := io.Copy(w, f); err != nil {
		cancel()
		w.Close()
		return nil, fmt.Errorf("failed to write gs://%s/%s: %w", d.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize gs://%s/%s: %w", d.bucket, key, err)
	}

	return &UploadResult{
		Location: fmt.Sprintf("gs://%s/%s", d.bucket, key),
		Key:      key,
		Remote:   true,
		Size:     size,
	}, nil
}

// Close releases the underlying client.
func (d *GCSDestination) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}
