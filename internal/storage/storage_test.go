package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

type fakeS3Uploader struct {
	inputs []*s3manager.UploadInput
	bodies [][]byte
	err    error
}

func (f *fakeS3Uploader) UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	f.inputs = append(f.inputs, input)
	body, _ := io.ReadAll(input.Body)
	f.bodies = append(f.bodies, body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3manager.UploadOutput{Location: "https://bucket.s3.amazonaws.com/" + aws.StringValue(input.Key)}, nil
}

type fakeDestination struct {
	kind  Kind
	calls int
	err   error
}

func (f *fakeDestination) Kind() Kind { return f.kind }

func (f *fakeDestination) Upload(ctx context.Context, artifactPath string) (*UploadResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &UploadResult{Location: "mem://" + filepath.Base(artifactPath), Remote: true}, nil
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup-20240101T000000Z.tgz")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestS3Destination_KeyIsBaseName(t *testing.T) {
	uploader := &fakeS3Uploader{}
	dest := NewS3DestinationWithUploader(uploader, "backups", "")
	path := writeArtifact(t, "archive-bytes")

	result, err := dest.Upload(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, uploader.inputs, 1)
	assert.Equal(t, "backups", aws.StringValue(uploader.inputs[0].Bucket))
	assert.Equal(t, "backup-20240101T000000Z.tgz", aws.StringValue(uploader.inputs[0].Key))
	assert.Equal(t, "application/gzip", aws.StringValue(uploader.inputs[0].ContentType))
	assert.Equal(t, "archive-bytes", string(uploader.bodies[0]))

	assert.Equal(t, "s3://backups/backup-20240101T000000Z.tgz", result.Location)
	assert.True(t, result.Remote)
	assert.Equal(t, int64(len("archive-bytes")), result.Size)
	assert.FileExists(t, path, "local artifact is kept")
}

func TestS3Destination_Prefix(t *testing.T) {
	uploader := &fakeS3Uploader{}
	dest := NewS3DestinationWithUploader(uploader, "backups", "nightly/")

	result, err := dest.Upload(context.Background(), writeArtifact(t, "x"))
	require.NoError(t, err)
	assert.Equal(t, "nightly/backup-20240101T000000Z.tgz", result.Key)
}

func TestS3Destination_MissingArtifact(t *testing.T) {
	uploader := &fakeS3Uploader{}
	dest := NewS3DestinationWithUploader(uploader, "backups", "")

	_, err := dest.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.tgz"))
	require.Error(t, err)
	assert.Empty(t, uploader.inputs)
}

type memWriter struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (w *memWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func TestGCSDestination_Upload(t *testing.T) {
	var gotBucket, gotKey, gotType string
	w := &memWriter{}
	dest := NewGCSDestinationWithWriter(func(ctx context.Context, bucket, key, contentType string) io.WriteCloser {
		gotBucket, gotKey, gotType = bucket, key, contentType
		return w
	}, "gcs-bucket", "")

	result, err := dest.Upload(context.Background(), writeArtifact(t, "payload"))
	require.NoError(t, err)
	assert.Equal(t, "gcs-bucket", gotBucket)
	assert.Equal(t, "backup-20240101T000000Z.tgz", gotKey)
	assert.Equal(t, "application/gzip", gotType)
	assert.Equal(t, "payload", w.String())
	assert.True(t, w.closed)
	assert.Equal(t, "gs://gcs-bucket/backup-20240101T000000Z.tgz", result.Location)
	assert.NoError(t, dest.Close())
}

func TestGCSDestination_FinalizeFailure(t *testing.T) {
	w := &memWriter{closeErr: errors.New("googleapi: Error 403: forbidden")}
	dest := NewGCSDestinationWithWriter(func(ctx context.Context, bucket, key, contentType string) io.WriteCloser {
		return w
	}, "gcs-bucket", "")

	_, err := dest.Upload(context.Background(), writeArtifact(t, "payload"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestAzureDestination_Upload(t *testing.T) {
	var gotKey string
	var gotBody []byte
	dest := NewAzureDestinationWithUploader(func(ctx context.Context, f *os.File, key, contentType string) error {
		gotKey = key
		gotBody, _ = io.ReadAll(f)
		return nil
	}, "acct", "backups", "db/")

	result, err := dest.Upload(context.Background(), writeArtifact(t, "blob"))
	require.NoError(t, err)
	assert.Equal(t, "db/backup-20240101T000000Z.tgz", gotKey)
	assert.Equal(t, "blob", string(gotBody))
	assert.Equal(t, "https://acct.blob.core.windows.net/backups/db/backup-20240101T000000Z.tgz", result.Location)
}

func TestLocalDestination_ReportsAbsolutePath(t *testing.T) {
	path := writeArtifact(t, "local")
	result, err := NewLocalDestination().Upload(context.Background(), path)
	require.NoError(t, err)

	assert.False(t, result.Remote)
	assert.True(t, filepath.IsAbs(result.Location))
	assert.Equal(t, path, result.Location)
	assert.FileExists(t, path)
}

func TestManager_AtMostOnce(t *testing.T) {
	dest := &fakeDestination{kind: KindS3}
	m := NewManager(dest, logging.NewNopLogger())
	path := writeArtifact(t, "x")

	_, err := m.Upload(context.Background(), path)
	require.NoError(t, err)

	_, err = m.Upload(context.Background(), path)
	require.Error(t, err)
	assert.True(t, apperrors.IsUploadFailed(err))
	assert.Equal(t, 1, dest.calls)
}

func TestManager_FailureIsNotRetried(t *testing.T) {
	dest := &fakeDestination{kind: KindS3, err: errors.New("AccessDenied: Access Denied")}
	m := NewManager(dest, logging.NewNopLogger())
	path := writeArtifact(t, "x")

	_, err := m.Upload(context.Background(), path)
	require.Error(t, err)
	assert.True(t, apperrors.IsUploadFailed(err))
	assert.Contains(t, apperrors.Trace(err), "Access Denied")
	assert.Equal(t, 1, dest.calls)
	assert.FileExists(t, path)
}

func TestManager_RequiresArtifact(t *testing.T) {
	m := NewManager(&fakeDestination{kind: KindLocal}, logging.NewNopLogger())
	_, err := m.Upload(context.Background(), "")
	assert.True(t, apperrors.IsUploadFailed(err))
}

func TestNewDestination(t *testing.T) {
	ctx := context.Background()

	dest, err := NewDestination(ctx, Config{})
	require.NoError(t, err)
	assert.Equal(t, KindLocal, dest.Kind())

	dest, err = NewDestination(ctx, Config{Bucket: "b", Provider: KindS3, Region: "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, KindS3, dest.Kind())

	_, err = NewDestination(ctx, Config{Bucket: "b", Provider: KindAzure})
	assert.True(t, apperrors.IsConfiguration(err))

	_, err = NewDestination(ctx, Config{Bucket: "b", Provider: "ftp"})
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/gzip", contentType("backup.tgz"))
	assert.Equal(t, "application/gzip", contentType("backup.archive.gz"))
	assert.Equal(t, "application/zstd", contentType("backup.tar.zst"))
	assert.Equal(t, "application/octet-stream", contentType("backup.tgz.enc"))
	assert.Equal(t, "application/octet-stream", contentType("backup.tar.lz4"))
}
