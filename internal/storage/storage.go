// Package storage ships a finished archive to its destination: a local path
// or an object store bucket.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

// Kind names a destination type.
type Kind string

const (
	KindLocal Kind = "local"
	KindS3    Kind = "s3"
	KindGCS   Kind = "gcs"
	KindAzure Kind = "azure"
)

// Destination uploads one artifact file.
type Destination interface {
	Upload(ctx context.Context, artifactPath string) (*UploadResult, error)
	Kind() Kind
}

// UploadResult describes where an artifact ended up.
type UploadResult struct {
	Location string
	Key      string
	Remote   bool
	Size     int64
}

// Config selects and configures a destination.
type Config struct {
	Provider           Kind
	Bucket             string
	Prefix             string
	Region             string
	GCSCredentialsFile string
	AzureAccount       string
	AzureKey           string
}

// ObjectKey is prefix + base name of the artifact.
func ObjectKey(prefix, artifactPath string) string {
	return prefix + filepath.Base(artifactPath)
}

func contentType(artifactPath string) string {
	if strings.HasSuffix(artifactPath, ".enc") {
		return "application/octet-stream"
	}
	switch {
	case strings.HasSuffix(artifactPath, ".tgz"), strings.HasSuffix(artifactPath, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(artifactPath, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

// openArtifact opens a regular file for upload and returns its size.
func openArtifact(artifactPath string) (*os.File, int64, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, fmt.Errorf("%s is not a regular file", artifactPath)
	}
	return f, info.Size(), nil
}

// Manager makes at most one upload attempt per artifact and never deletes
// the local file.
type Manager struct {
	dest     Destination
	logger   *logging.Logger
	mu       sync.Mutex
	attempts map[string]bool
}

// NewManager creates an upload manager for dest.
func NewManager(dest Destination, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Manager{
		dest:     dest,
		logger:   logger,
		attempts: make(map[string]bool),
	}
}

// Destination returns the configured destination.
func (m *Manager) Destination() Destination {
	return m.dest
}

// Upload ships artifactPath once. A second call for the same artifact is
// refused; destination errors become UploadFailedError.
func (m *Manager) Upload(ctx context.Context, artifactPath string) (*UploadResult, error) {
	if artifactPath == "" {
		return nil, apperrors.NewUploadFailedError("no artifact to upload", nil)
	}

	key := artifactPath
	if abs, err := filepath.Abs(artifactPath); err == nil {
		key = abs
	}

	m.mu.Lock()
	if m.attempts[key] {
		m.mu.Unlock()
		return nil, apperrors.NewUploadFailedError("artifact was already uploaded", nil).WithContext("path", artifactPath)
	}
	m.attempts[key] = true
	m.mu.Unlock()

	start := time.Now()
	result, err := m.dest.Upload(ctx, artifactPath)
	if err != nil {
		if appErr, ok := err.(*apperrors.AppError); ok && appErr.Type == apperrors.ErrorTypeUpload {
			m.logger.LogUpload(string(m.dest.Kind()), artifactPath, "", 0, time.Since(start), err)
			return nil, err
		}
		wrapped := apperrors.NewUploadFailedError(fmt.Sprintf("%s upload failed", m.dest.Kind()), err).
			WithContext("path", artifactPath)
		m.logger.LogUpload(string(m.dest.Kind()), artifactPath, "", 0, time.Since(start), wrapped)
		return nil, wrapped
	}

	m.logger.LogUpload(string(m.dest.Kind()), artifactPath, result.Location, result.Size, time.Since(start), nil)
	return result, nil
}
