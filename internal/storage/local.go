package storage

import (
	"context"
	"path/filepath"
)

// LocalDestination leaves the artifact where it is and reports its path.
type LocalDestination struct{}

// NewLocalDestination creates the no-op destination used when no bucket is
// configured.
func NewLocalDestination() *LocalDestination {
	return &LocalDestination{}
}

// Kind returns KindLocal.
func (l *LocalDestination) Kind() Kind {
	return KindLocal
}

// Upload checks that the artifact exists and returns its absolute path.
func (l *LocalDestination) Upload(ctx context.Context, artifactPath string) (*UploadResult, error) {
	f, size, err := openArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	f.Close()

	abs, err := filepath.Abs(artifactPath)
	if err != nil {
		return nil, err
	}
	return &UploadResult{
		Location: abs,
		Key:      filepath.Base(artifactPath),
		Size:     size,
	}, nil
}
