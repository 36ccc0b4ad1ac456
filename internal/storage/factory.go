package storage

import (
	"context"
	"fmt"

	apperrors "vault-db-backup/internal/errors"
)

// SupportedProviders lists the object store kinds NewDestination accepts.
func SupportedProviders() []Kind {
	return []Kind{KindS3, KindGCS, KindAzure}
}

// NewDestination returns the destination for cfg. Without a bucket the
// artifact stays local.
func NewDestination(ctx context.Context, cfg Config) (Destination, error) {
	if cfg.Bucket == "" {
		return NewLocalDestination(), nil
	}

	switch cfg.Provider {
	case KindS3, "":
		dest, err := NewS3Destination(cfg.Bucket, cfg.Prefix, cfg.Region)
		if err != nil {
			return nil, apperrors.NewConfigurationError("failed to configure S3 storage", err)
		}
		return dest, nil

	case KindGCS:
		dest, err := NewGCSDestination(ctx, cfg.Bucket, cfg.Prefix, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, apperrors.NewConfigurationError("failed to configure GCS storage", err)
		}
		return dest, nil

	case KindAzure:
		if cfg.AzureAccount == "" || cfg.AzureKey == "" {
			return nil, apperrors.NewConfigurationError("azure storage requires AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY", nil)
		}
		dest, err := NewAzureDestination(cfg.AzureAccount, cfg.AzureKey, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, apperrors.NewConfigurationError("failed to configure Azure storage", err)
		}
		return dest, nil

	default:
		return nil, apperrors.NewConfigurationError(fmt.Sprintf("unsupported storage provider: %s", cfg.Provider), nil)
	}
}
