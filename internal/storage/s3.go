package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Uploader is the part of s3manager.Uploader used here.
type S3Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// S3Destination uploads artifacts to an S3 bucket using the default AWS
// credential chain.
type S3Destination struct {
	uploader S3Uploader
	bucket   string
	prefix   string
}

// NewS3Destination creates an S3 destination for bucket.
func NewS3Destination(bucket, prefix, region string) (*S3Destination, error) {
	cfg := aws.NewConfig()
	if region != "" {
		cfg = cfg.WithRegion(region)
	}

	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3DestinationWithUploader(s3manager.NewUploader(sess), bucket, prefix), nil
}

// NewS3DestinationWithUploader creates an S3 destination around uploader.
func NewS3DestinationWithUploader(uploader S3Uploader, bucket, prefix string) *S3Destination {
	return &S3Destination{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
	}
}

// Kind returns KindS3.
func (d *S3Destination) Kind() Kind {
	return KindS3
}

// Upload streams the artifact to s3://bucket/prefix+basename.
func (d *S3Destination) Upload(ctx context.Context, artifactPath string) (*UploadResult, error) {
	f, size, err := openArtifact(artifactPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	key := ObjectKey(d.prefix, artifactPath)
	_, err = d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(artifactPath)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to s3://%s/%s: %w", d.bucket, key, err)
	}

	return &UploadResult{
		Location: fmt.Sprintf("s3://%s/%s", d.bucket, key),
		Key:      key,
		Remote:   true,
		Size:     size,
	}, nil
}
