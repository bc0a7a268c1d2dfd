// Package blobstore wraps the AWS SDK v2 S3 client with the narrow contract
// the finalizer needs: put a JPEG at a deterministic path and resolve its
// public URL (spec.md §6 "Blob storage"). It is adapted from the teacher's
// s3 package, trading streaming download for an in-memory, idempotent
// overwrite-on-conflict upload.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// Putter is the narrow contract the finalizer depends on, satisfied by
// *Store and by fakes in other packages' tests.
type Putter interface {
	Put(ctx context.Context, path string, buf []byte) error
	PublicURL(path string) string
}

// Store puts JPEG blobs at a deterministic path and resolves their public
// URL. Overwrite is permitted, matching §6 ("the path is deterministic").
type Store struct {
	client *s3.Client
	bucket string
	logger logrus.FieldLogger
}

// Config configures the underlying S3 client.
type Config struct {
	Region string
	Bucket string
	// BaseURL is accepted but not read: New ignores it, and PublicURL always
	// builds the bucket's virtual-hosted-style S3 endpoint.
	BaseURL string
}

// DefaultConfig returns region/bucket defaults matching SPEC_FULL.md's
// config table (STORAGE_BUCKET).
func DefaultConfig() Config {
	return Config{Region: "us-east-1", Bucket: "camera-captures"}
}

// New creates a Store. When AWS_ACCESS_KEY_ID is set it uses the AWS SDK's
// default credential chain; when it is unset it uses anonymous credentials,
// and the shared credentials file and IAM role are not consulted.
func New(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Store, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

// Put uploads buf to path with content type image/jpeg, overwriting any
// existing object at that path (§4.3 step 5).
func (s *Store) Put(ctx context.Context, path string, buf []byte) error {
	contentType := "image/jpeg"
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", path, err)
	}
	s.logger.WithFields(logrus.Fields{"bucket": s.bucket, "path": path, "bytes": len(buf)}).Debug("uploaded capture blob")
	return nil
}

// PublicURL resolves the public URL for an uploaded object (§4.3 step 6).
func (s *Store) PublicURL(path string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, path)
}
