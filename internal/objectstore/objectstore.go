// Copyright 2025 James Ross

// Package objectstore is the S3-compatible blob store adapter (spec §4.2):
// upload artifact bytes, mint presigned download URLs, and ensure the
// target bucket exists. The AWS session/client setup follows the same
// aws-sdk-go v1 pattern the teacher's S3 archival exporter uses
// (internal/long-term-archives/s3_exporter.go) — static credentials,
// optional custom endpoint for MinIO/LocalStack, HeadBucket to confirm
// access — generalized here to single-object artifact upload instead of
// batched Parquet export.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/flyingrobots/comfyqueue/internal/config"
)

// Store is the object store adapter.
type Store struct {
	cfg      config.ObjectStore
	s3Client *s3.S3
	uploader *s3manager.Uploader
}

// New creates a Store from the given configuration; it does not verify
// bucket access until EnsureBucket is called.
func New(cfg config.ObjectStore) (*Store, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.ForcePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "create aws session", err)
	}

	return &Store{
		cfg:      cfg,
		s3Client: s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}, nil
}

// EnsureBucket confirms the configured bucket exists and is reachable,
// creating it if it's absent (useful against MinIO/LocalStack in dev).
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.s3Client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err == nil {
		return nil
	}
	_, err = s.s3Client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		return apperr.Wrap(apperr.KindStorageUnavailable, "ensure bucket", err)
	}
	return nil
}

// Location is the logical bucket/key a PutObject wrote to.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string { return fmt.Sprintf("%s/%s", l.Bucket, l.Key) }

// PutObject uploads bytes under key with the given content type.
func (s *Store) PutObject(ctx context.Context, key string, data []byte, contentType string) (Location, error) {
	uploadCtx, cancel := context.WithTimeout(ctx, s.cfg.UploadTimeout)
	defer cancel()

	_, err := s.uploader.UploadWithContext(uploadCtx, &s3manager.UploadInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return Location{}, classifyS3Err(err, "put object")
	}
	return Location{Bucket: s.cfg.Bucket, Key: key}, nil
}

// PresignGet returns a time-limited GET URL for key, valid for ttl (the
// configured artifact_ttl_seconds default when ttl is zero).
func (s *Store) PresignGet(key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ArtifactTTL
	}
	req, _ := s.s3Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", classifyS3Err(err, "presign get")
	}
	return url, nil
}

// Delete removes key from the bucket.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Err(err, "delete object")
	}
	return nil
}

func classifyS3Err(err error, action string) error {
	if aerr, ok := err.(interface{ Code() string }); ok {
		switch aerr.Code() {
		case "AccessDenied", "Forbidden":
			return apperr.Wrap(apperr.KindStorageDenied, action, err)
		}
	}
	return apperr.Wrap(apperr.KindStorageUnavailable, action, err)
}
