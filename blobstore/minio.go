package blobstore

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hazyhaar/dsprof/fault"
)

// MinioStore talks to a MinIO or S3-compatible endpoint.
type MinioStore struct {
	client  *minio.Client
	timeout time.Duration
}

// MinioConfig carries connection settings for an S3-compatible endpoint.
type MinioConfig struct {
	Endpoint  string // host:port
	AccessKey string
	SecretKey string
	Secure    bool
	// Timeout bounds each call. Default: 30s.
	Timeout time.Duration
}

// NewMinio builds a MinIO-backed Store.
func NewMinio(cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fault.Wrap(fault.StorageUnavailable, err, "object store client")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MinioStore{client: client, timeout: timeout}, nil
}

func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fault.Wrap(fault.StorageUnavailable, err, "bucket check")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fault.Wrap(fault.StorageUnavailable, err, "bucket create")
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, body []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	info, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fault.Wrap(fault.StorageUnavailable, err, "object put")
	}
	return info.ETag, nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fault.Wrap(fault.StorageUnavailable, err, "object get")
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fault.Wrap(fault.StorageUnavailable, err, "object read")
	}
	return body, nil
}
