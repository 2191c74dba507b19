package objectstore

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 stores objects in an S3-compatible bucket through minio-go.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	region string
}

// NewS3 creates a client for bucket. An empty endpoint targets AWS S3.
func NewS3(cfg Config, bucket, prefix string) (*S3, error) {
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, wrapError(CodeAuthInvalid, false, fmt.Errorf("access key and secret key are required"))
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if endpoint == "" {
		endpoint, secure = "s3.amazonaws.com", true
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, wrapError(CodeEndpointUnreachable, true, fmt.Errorf("create minio client: %w", err))
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, region: region}, nil
}

// EnsureBucket creates the bucket when it does not exist.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyError(err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return classifyError(err)
	}
	return nil
}

// UploadFile uploads localPath under key and returns its s3:// URI.
func (s *S3) UploadFile(ctx context.Context, localPath, key string) (string, error) {
	if key == "" {
		key = filepath.Base(localPath)
	}
	objectKey := joinKey(s.prefix, key)
	_, err := s.client.FPutObject(ctx, s.bucket, objectKey, localPath, minio.PutObjectOptions{
		ContentType: contentType(localPath),
	})
	if err != nil {
		return "", classifyError(err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}

// List returns keys under prefix, relative to the store prefix, sorted by name.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	full := joinKey(s.prefix, prefix)
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if obj.Err != nil {
			return nil, classifyError(obj.Err)
		}
		keys = append(keys, strings.TrimPrefix(strings.TrimPrefix(obj.Key, s.prefix), "/"))
	}
	return keys, nil
}

// Remove deletes key.
func (s *S3) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, joinKey(s.prefix, key), minio.RemoveObjectOptions{}); err != nil {
		return classifyError(err)
	}
	return nil
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
