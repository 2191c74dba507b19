// Package objectstore archives pipeline artifacts (Parquet partitions and
// warehouse snapshots) to S3-compatible storage or a local directory.
package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Store uploads and manages archived objects. Keys are relative to the
// configured prefix.
type Store interface {
	EnsureBucket(ctx context.Context) error
	UploadFile(ctx context.Context, localPath, key string) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Remove(ctx context.Context, key string) error
}

// Config selects the destination. BucketURL is s3://bucket/prefix for
// S3/MinIO or file:///dir/prefix for a local directory.
type Config struct {
	BucketURL    string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// Enabled reports whether a destination is configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BucketURL) != ""
}

// New builds the store for cfg.BucketURL.
func New(cfg Config) (Store, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BucketURL))
	if err != nil {
		return nil, fmt.Errorf("objectstore: parse bucket-url: %w", err)
	}
	switch u.Scheme {
	case "s3":
		bucket, prefix, err := parseS3BucketURL(cfg.BucketURL)
		if err != nil {
			return nil, err
		}
		return NewS3(cfg, bucket, prefix)
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("objectstore: file bucket-url missing path")
		}
		return NewLocal(u.Path), nil
	default:
		return nil, fmt.Errorf("objectstore: bucket-url must use s3:// or file:// scheme")
	}
}

func parseS3BucketURL(raw string) (bucket string, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("objectstore: parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("objectstore: bucket-url must use s3:// scheme")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", "", fmt.Errorf("objectstore: bucket-url missing bucket name")
	}
	return u.Host, strings.Trim(strings.TrimSpace(u.Path), "/"), nil
}

// splitEndpoint strips a scheme from endpoint; https forces TLS.
func splitEndpoint(endpoint string, useSSL bool) (host string, secure bool) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "https://"), "/"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(endpoint, "http://"), "/"), false
	}
	return endpoint, useSSL
}

func joinKey(prefix, key string) string {
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
