// Package s3 persists query result artifacts (row payloads and their JSON
// manifests) in a MinIO-compatible bucket. It implements storage.ObjectStore
// for the result store; listing and multipart management are out of scope
// because result artifacts are written once and read whole.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/s3ni0r/caravel/internal/storage"
)

// Config carries the connection settings for the result bucket. Endpoint and
// Bucket are required; everything else has a usable default for a local MinIO.
type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

func (c *Config) ensureDefaults() {
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Bucket = strings.TrimSpace(c.Bucket)
	c.Region = strings.TrimSpace(c.Region)
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), "/")
}

// Store writes and reads result artifacts under a fixed bucket and key
// prefix. All keys passed in come from the storage key builders, so the only
// local validation is the traversal guard in objectKey.
type Store struct {
	api    *minio.Client
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.ensureDefaults()
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	api, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	s := &Store{api: api, bucket: cfg.Bucket, prefix: cfg.Prefix}
	if cfg.AutoCreateBucket {
		exists, err := api.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
		}
		if !exists {
			if err := api.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
				return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
			}
		}
	}
	return s, nil
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	full, err := objectKey(s.prefix, key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	uploaded, err := s.api.PutObject(ctx, s.bucket, full, body, size, minio.PutObjectOptions{
		ContentType: opts.ContentType,
	})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put object %q: %w", full, notFoundAware(err))
	}
	return storage.ObjectInfo{Key: uploaded.Key, Size: uploaded.Size, ETag: uploaded.ETag}, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	full, err := objectKey(s.prefix, key)
	if err != nil {
		return nil, err
	}
	obj, err := s.api.GetObject(ctx, s.bucket, full, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapObjectErr("get", full, err)
	}
	// GetObject is lazy; a missing key only surfaces on the first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, wrapObjectErr("get", full, err)
	}
	return obj, nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	full, err := objectKey(s.prefix, key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.api.StatObject(ctx, s.bucket, full, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, wrapObjectErr("stat", full, err)
	}
	return storage.ObjectInfo{Key: info.Key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified}, nil
}

// Delete removes a result artifact. Missing objects are not an error so the
// retention janitor can re-run a partially completed sweep.
func (s *Store) Delete(ctx context.Context, key string) error {
	full, err := objectKey(s.prefix, key)
	if err != nil {
		return err
	}
	if err := s.api.RemoveObject(ctx, s.bucket, full, minio.RemoveObjectOptions{}); err != nil {
		mapped := notFoundAware(err)
		if errors.Is(mapped, storage.ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("delete object %q: %w", full, mapped)
	}
	return nil
}

// objectKey joins the configured prefix with a result key and rejects keys
// that would escape it.
func objectKey(prefix, key string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("object key is required")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", fmt.Errorf("invalid object key: %q", key)
		}
	}
	if prefix == "" {
		return key, nil
	}
	return prefix + "/" + key, nil
}

// splitEndpoint accepts either a bare host:port or a full URL. A https://
// scheme forces TLS on regardless of the UseSSL flag.
func splitEndpoint(endpoint string, useSSL bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		return endpoint, useSSL, nil
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse endpoint URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		return parsed.Host, useSSL, nil
	case "https":
		return parsed.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported endpoint scheme %q", parsed.Scheme)
	}
}

func wrapObjectErr(op, key string, err error) error {
	mapped := notFoundAware(err)
	if errors.Is(mapped, storage.ErrObjectNotFound) {
		return storage.ErrObjectNotFound
	}
	return fmt.Errorf("%s object %q: %w", op, key, mapped)
}

// notFoundAware converts the S3 error codes that mean "no such object" into
// the storage sentinel so callers never have to know about minio responses.
func notFoundAware(err error) error {
	var response minio.ErrorResponse
	if errors.As(err, &response) {
		switch response.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return storage.ErrObjectNotFound
		}
	}
	return err
}
