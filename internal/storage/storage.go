// Package storage defines the object store abstraction used for query
// result sets. Backends include MinIO-compatible S3 and an in-memory store
// for tests and single-node deployments.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Get and Stat for keys that were never
// written or were already removed by the retention janitor.
var ErrObjectNotFound = errors.New("object not found")

// Content types for the two artifacts a finished query leaves behind.
const (
	ContentTypeManifest = "application/json"
	ContentTypeRows     = "application/octet-stream"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
}

// ObjectStore is the surface the result store needs: artifacts are written
// once, read whole, checked for existence while polling, and deleted when
// retention expires. No listing, no range reads.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}
