// Package storage provides bucket and key addressed access to object stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrRangeUnsatisfiable is returned when a byte range cannot be served,
	// either because it is empty or because it starts past the end of the
	// object.
	ErrRangeUnsatisfiable = errors.New("range not satisfiable")
)

// ObjectStore abstracts the blob storage holding masks, libraries and results.
type ObjectStore interface {
	// Get reads a whole object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// GetRange reads the bytes [start, end) of an object.
	// An end <= 0 reads to the end of the object.
	GetRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error)

	// Put writes an object, replacing any existing one.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// List returns every key under prefix in listing order.
	// Directory placeholder keys are skipped.
	List(ctx context.Context, bucket, prefix string) ([]string, error)

	// Copy copies an object within a bucket.
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error

	// Delete removes an object.
	Delete(ctx context.Context, bucket, key string) error

	// URI returns the canonical URI for the given object.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(bucket, key string) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "s3" | "gcs" | "local" | "mem" | "minio"

	// Local filesystem; each bucket is a directory under LocalDir.
	LocalDir string

	// S3 (also works for B2, R2)
	S3Endpoint string
	S3Region   string

	// MinIO
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool

	// ListPageSize bounds the keys fetched per listing request.
	ListPageSize int
}

// NewObjectStore creates a storage backend based on configuration.
func NewObjectStore(cfg StorageConfig) (ObjectStore, error) {
	switch cfg.Backend {
	case "s3", "gcs", "mem":
		return NewBlobStore(cfg), nil
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewBlobStore(cfg), nil
	case "minio":
		if cfg.MinioEndpoint == "" {
			return nil, fmt.Errorf("MinioEndpoint required for minio backend")
		}
		return NewMinioStore(cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// PutAtomic writes data to a temporary key and then copies it to its final
// location, so readers never observe a partially written object.
func PutAtomic(ctx context.Context, s ObjectStore, bucket, key string, data []byte, contentType string) error {
	tempKey := key + ".tmp." + uuid.New().String()

	if err := s.Put(ctx, bucket, tempKey, data, contentType); err != nil {
		return fmt.Errorf("write temp %s: %w", tempKey, err)
	}

	if err := s.Copy(ctx, bucket, tempKey, key); err != nil {
		s.Delete(ctx, bucket, tempKey)
		return fmt.Errorf("finalize %s -> %s: %w", tempKey, key, err)
	}

	// ignore errors, the final object is already in place
	s.Delete(ctx, bucket, tempKey)
	return nil
}

// StripExtension removes everything from the first '.' of the last path
// component.
func StripExtension(key string) string {
	slash := strings.LastIndexByte(key, '/')
	if dot := strings.IndexByte(key[slash+1:], '.'); dot >= 0 {
		return key[:slash+1+dot]
	}
	return key
}

// Extension returns the text after the last '.' of the last path component,
// or "" when there is none.
func Extension(key string) string {
	name := key[strings.LastIndexByte(key, '/')+1:]
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		return name[dot+1:]
	}
	return ""
}

// checkRange validates a [start, end) read; end <= 0 reads to the end.
func checkRange(bucket, key string, start, end int64) error {
	if start < 0 || (end > 0 && end <= start) {
		return fmt.Errorf("%s/%s [%d-%d): %w", bucket, key, start, end, ErrRangeUnsatisfiable)
	}
	return nil
}

func isDirKey(key string) bool {
	return strings.HasSuffix(key, "/")
}
