package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
	"gocloud.dev/gcerrors"
)

const defaultListPageSize = 1000

// BlobStore reads and writes objects through gocloud.dev buckets.
// Buckets are opened lazily and cached by name.
type BlobStore struct {
	cfg StorageConfig

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// NewBlobStore creates a gocloud.dev backed store.
func NewBlobStore(cfg StorageConfig) *BlobStore {
	if cfg.ListPageSize <= 0 {
		cfg.ListPageSize = defaultListPageSize
	}
	return &BlobStore{
		cfg:     cfg,
		buckets: make(map[string]*blob.Bucket),
	}
}

// NewMemStore creates an in-memory store. Buckets live as long as the store.
func NewMemStore() *BlobStore {
	return NewBlobStore(StorageConfig{Backend: "mem"})
}

// bucket returns the opened bucket for name, opening it on first use.
func (s *BlobStore) bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}

	var (
		b   *blob.Bucket
		err error
	)
	switch s.cfg.Backend {
	case "mem":
		b = memblob.OpenBucket(nil)
	case "local":
		dir := filepath.Join(s.cfg.LocalDir, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create bucket directory %s: %w", dir, err)
		}
		b, err = fileblob.OpenBucket(dir, nil)
	default:
		b, err = blob.OpenBucket(ctx, s.bucketURL(name))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s bucket %s: %w", s.cfg.Backend, name, err)
	}

	s.buckets[name] = b
	return b, nil
}

// bucketURL builds the gocloud.dev URL for a remote bucket.
func (s *BlobStore) bucketURL(name string) string {
	if s.cfg.Backend == "gcs" {
		return fmt.Sprintf("gs://%s", name)
	}

	bucketURL := fmt.Sprintf("s3://%s", name)

	params := url.Values{}
	if s.cfg.S3Region != "" {
		params.Set("region", s.cfg.S3Region)
	}
	if s.cfg.S3Endpoint != "" {
		params.Set("endpoint", s.cfg.S3Endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}

// Get reads a whole object.
func (s *BlobStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	data, err := b.ReadAll(ctx, key)
	if err != nil {
		return nil, mapErr(err, bucket, key)
	}
	return data, nil
}

// GetRange reads the bytes [start, end) of an object.
func (s *BlobStore) GetRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	if err := checkRange(bucket, key, start, end); err != nil {
		return nil, err
	}
	length := int64(-1)
	if end > 0 {
		length = end - start
	}

	r, err := b.NewRangeReader(ctx, key, start, length, nil)
	if err != nil {
		return nil, mapErr(err, bucket, key)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, mapErr(err, bucket, key)
	}
	return data, nil
}

// Put writes an object.
func (s *BlobStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}

	var opts *blob.WriterOptions
	if contentType != "" {
		opts = &blob.WriterOptions{ContentType: contentType}
	}
	if err := b.WriteAll(ctx, key, data, opts); err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	return nil
}

// List returns every key with the given prefix, one page at a time.
func (s *BlobStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	var keys []string
	opts := &blob.ListOptions{Prefix: prefix}
	token := blob.FirstPageToken
	for {
		objs, next, err := b.ListPage(ctx, token, s.cfg.ListPageSize, opts)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range objs {
			if obj.IsDir || isDirKey(obj.Key) {
				continue
			}
			keys = append(keys, obj.Key)
		}
		if len(next) == 0 {
			break
		}
		token = next
	}
	return keys, nil
}

// Copy copies an object within the bucket.
func (s *BlobStore) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	if err := b.Copy(ctx, dstKey, srcKey, nil); err != nil {
		return mapErr(err, bucket, srcKey)
	}
	return nil
}

// Delete removes an object.
func (s *BlobStore) Delete(ctx context.Context, bucket, key string) error {
	b, err := s.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	if err := b.Delete(ctx, key); err != nil {
		return mapErr(err, bucket, key)
	}
	return nil
}

// URI returns the canonical URI for the given object.
func (s *BlobStore) URI(bucket, key string) string {
	switch s.cfg.Backend {
	case "local":
		return "file://" + filepath.Join(s.cfg.LocalDir, bucket, key)
	case "gcs":
		return fmt.Sprintf("gs://%s/%s", bucket, key)
	case "mem":
		return fmt.Sprintf("mem://%s/%s", bucket, key)
	default:
		return fmt.Sprintf("s3://%s/%s", bucket, key)
	}
}

// Close releases every opened bucket.
func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil {
			lastErr = err
		}
		delete(s.buckets, name)
	}
	return lastErr
}

func mapErr(err error, bucket, key string) error {
	switch {
	case gcerrors.Code(err) == gcerrors.NotFound:
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	case isInvalidRange(err):
		return fmt.Errorf("%s/%s: %w: %w", bucket, key, ErrRangeUnsatisfiable, err)
	}
	return fmt.Errorf("%s/%s: %w", bucket, key, err)
}

// isInvalidRange recognizes the provider errors behind an HTTP 416, which
// gcerrors reports as Unknown.
func isInvalidRange(err error) bool {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) && coded.ErrorCode() == "InvalidRange" {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusRequestedRangeNotSatisfiable
}

// Verify BlobStore implements ObjectStore.
var _ ObjectStore = (*BlobStore)(nil)
