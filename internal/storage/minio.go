package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore talks to MinIO and other S3-compatible servers directly.
type MinioStore struct {
	client   *minio.Client
	endpoint string
}

// NewMinioStore creates a MinIO client from configuration.
func NewMinioStore(cfg StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client for %s: %w", cfg.MinioEndpoint, err)
	}
	return &MinioStore{client: client, endpoint: cfg.MinioEndpoint}, nil
}

// Get reads a whole object.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	return s.read(ctx, bucket, key, minio.GetObjectOptions{})
}

// GetRange reads the bytes [start, end) of an object.
func (s *MinioStore) GetRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	if err := checkRange(bucket, key, start, end); err != nil {
		return nil, err
	}
	opts := minio.GetObjectOptions{}
	switch {
	case end > 0:
		// minio ranges are inclusive
		if err := opts.SetRange(start, end-1); err != nil {
			return nil, err
		}
	case start > 0:
		if err := opts.SetRange(start, 0); err != nil {
			return nil, err
		}
	}
	return s.read(ctx, bucket, key, opts)
}

func (s *MinioStore) read(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, s.mapErr(err, bucket, key)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapErr(err, bucket, key)
	}
	return data, nil
}

// Put writes an object.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	return nil
}

// List returns every key with the given prefix.
func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		if isDirKey(obj.Key) {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Copy copies an object within the bucket.
func (s *MinioStore) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: bucket, Object: srcKey},
	)
	if err != nil {
		return s.mapErr(err, bucket, srcKey)
	}
	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// URI returns the canonical URI for the given object.
func (s *MinioStore) URI(bucket, key string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, key)
}

// Close is a no-op; the minio client holds no releasable resources.
func (s *MinioStore) Close() error {
	return nil
}

func (s *MinioStore) mapErr(err error, bucket, key string) error {
	switch {
	case isMinioNotFound(err):
		return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	case isMinioInvalidRange(err):
		return fmt.Errorf("%s/%s: %w: %w", bucket, key, ErrRangeUnsatisfiable, err)
	}
	return fmt.Errorf("%s/%s: %w", bucket, key, err)
}

func isMinioInvalidRange(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "InvalidRange" || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// Verify MinioStore implements ObjectStore.
var _ ObjectStore = (*MinioStore)(nil)
