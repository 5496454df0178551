package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestMemStoreReadWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	data := []byte("0123456789")
	if err := store.Put(ctx, "lib", "a/b/img.tif", data, "image/tiff"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Get(ctx, "lib", "a/b/img.tif")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Get = %q, want %q", got, data)
	}

	got, err = store.GetRange(ctx, "lib", "a/b/img.tif", 2, 5)
	if err != nil {
		t.Fatalf("GetRange failed: %v", err)
	}
	if string(got) != "234" {
		t.Errorf("GetRange(2,5) = %q, want %q", got, "234")
	}

	got, err = store.GetRange(ctx, "lib", "a/b/img.tif", 7, 0)
	if err != nil {
		t.Fatalf("GetRange to end failed: %v", err)
	}
	if string(got) != "789" {
		t.Errorf("GetRange(7,0) = %q, want %q", got, "789")
	}

	if _, err := store.GetRange(ctx, "lib", "a/b/img.tif", 5, 5); !errors.Is(err, ErrRangeUnsatisfiable) {
		t.Errorf("empty range = %v, want ErrRangeUnsatisfiable", err)
	}
}

func TestMemStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	_, err := store.Get(ctx, "lib", "missing.tif")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	_, err = store.GetRange(ctx, "lib", "missing.tif", 0, 10)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRange missing = %v, want ErrNotFound", err)
	}
}

type apiError struct{ code string }

func (e apiError) Error() string     { return "api error " + e.code }
func (e apiError) ErrorCode() string { return e.code }

type statusError struct{ status int }

func (e statusError) Error() string       { return fmt.Sprintf("http %d", e.status) }
func (e statusError) HTTPStatusCode() int { return e.status }

func TestMapErrInvalidRange(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"s3 invalid range", fmt.Errorf("wrapped: %w", apiError{"InvalidRange"}), ErrRangeUnsatisfiable},
		{"http 416", statusError{http.StatusRequestedRangeNotSatisfiable}, ErrRangeUnsatisfiable},
		{"minio invalid range", minio.ErrorResponse{Code: "InvalidRange", StatusCode: 416}, ErrRangeUnsatisfiable},
		{"minio missing key", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}, ErrNotFound},
	}
	ms := &MinioStore{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got error
			if strings.HasPrefix(tt.name, "minio") {
				got = ms.mapErr(tt.err, "lib", "short.tif")
			} else {
				got = mapErr(tt.err, "lib", "short.tif")
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("mapErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	if err := mapErr(statusError{http.StatusServiceUnavailable}, "lib", "a.tif"); errors.Is(err, ErrRangeUnsatisfiable) {
		t.Errorf("503 must stay retryable, got %v", err)
	}
}

func TestMemStoreBucketsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	if err := store.Put(ctx, "one", "k", []byte("x"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "two", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("key should not leak across buckets, got %v", err)
	}
}

func TestListPaginates(t *testing.T) {
	ctx := context.Background()
	store := NewBlobStore(StorageConfig{Backend: "mem", ListPageSize: 2})
	defer store.Close()

	want := []string{"p/a.tif", "p/b.tif", "p/c.tif", "p/d/e.tif", "p/f.tif"}
	for _, k := range want {
		if err := store.Put(ctx, "b", k, []byte(k), ""); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(ctx, "b", "other/x.tif", []byte("x"), ""); err != nil {
		t.Fatal(err)
	}

	got, err := store.List(ctx, "b", "p/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List = %v, want %v", got, want)
	}
}

func TestPutAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	defer store.Close()

	if err := PutAtomic(ctx, store, "results", "job/results.json", []byte(`{"a":1}`), "application/json"); err != nil {
		t.Fatalf("PutAtomic failed: %v", err)
	}

	got, err := store.Get(ctx, "results", "job/results.json")
	if err != nil {
		t.Fatalf("final object missing: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("final object = %q", got)
	}

	keys, err := store.List(ctx, "results", "job/")
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if strings.Contains(k, ".tmp.") {
			t.Errorf("temp object %s should be removed", k)
		}
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	store, err := NewObjectStore(StorageConfig{Backend: "local", LocalDir: tmpDir})
	if err != nil {
		t.Fatalf("NewObjectStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Put(ctx, "masks", "user/mask.png", []byte("mask"), "image/png"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "masks", "user", "mask.png")); err != nil {
		t.Errorf("object should be stored under the bucket directory: %v", err)
	}

	got, err := store.Get(ctx, "masks", "user/mask.png")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "mask" {
		t.Errorf("Get = %q", got)
	}

	if uri := store.URI("masks", "user/mask.png"); !strings.HasPrefix(uri, "file://") {
		t.Errorf("URI = %q, want file:// scheme", uri)
	}
}

func TestNewObjectStoreValidation(t *testing.T) {
	if _, err := NewObjectStore(StorageConfig{Backend: "local"}); err == nil {
		t.Error("local backend without LocalDir should fail")
	}
	if _, err := NewObjectStore(StorageConfig{Backend: "minio"}); err == nil {
		t.Error("minio backend without endpoint should fail")
	}
	if _, err := NewObjectStore(StorageConfig{Backend: "ftp"}); err == nil {
		t.Error("unknown backend should fail")
	}
}

func TestStripExtension(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"lib/searchable_neurons/0/img.tif", "lib/searchable_neurons/0/img"},
		{"lib/img.tar.gz", "lib/img"},
		{"FlyEM_Hemibrain_v1.1/x/img.png", "FlyEM_Hemibrain_v1.1/x/img"},
		{"lib/noext", "lib/noext"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := StripExtension(tt.key); got != tt.want {
			t.Errorf("StripExtension(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestExtension(t *testing.T) {
	if got := Extension("a.b/c.tif"); got != "tif" {
		t.Errorf("Extension = %q", got)
	}
	if got := Extension("a.b/c"); got != "" {
		t.Errorf("Extension without dot = %q", got)
	}
}
