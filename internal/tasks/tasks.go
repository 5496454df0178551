// Package tasks stores the per-batch results of a search job until the
// combiner merges them.
package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/results"
)

const (
	MimeJSON = "application/json"
	MimeGzip = "application/gzip"
	MimeZstd = "application/zstd"

	DefaultTTL           = time.Hour
	DefaultGzipThreshold = 64 * 1024
	DefaultTableName     = "cds-search-tasks"
)

// ErrUnknownBackend is returned by New for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown task table backend")

// Record holds the results of one batch.
type Record struct {
	JobID    string
	BatchID  int
	TTL      time.Time
	MimeType string
	Results  []byte
}

// Table persists batch records keyed by job id and batch id. Writing the same
// batch twice replaces the earlier record.
type Table interface {
	Put(ctx context.Context, r Record) error
	// Query returns every live record of a job ordered by batch id.
	Query(ctx context.Context, jobID string) ([]Record, error)
	Close() error
}

// Codec encodes batch results into records.
type Codec struct {
	// GzipThreshold is the encoded size above which results are compressed.
	// A negative threshold disables compression.
	GzipThreshold int
	// Compression is "gzip" (default) or "zstd".
	Compression string
	TTL         time.Duration
	Now         func() time.Time
}

// DefaultCodec returns a codec with the default threshold and TTL.
func DefaultCodec() Codec {
	return Codec{GzipThreshold: DefaultGzipThreshold, TTL: DefaultTTL, Now: time.Now}
}

// Encode builds the record of one batch.
func (c Codec) Encode(jobID string, batchID int, groups []model.MaskMatches) (Record, error) {
	data, err := results.MarshalGroups(groups)
	if err != nil {
		return Record{}, fmt.Errorf("encode batch %d: %w", batchID, err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	r := Record{
		JobID:    jobID,
		BatchID:  batchID,
		TTL:      now().Add(ttl).Truncate(time.Second),
		MimeType: MimeJSON,
		Results:  data,
	}
	if c.GzipThreshold >= 0 && len(data) > c.GzipThreshold {
		mime := MimeGzip
		if c.Compression == "zstd" {
			mime = MimeZstd
		}
		z, err := compress(data, mime)
		if err != nil {
			return Record{}, fmt.Errorf("compress batch %d: %w", batchID, err)
		}
		r.MimeType = mime
		r.Results = z
	}
	return r, nil
}

// Decode returns the mask groups stored in the record.
func (r Record) Decode() ([]model.MaskMatches, error) {
	data := r.Results
	if r.Compressed() {
		var err error
		if data, err = decompress(data, r.MimeType); err != nil {
			return nil, fmt.Errorf("decompress batch %d: %w", r.BatchID, err)
		}
	}
	groups, err := results.UnmarshalGroups(data)
	if err != nil {
		return nil, fmt.Errorf("decode batch %d: %w", r.BatchID, err)
	}
	return groups, nil
}

// Compressed reports whether Results holds compressed JSON.
func (r Record) Compressed() bool {
	return r.MimeType == MimeGzip || r.MimeType == MimeZstd
}

// Empty reports whether the batch found no matches.
func (r Record) Empty() bool {
	return !r.Compressed() && bytes.Equal(bytes.TrimSpace(r.Results), []byte("[]"))
}

func compress(data []byte, mime string) ([]byte, error) {
	if mime == MimeZstd {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, mime string) ([]byte, error) {
	if mime == MimeZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Config selects and configures a task table backend.
type Config struct {
	Backend       string // "dynamodb" | "redis" | "sqlite"
	Table         string
	AWSRegion     string
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
}

// New opens the configured task table.
func New(ctx context.Context, cfg Config) (Table, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTableName
	}
	switch cfg.Backend {
	case "dynamodb":
		return NewDynamoTable(ctx, cfg.Table, cfg.AWSRegion)
	case "redis":
		return NewRedisTable(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.Table)
	case "sqlite", "":
		path := cfg.SQLitePath
		if path == "" {
			path = ":memory:"
		}
		return OpenSQLiteTable(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Backend)
	}
}
