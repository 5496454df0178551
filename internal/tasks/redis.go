package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTable stores the records of a job as fields of one hash whose expiry
// follows the latest record TTL.
type RedisTable struct {
	client redis.Cmdable
	closer func() error
	prefix string
	now    func() time.Time
}

type redisValue struct {
	TTL      int64  `json:"ttl"`
	MimeType string `json:"mimeType"`
	Results  []byte `json:"results"`
}

// NewRedisTable connects to Redis and checks the connection.
func NewRedisTable(ctx context.Context, addr, password, prefix string) (*RedisTable, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	t := NewRedisTableWithClient(rdb, prefix)
	t.closer = rdb.Close
	return t, nil
}

// NewRedisTableWithClient creates a table on top of an existing client. The
// caller keeps ownership of the client.
func NewRedisTableWithClient(client redis.Cmdable, prefix string) *RedisTable {
	if prefix == "" {
		prefix = DefaultTableName
	}
	return &RedisTable{client: client, prefix: prefix, now: time.Now}
}

// Key returns the hash key holding the records of a job.
func (t *RedisTable) Key(jobID string) string {
	return t.prefix + ":" + jobID
}

func (t *RedisTable) Put(ctx context.Context, r Record) error {
	value, err := json.Marshal(redisValue{
		TTL:      r.TTL.Unix(),
		MimeType: r.MimeType,
		Results:  r.Results,
	})
	if err != nil {
		return fmt.Errorf("encode task %s/%d: %w", r.JobID, r.BatchID, err)
	}

	key := t.Key(r.JobID)
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(r.BatchID), value)
	pipe.ExpireAt(ctx, key, r.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put task %s/%d: %w", r.JobID, r.BatchID, err)
	}
	return nil
}

func (t *RedisTable) Query(ctx context.Context, jobID string) ([]Record, error) {
	fields, err := t.client.HGetAll(ctx, t.Key(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("query tasks of %s: %w", jobID, err)
	}

	now := t.now()
	records := make([]Record, 0, len(fields))
	for field, raw := range fields {
		batchID, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid batch field %q of %s: %w", field, jobID, err)
		}
		var v redisValue
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode task %s/%d: %w", jobID, batchID, err)
		}
		ttl := time.Unix(v.TTL, 0)
		if !ttl.After(now) {
			continue
		}
		records = append(records, Record{
			JobID:    jobID,
			BatchID:  batchID,
			TTL:      ttl,
			MimeType: v.MimeType,
			Results:  v.Results,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].BatchID < records[j].BatchID })
	return records, nil
}

func (t *RedisTable) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}
