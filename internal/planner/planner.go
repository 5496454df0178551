// Package planner splits a color depth search into batches and selects the
// targets each batch compares.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

const (
	DefaultBatchSize       = 40
	DefaultPrefixBatchSize = 50
	DefaultMaxParallelism  = 1000

	anonymousOwner = "anonymous"
)

// BatchSize returns the number of targets per batch so that no more than
// maxParallelism batches are needed to cover total targets.
func BatchSize(total, defaultBatchSize, maxParallelism int) int {
	size := defaultBatchSize
	if size < 1 {
		size = 1
	}
	if maxParallelism < 1 || total <= 0 {
		return size
	}
	if need := (total + maxParallelism - 1) / maxParallelism; need > size {
		return need
	}
	return size
}

// Partition covers [0, total) with contiguous ranges of at most batchSize
// indexes. The last range may be shorter.
func Partition(total, batchSize int) []model.Range {
	if total <= 0 || batchSize <= 0 {
		return nil
	}
	ranges := make([]model.Range, 0, (total+batchSize-1)/batchSize)
	for start := 0; start < total; start += batchSize {
		ranges = append(ranges, model.Range{Start: start, End: min(start+batchSize, total)})
	}
	return ranges
}

// Config configures a Planner.
type Config struct {
	DefaultBatchSize int
	PrefixBatchSize  int
	MaxParallelism   int
	// KeyListShard selects a pre-sharded copy of every library key list.
	KeyListShard string
}

// Planner turns search requests into batch jobs.
type Planner struct {
	store    storage.ObjectStore
	selector *TargetSelector
	cfg      Config
	newID    func() string
	now      func() time.Time
	log      *slog.Logger
}

// New creates a planner. Non-positive sizes fall back to the defaults.
func New(l *loader.Loader, cfg Config) *Planner {
	if cfg.DefaultBatchSize < 1 {
		cfg.DefaultBatchSize = DefaultBatchSize
	}
	if cfg.PrefixBatchSize < 1 {
		cfg.PrefixBatchSize = DefaultPrefixBatchSize
	}
	if cfg.MaxParallelism < 1 {
		cfg.MaxParallelism = DefaultMaxParallelism
	}
	return &Planner{
		store:    l.Store(),
		selector: NewTargetSelector(l, cfg.KeyListShard),
		cfg:      cfg,
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
		log:      slog.With("component", "planner"),
	}
}

// Selector returns the target selector used to resolve batch ranges.
func (p *Planner) Selector() *TargetSelector {
	return p.selector
}

// PrefixRequest asks for a search over every object under a bucket prefix.
type PrefixRequest struct {
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	Owner        string `json:"owner,omitempty"`
	SearchBucket string `json:"searchBucket"`
}

// MonitorInput is what the progress monitor needs to follow a planned search.
type MonitorInput struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// Metadata is written next to the batch outputs of a planned search.
type Metadata struct {
	ID         string        `json:"id"`
	Bucket     string        `json:"bucket"`
	Prefix     string        `json:"prefix"`
	NumKeys    int           `json:"numKeys"`
	BatchSize  int           `json:"batchSize"`
	Partitions int           `json:"partitions"`
	Ranges     []model.Range `json:"ranges"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// Plan is the outcome of planning a search.
type Plan struct {
	Metadata     Metadata
	Keys         []string
	OutputPrefix string
	Monitor      MonitorInput
}

// BatchKeys returns the keys covered by one partition of the plan.
func (p *Plan) BatchKeys(r model.Range) []string {
	return p.Keys[r.Start:r.End]
}

// PlanPrefix lists every object under the request prefix, partitions the keys
// and records the search metadata in the search bucket.
func (p *Planner) PlanPrefix(ctx context.Context, req PrefixRequest) (*Plan, error) {
	if req.Bucket == "" || req.SearchBucket == "" {
		return nil, model.Configf("bucket and search bucket are required")
	}
	keys, err := p.store.List(ctx, req.Bucket, req.Prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", req.Bucket, req.Prefix, err)
	}
	if len(keys) == 0 {
		return nil, model.Configf("no images to search under %s/%s", req.Bucket, req.Prefix)
	}

	total := len(keys)
	batchSize := BatchSize(total, p.cfg.PrefixBatchSize, p.cfg.MaxParallelism)
	ranges := Partition(total, batchSize)

	owner := req.Owner
	if owner == "" {
		owner = anonymousOwner
	}
	id := p.newID()
	outputPrefix := path.Join(owner, id)

	meta := Metadata{
		ID:         id,
		Bucket:     req.Bucket,
		Prefix:     req.Prefix,
		NumKeys:    total,
		BatchSize:  batchSize,
		Partitions: len(ranges),
		Ranges:     ranges,
		CreatedAt:  p.now().UTC(),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	metaKey := path.Join(outputPrefix, "metadata.json")
	if err := storage.PutAtomic(ctx, p.store, req.SearchBucket, metaKey, data, "application/json"); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	p.log.Info("planned prefix search",
		"id", id,
		"keys", total,
		"batch_size", batchSize,
		"partitions", len(ranges),
		"metadata", p.store.URI(req.SearchBucket, metaKey))

	return &Plan{
		Metadata:     meta,
		Keys:         keys,
		OutputPrefix: outputPrefix,
		Monitor:      MonitorInput{Bucket: req.SearchBucket, Prefix: outputPrefix},
	}, nil
}

// LibraryPlan is the set of batch jobs covering every target of a search.
type LibraryPlan struct {
	JobID     string
	Total     int
	BatchSize int
	Jobs      []model.BatchJob
}

// PlanLibraries counts the targets of the searched libraries and produces one
// batch job per partition.
func (p *Planner) PlanLibraries(ctx context.Context, jobID string, params model.SearchParameters) (*LibraryPlan, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	total, err := p.selector.CountTargets(ctx, params.LibraryBucket, params.Libraries)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, model.Configf("no libraries found for searching %v", params.MaskKeys)
	}
	if jobID == "" {
		jobID = p.newID()
	}

	batchSize := BatchSize(total, p.cfg.DefaultBatchSize, p.cfg.MaxParallelism)
	ranges := Partition(total, batchSize)
	jobs := make([]model.BatchJob, len(ranges))
	for i, r := range ranges {
		jobs[i] = model.BatchJob{
			JobID:        jobID,
			BatchID:      i,
			Range:        r,
			Parameters:   params,
			OutputBucket: params.SearchBucket,
			OutputPrefix: jobID,
		}
	}

	p.log.Info("planned library search",
		"job_id", jobID,
		"targets", total,
		"batch_size", batchSize,
		"batches", len(jobs))

	return &LibraryPlan{JobID: jobID, Total: total, BatchSize: batchSize, Jobs: jobs}, nil
}

// IsRangeUnsatisfiable reports whether err means a batch asked for targets
// beyond the end of the key lists.
func IsRangeUnsatisfiable(err error) bool {
	return errors.Is(err, ErrRangeUnsatisfiable)
}
