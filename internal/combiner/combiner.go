// Package combiner merges the batch results of a search job into its final
// results.
package combiner

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-cds-search/internal/audit"
	"github.com/withObsrvr/obsrvr-cds-search/internal/catalog"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/results"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
	"github.com/withObsrvr/obsrvr-cds-search/internal/tables"
	"github.com/withObsrvr/obsrvr-cds-search/internal/tasks"
)

const DefaultResultsKey = "results.json"

// Status is the outcome of the batches as observed by the monitor.
type Status struct {
	Completed   bool     `json:"completed"`
	WithErrors  bool     `json:"withErrors"`
	TimedOut    bool     `json:"timedOut"`
	FatalErrors []string `json:"fatalErrors,omitempty"`
}

// Request asks for the results of one job to be combined.
type Request struct {
	JobID             string `json:"jobId"`
	SearchID          string `json:"searchId,omitempty"`
	SearchBucket      string `json:"searchBucket"`
	OutputPrefix      string `json:"outputPrefix,omitempty"`
	MaxResultsPerMask int    `json:"maxResultsPerMask,omitempty"`
	Status            Status `json:"status"`
}

// Summary reports what Combine wrote.
type Summary struct {
	NTotalMatches int    `json:"nTotalMatches"`
	Masks         int    `json:"masks"`
	ResultsURI    string `json:"resultsUri,omitempty"`
	ParquetURI    string `json:"parquetUri,omitempty"`
}

// Config configures a Combiner.
type Config struct {
	ResultsKey    string
	ExportParquet bool
	Parquet       tables.ParquetConfig
	// Events receives one audit event per combined search; nil disables it.
	Events   audit.Emitter
	Producer audit.ProducerInfo
}

// Combiner merges task table records into the final results of a job.
type Combiner struct {
	table   tasks.Table
	store   storage.ObjectStore
	catalog catalog.Catalog
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
}

// New creates a combiner. A nil catalog discards progress updates.
func New(table tasks.Table, store storage.ObjectStore, cat catalog.Catalog, cfg Config) *Combiner {
	if cat == nil {
		cat = catalog.Noop{}
	}
	if cfg.ResultsKey == "" {
		cfg.ResultsKey = DefaultResultsKey
	}
	if cfg.Parquet.Compression == "" {
		cfg.Parquet = tables.DefaultParquetConfig()
	}
	if cfg.Events == nil {
		cfg.Events = audit.Noop{}
	}
	return &Combiner{
		table:   table,
		store:   store,
		catalog: cat,
		cfg:     cfg,
		now:     time.Now,
		log:     slog.With("component", "combiner"),
	}
}

// Combine merges every batch of the job per mask, orders each mask's matches
// by matching pixels, truncates them to MaxResultsPerMask and writes the
// results. The returned total counts matches before truncation.
func (c *Combiner) Combine(ctx context.Context, req Request) (*Summary, error) {
	if req.JobID == "" || req.SearchBucket == "" {
		return nil, model.Configf("job id and search bucket are required")
	}
	searchID := req.SearchID
	if searchID == "" {
		searchID = req.JobID
	}
	log := c.log.With("job_id", req.JobID, "search_id", searchID)
	finished := c.now().UTC()

	if len(req.Status.FatalErrors) > 0 {
		log.Error("job completed with fatal errors", "errors", req.Status.FatalErrors)
		c.update(ctx, catalog.Update{
			SearchID:     searchID,
			Step:         catalog.StepCompleted,
			ErrorMessage: "Color depth search completed with fatal errors",
			Finished:     &finished,
		})
		return &Summary{}, nil
	}
	switch {
	case req.Status.TimedOut:
		log.Warn("job timed out")
		c.update(ctx, catalog.Update{SearchID: searchID, ErrorMessage: "Color depth search timed out"})
	case req.Status.WithErrors || !req.Status.Completed:
		log.Warn("job completed with errors")
		c.update(ctx, catalog.Update{SearchID: searchID, ErrorMessage: "Color depth search completed with errors"})
	}

	records, err := c.table.Query(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	groups, total, err := Merge(records)
	if err != nil {
		c.update(ctx, catalog.Update{SearchID: searchID, ErrorMessage: err.Error()})
		return nil, err
	}
	Truncate(groups, req.MaxResultsPerMask)
	log.Info("merged batch results", "records", len(records), "masks", len(groups), "matches", total)

	prefix := req.OutputPrefix
	if prefix == "" {
		prefix = req.JobID
	}
	summary := &Summary{NTotalMatches: total, Masks: len(groups)}

	key := path.Join(prefix, c.cfg.ResultsKey)
	if err := results.Write(ctx, c.store, req.SearchBucket, key, results.Flatten(groups)); err != nil {
		return nil, err
	}
	summary.ResultsURI = c.store.URI(req.SearchBucket, key)
	outputs := map[string]audit.OutputInfo{"results": {URI: summary.ResultsURI}}

	if c.cfg.ExportParquet {
		exp, err := c.export(ctx, req, searchID, prefix, groups)
		if err != nil {
			return nil, err
		}
		summary.ParquetURI = exp.URI
		outputs["parquet"] = audit.OutputInfo{
			URI:      exp.URI,
			Checksum: exp.Checksum,
			RowCount: exp.RowCount,
			ByteSize: exp.ByteSize,
		}
	}

	c.update(ctx, catalog.Update{
		SearchID:      searchID,
		Step:          catalog.StepCompleted,
		NTotalMatches: &total,
		Finished:      &finished,
	})
	log.Info("saved combined results", "uri", summary.ResultsURI, "matches", total)

	if err := c.cfg.Events.Emit(ctx, &audit.SearchEvent{
		Search: audit.SearchInfo{
			SearchBucket:  req.SearchBucket,
			JobID:         req.JobID,
			SearchID:      searchID,
			NTotalMatches: total,
			Masks:         len(groups),
			TimedOut:      req.Status.TimedOut,
			WithErrors:    req.Status.WithErrors || !req.Status.Completed,
		},
		Outputs:  outputs,
		Producer: c.cfg.Producer,
	}); err != nil {
		log.Warn("failed to emit audit event", "error", err)
	}
	return summary, nil
}

func (c *Combiner) export(ctx context.Context, req Request, searchID, prefix string, groups []model.MaskMatches) (catalog.Export, error) {
	rows := tables.RowsFromGroups(req.JobID, groups, c.now())
	data, err := tables.WriteMatches(rows, c.cfg.Parquet)
	if err != nil {
		return catalog.Export{}, err
	}

	key := path.Join(prefix, tables.MatchRow{}.TableName()+".parquet")
	if err := storage.PutAtomic(ctx, c.store, req.SearchBucket, key, data, "application/vnd.apache.parquet"); err != nil {
		return catalog.Export{}, fmt.Errorf("write parquet export: %w", err)
	}

	exp := catalog.Export{
		SearchID: searchID,
		URI:      c.store.URI(req.SearchBucket, key),
		Format:   "parquet",
		Checksum: tables.ComputeChecksum(data),
		RowCount: int64(len(rows)),
		ByteSize: int64(len(data)),
	}
	if err := c.catalog.RecordExport(ctx, exp); err != nil {
		c.log.Warn("failed to record export", "uri", exp.URI, "error", err)
	}
	return exp, nil
}

// update records progress; catalog failures never fail the job.
func (c *Combiner) update(ctx context.Context, u catalog.Update) {
	if err := c.catalog.UpdateSearch(ctx, u); err != nil {
		c.log.Warn("failed to update search", "search_id", u.SearchID, "error", err)
	}
}

// Merge decodes the records and groups their matches per mask, in order of
// first appearance. Records without matches are skipped. It returns the
// groups and the total number of matches.
func Merge(records []tasks.Record) ([]model.MaskMatches, int, error) {
	var groups []model.MaskMatches
	index := make(map[string]int)
	total := 0
	for _, r := range records {
		if r.Empty() {
			continue
		}
		batch, err := r.Decode()
		if err != nil {
			return nil, 0, fmt.Errorf("extract results of %s:%d: %w", r.JobID, r.BatchID, err)
		}
		for _, g := range batch {
			id := maskKey(g.Mask)
			i, ok := index[id]
			if !ok {
				i = len(groups)
				index[id] = i
				groups = append(groups, model.MaskMatches{Mask: g.Mask})
			}
			groups[i].Results = append(groups[i].Results, g.Results...)
			total += len(g.Results)
		}
	}
	return groups, total, nil
}

// Truncate sorts every group by matching pixels, descending, and keeps at
// most limit results per group. A non-positive limit keeps everything.
func Truncate(groups []model.MaskMatches, limit int) {
	for i := range groups {
		rs := groups[i].Results
		sort.SliceStable(rs, func(a, b int) bool {
			return rs[a].MatchingPixels > rs[b].MatchingPixels
		})
		if limit > 0 && len(rs) > limit {
			groups[i].Results = rs[:limit]
		}
	}
}

func maskKey(m model.ImageRecord) string {
	if m.StoragePath != "" {
		return m.StoragePath
	}
	return m.ID
}
