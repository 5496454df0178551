// Package batch runs one color depth search batch end to end.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-cds-search/internal/kernel"
	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/logging"
	"github.com/withObsrvr/obsrvr-cds-search/internal/metadata"
	"github.com/withObsrvr/obsrvr-cds-search/internal/metrics"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/planner"
	"github.com/withObsrvr/obsrvr-cds-search/internal/results"
	"github.com/withObsrvr/obsrvr-cds-search/internal/search"
	"github.com/withObsrvr/obsrvr-cds-search/internal/tasks"
)

// Config configures a Handler.
type Config struct {
	// ThumbnailsBucket overrides the thumbnails bucket of every job.
	ThumbnailsBucket string
	// WriteBatchFiles also writes each batch to <outputPrefix>/batch_NNNN.json.
	WriteBatchFiles bool
	// Timeout bounds one batch; zero means no bound.
	Timeout time.Duration
	// TaskBackend names the task table backend in metrics.
	TaskBackend string
}

// Handler runs batch jobs. It is safe for concurrent use.
type Handler struct {
	loader   *loader.Loader
	selector *planner.TargetSelector
	table    tasks.Table
	codec    tasks.Codec
	cfg      Config
}

// NewHandler creates a batch handler that records results in table.
func NewHandler(l *loader.Loader, selector *planner.TargetSelector, table tasks.Table, codec tasks.Codec, cfg Config) *Handler {
	return &Handler{
		loader:   l,
		selector: selector,
		table:    table,
		codec:    codec,
		cfg:      cfg,
	}
}

// Handle searches the targets of one batch and records the matches. It
// returns the number of matches found.
func (h *Handler) Handle(ctx context.Context, job model.BatchJob) (int, error) {
	correlationID := logging.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = logging.GenerateCorrelationID()
		ctx = logging.WithCorrelationID(ctx, correlationID)
	}
	log := logging.JobLogger(correlationID, job.JobID, job.BatchID, job.Range.Start, job.Range.End)

	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	n, algorithm, err := h.handle(ctx, job, log)
	labels := metrics.Labels{Algorithm: algorithm}
	if m := metrics.Get(); m != nil {
		m.ObserveBatchDuration(labels, time.Since(start).Seconds())
		if err != nil {
			labels.Reason = failureReason(err)
			m.IncBatchesFailed(labels)
		} else {
			m.IncBatchesProcessed(labels)
		}
	}
	if err != nil {
		log.Error("batch failed", "error", err, "duration", time.Since(start))
		return 0, err
	}
	log.Info("batch complete", "matches", n, "duration", time.Since(start))
	return n, nil
}

func (h *Handler) handle(ctx context.Context, job model.BatchJob, log *slog.Logger) (int, string, error) {
	params := job.Parameters
	if err := params.Validate(); err != nil {
		return 0, "", err
	}
	if job.JobID == "" {
		return 0, "", model.Configf("batch %d has no job id", job.BatchID)
	}

	targets, err := h.selector.Select(ctx, params.LibraryBucket, params.Libraries,
		params.GradientsFolders, params.ZGapMasksFolders, job.Range.Start, job.Range.End)
	if err != nil {
		return 0, "", fmt.Errorf("select targets %s: %w", job.Range, err)
	}

	tol := params.Tolerances()
	factory := kernel.NewFactory(tol)
	thumbnails := h.cfg.ThumbnailsBucket
	if thumbnails == "" {
		thumbnails = params.ThumbnailsBucket()
	}
	worker := search.NewWorker(h.loader, factory, search.WorkerConfig{
		MasksBucket:   params.MasksSource(),
		LibraryBucket: params.LibraryBucket,
		Resolver:      metadata.NewResolver(params.MasksSource(), params.LibraryBucket, thumbnails),
		Predicate:     search.PredicateFor(tol),
		Logger:        log,
	})

	groups, stats, err := worker.Search(ctx, params.MaskKeys, params.MaskThresholds, targets)
	if err != nil {
		return 0, factory.Name(), fmt.Errorf("search batch %d: %w", job.BatchID, err)
	}
	if len(stats.Errors) > 0 {
		log.Warn("pairs failed to score", "errors", len(stats.Errors))
	}

	if err := h.record(ctx, job, groups); err != nil {
		return 0, factory.Name(), err
	}

	if h.cfg.WriteBatchFiles && job.OutputBucket != "" {
		key := job.BatchKey()
		if err := results.Write(ctx, h.loader.Store(), job.OutputBucket, key, results.Flatten(groups)); err != nil {
			return 0, factory.Name(), err
		}
		log.Debug("batch results written", "uri", h.loader.Store().URI(job.OutputBucket, key))
	}

	log.Info("batch searched",
		"targets", len(targets),
		"masks", stats.Masks,
		"masks_missing", stats.MasksMissing,
		"targets_skipped", stats.TargetsSkipped,
		"comparisons", stats.Comparisons,
		"matches", stats.Matches)
	return stats.Matches, factory.Name(), nil
}

func (h *Handler) record(ctx context.Context, job model.BatchJob, groups []model.MaskMatches) error {
	r, err := h.codec.Encode(job.JobID, job.BatchID, groups)
	if err != nil {
		return err
	}
	labels := metrics.Labels{Backend: h.cfg.TaskBackend, Operation: "put"}
	if err := h.table.Put(ctx, r); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncTaskErrors(labels)
		}
		return fmt.Errorf("record batch %d: %w", job.BatchID, err)
	}
	if m := metrics.Get(); m != nil {
		m.IncTaskWrites(labels)
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case model.IsConfigError(err):
		return "config"
	case errors.Is(err, loader.ErrExhausted):
		return "exhausted"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
