// Package dispatch hands planned search batches to workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-cds-search/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-cds-search/internal/logging"
	"github.com/withObsrvr/obsrvr-cds-search/internal/metrics"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
)

// ErrDispatchFailed is returned when at least one batch could not be invoked.
var ErrDispatchFailed = errors.New("dispatch failed")

// Invoker starts the processing of one batch.
type Invoker interface {
	Invoke(ctx context.Context, job model.BatchJob) error
	Name() string
}

// Config configures a Dispatcher.
type Config struct {
	Workers       int
	QueueSize     int
	MaxRetry      int
	BackoffMs     int
	RatePerSecond float64 // zero disables rate limiting
}

// Summary reports the outcome of one Dispatch call.
type Summary struct {
	Dispatched int
	Skipped    int
	Failed     int
}

type dispatchTask struct {
	job     model.BatchJob
	attempt int
}

type dispatchResult struct {
	job model.BatchJob
	err error
}

// Dispatcher runs the dispatcher → workers flow over an Invoker.
// Successful invocations are checkpointed per job.
type Dispatcher struct {
	invoker     Invoker
	checkpoints checkpoint.Manager
	limiter     *rate.Limiter
	workers     int
	queueSize   int
	maxRetry    int
	backoffMs   int
	sleep       func(ctx context.Context, d time.Duration) error
	log         *slog.Logger
}

// New creates a dispatcher. A nil checkpoint manager disables checkpointing.
func New(invoker Invoker, checkpoints checkpoint.Manager, cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.MaxRetry < 1 {
		cfg.MaxRetry = 3
	}
	if cfg.BackoffMs < 1 {
		cfg.BackoffMs = 1000
	}
	if checkpoints == nil {
		checkpoints, _ = checkpoint.NewManager(checkpoint.Config{})
	}

	d := &Dispatcher{
		invoker:     invoker,
		checkpoints: checkpoints,
		workers:     cfg.Workers,
		queueSize:   cfg.QueueSize,
		maxRetry:    cfg.MaxRetry,
		backoffMs:   cfg.BackoffMs,
		sleep:       sleepContext,
		log:         slog.With("component", "dispatcher", "invoker", invoker.Name()),
	}
	if cfg.RatePerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Workers)
	}
	return d
}

// Dispatch invokes every job not yet recorded in its checkpoint. It returns
// once all invocations finished; failures are reported with ErrDispatchFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []model.BatchJob) (Summary, error) {
	var summary Summary
	if len(jobs) == 0 {
		return summary, nil
	}

	totals := make(map[string]int)
	for _, job := range jobs {
		totals[job.JobID]++
	}
	checkpoints := make(map[string]*checkpoint.Checkpoint)
	pending := make([]model.BatchJob, 0, len(jobs))
	for _, job := range jobs {
		cp, err := d.checkpointFor(ctx, checkpoints, job.JobID)
		if err != nil {
			return summary, err
		}
		cp.Total = max(cp.Total, totals[job.JobID])
		if cp.Has(job.BatchID) {
			summary.Skipped++
			continue
		}
		pending = append(pending, job)
	}
	if summary.Skipped > 0 {
		d.log.Info("skipping dispatched batches", "skipped", summary.Skipped)
	}
	if len(pending) == 0 {
		return summary, nil
	}

	d.log.Info("starting dispatch", "batches", len(pending), "workers", d.workers)
	start := time.Now()

	workQueue := make(chan dispatchTask, d.queueSize)
	resultChan := make(chan dispatchResult, d.queueSize)

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			d.workerLoop(ctx, workerID, workQueue, resultChan)
		}(i)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.dispatcherLoop(ctx, pending, workQueue)
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var failures []error
	for r := range resultChan {
		if r.err != nil {
			summary.Failed++
			failures = append(failures, fmt.Errorf("batch %d of %s: %w", r.job.BatchID, r.job.JobID, r.err))
			continue
		}
		summary.Dispatched++
		cp := checkpoints[r.job.JobID]
		cp.Add(r.job.BatchID)
		cp.UpdatedAt = time.Now().UTC()
		if err := d.checkpoints.Save(ctx, cp); err != nil {
			d.log.Warn("failed to save checkpoint", "job_id", r.job.JobID, "error", err)
		}
	}

	if err := <-errChan; err != nil {
		return summary, err
	}

	d.log.Info("dispatch finished",
		"dispatched", summary.Dispatched,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duration_ms", time.Since(start).Milliseconds())

	if len(failures) > 0 {
		return summary, fmt.Errorf("%w: %w", ErrDispatchFailed, errors.Join(failures...))
	}
	return summary, nil
}

func (d *Dispatcher) checkpointFor(ctx context.Context, cps map[string]*checkpoint.Checkpoint, jobID string) (*checkpoint.Checkpoint, error) {
	if cp, ok := cps[jobID]; ok {
		return cp, nil
	}
	cp, err := d.checkpoints.Load(ctx, jobID)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		cp = &checkpoint.Checkpoint{JobID: jobID}
	case err != nil:
		return nil, fmt.Errorf("load checkpoint of %s: %w", jobID, err)
	}
	cps[jobID] = cp
	return cp, nil
}

// dispatcherLoop sends batch tasks to workers.
func (d *Dispatcher) dispatcherLoop(ctx context.Context, jobs []model.BatchJob, workQueue chan<- dispatchTask) error {
	defer close(workQueue)

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case workQueue <- dispatchTask{job: job}:
		}
		if m := metrics.Get(); m != nil {
			m.SetDispatchQueueDepth(float64(len(workQueue)))
		}
	}
	return nil
}

// workerLoop invokes batch tasks.
func (d *Dispatcher) workerLoop(ctx context.Context, workerID int, workQueue <-chan dispatchTask, results chan<- dispatchResult) {
	for task := range workQueue {
		if ctx.Err() != nil {
			results <- dispatchResult{job: task.job, err: ctx.Err()}
			continue
		}
		results <- dispatchResult{job: task.job, err: d.invoke(ctx, workerID, task)}
	}
}

// invoke calls the invoker, retrying with exponential backoff.
func (d *Dispatcher) invoke(ctx context.Context, workerID int, task dispatchTask) error {
	log := logging.WorkerLogger(workerID).With(
		"job_id", task.job.JobID,
		"batch_id", task.job.BatchID,
		"start", task.job.Range.Start,
		"end", task.job.Range.End,
	)
	labels := metrics.Labels{Invoker: d.invoker.Name()}

	for {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		log.Debug("invoking batch", "attempt", task.attempt+1)
		err := d.invoker.Invoke(ctx, task.job)
		if err == nil {
			if m := metrics.Get(); m != nil {
				m.IncBatchesDispatched(labels)
			}
			return nil
		}
		if model.IsConfigError(err) || task.attempt >= d.maxRetry-1 {
			log.Error("batch invocation failed", "attempts", task.attempt+1, "error", err)
			if m := metrics.Get(); m != nil {
				m.IncDispatchFailed(labels)
			}
			return fmt.Errorf("failed after %d attempts: %w", task.attempt+1, err)
		}

		log.Warn("batch invocation failed, retrying", "error", err)
		if m := metrics.Get(); m != nil {
			m.IncDispatchRetries(labels)
		}

		backoff := time.Duration(d.backoffMs*(1<<task.attempt)) * time.Millisecond
		if err := d.sleep(ctx, backoff); err != nil {
			return err
		}
		task.attempt++
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
