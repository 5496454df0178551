package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
)

// maxJoinedErrors caps the batch failures an async invoker keeps for Wait.
const maxJoinedErrors = 16

// JobHandler processes one batch and returns its match count.
type JobHandler interface {
	Handle(ctx context.Context, job model.BatchJob) (int, error)
}

// LocalInvoker runs batches in the current process.
//
// A synchronous invoker returns the handler error to the dispatcher, which
// retries it. An asynchronous invoker returns immediately, like an event
// invocation; Wait joins the started batches and reports their failures.
type LocalInvoker struct {
	handler JobHandler
	async   bool

	group   *errgroup.Group
	ctx     context.Context
	mu      sync.Mutex
	errs    []error
	dropped int
	log     *slog.Logger
}

// NewLocalInvoker creates a synchronous in-process invoker.
func NewLocalInvoker(h JobHandler) *LocalInvoker {
	return &LocalInvoker{handler: h}
}

// NewAsyncLocalInvoker creates an in-process invoker that does not wait for
// batches. limit bounds concurrent batches; non-positive means unbounded.
// Batches run under ctx rather than the dispatch context.
func NewAsyncLocalInvoker(ctx context.Context, h JobHandler, limit int) *LocalInvoker {
	g := &errgroup.Group{}
	if limit > 0 {
		g.SetLimit(limit)
	}
	return &LocalInvoker{
		handler: h,
		async:   true,
		group:   g,
		ctx:     ctx,
		log:     slog.With("component", "local_invoker"),
	}
}

func (l *LocalInvoker) Name() string { return "local" }

// Invoke runs the batch.
func (l *LocalInvoker) Invoke(ctx context.Context, job model.BatchJob) error {
	if !l.async {
		_, err := l.handler.Handle(ctx, job)
		return err
	}
	l.group.Go(func() error {
		if _, err := l.handler.Handle(l.ctx, job); err != nil {
			l.log.Error("batch failed", "job_id", job.JobID, "batch_id", job.BatchID, "error", err)
			l.mu.Lock()
			if len(l.errs) < maxJoinedErrors {
				l.errs = append(l.errs, err)
			} else {
				l.dropped++
			}
			l.mu.Unlock()
		}
		return nil
	})
	return nil
}

// Wait blocks until every asynchronously started batch finished and reports
// the first failures; each failure is also logged when it happens.
func (l *LocalInvoker) Wait() error {
	if l.group == nil {
		return nil
	}
	l.group.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	errs := l.errs
	if l.dropped > 0 {
		errs = append(errs[:len(errs):len(errs)], fmt.Errorf("%d more batches failed", l.dropped))
	}
	return errors.Join(errs...)
}
