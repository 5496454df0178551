// Package monitor follows the progress of dispatched search batches.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-cds-search/internal/planner"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
	"github.com/withObsrvr/obsrvr-cds-search/internal/tasks"
)

// DefaultPollInterval is the pause between two checks in Wait.
const DefaultPollInterval = 5 * time.Second

// Progress is the state of a job's batches.
type Progress struct {
	JobID       string        `json:"jobId"`
	Expected    int           `json:"expected"`
	BatchesDone int           `json:"batchesDone"`
	Completed   bool          `json:"completed"`
	WithErrors  bool          `json:"withErrors"`
	TimedOut    bool          `json:"timedOut"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Done reports whether nothing more is expected to change.
func (p Progress) Done() bool {
	return p.Completed || p.TimedOut
}

// Monitor reads batch completion from the task table.
type Monitor struct {
	table tasks.Table
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

// New creates a monitor over table.
func New(table tasks.Table) *Monitor {
	return &Monitor{
		table: table,
		now:   time.Now,
		sleep: sleepContext,
		log:   slog.With("component", "monitor"),
	}
}

// Progress reports how many of the expected batches have recorded results.
// A job whose batches are not all done once timeout has elapsed since
// startedAt is timed out; a zero timeout never times out. Records with batch
// ids outside [0, expected) mark the job as having errors.
func (m *Monitor) Progress(ctx context.Context, jobID string, expected int, startedAt time.Time, timeout time.Duration) (Progress, error) {
	records, err := m.table.Query(ctx, jobID)
	if err != nil {
		return Progress{}, fmt.Errorf("progress of %s: %w", jobID, err)
	}

	p := Progress{JobID: jobID, Expected: expected, Elapsed: m.now().Sub(startedAt)}
	seen := make(map[int]struct{}, len(records))
	for _, r := range records {
		if r.BatchID < 0 || r.BatchID >= expected {
			p.WithErrors = true
			continue
		}
		seen[r.BatchID] = struct{}{}
	}
	p.BatchesDone = len(seen)
	p.Completed = p.BatchesDone >= expected
	if !p.Completed && timeout > 0 && p.Elapsed >= timeout {
		p.TimedOut = true
		p.WithErrors = true
	}
	return p, nil
}

// Wait polls Progress until the job is done or ctx ends.
func (m *Monitor) Wait(ctx context.Context, jobID string, expected int, startedAt time.Time, timeout, interval time.Duration) (Progress, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		p, err := m.Progress(ctx, jobID, expected, startedAt, timeout)
		if err != nil {
			return p, err
		}
		m.log.Debug("job progress", "job_id", jobID, "done", p.BatchesDone, "expected", expected)
		if p.Done() {
			m.log.Info("job finished",
				"job_id", jobID,
				"batches_done", p.BatchesDone,
				"expected", expected,
				"timed_out", p.TimedOut,
				"with_errors", p.WithErrors)
			return p, nil
		}
		if err := m.sleep(ctx, interval); err != nil {
			return p, err
		}
	}
}

// ObjectProgress counts the batch outputs written under a planned prefix.
func ObjectProgress(ctx context.Context, store storage.ObjectStore, in planner.MonitorInput, expected int) (Progress, error) {
	prefix := in.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	keys, err := store.List(ctx, in.Bucket, prefix)
	if err != nil {
		return Progress{}, fmt.Errorf("list batch outputs %s/%s: %w", in.Bucket, prefix, err)
	}
	done := 0
	for _, k := range keys {
		name := path.Base(k)
		if strings.HasPrefix(name, "batch_") && strings.HasSuffix(name, ".json") {
			done++
		}
	}
	return Progress{
		JobID:       path.Base(in.Prefix),
		Expected:    expected,
		BatchesDone: done,
		Completed:   done >= expected,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
