package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-cds-search/internal/planner"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
	"github.com/withObsrvr/obsrvr-cds-search/internal/tasks"
)

var started = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMonitor(t *testing.T, now time.Time, batches ...int) (*Monitor, *tasks.SQLiteTable) {
	t.Helper()
	ctx := context.Background()
	table, err := tasks.OpenSQLiteTable(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { table.Close() })

	for _, b := range batches {
		require.NoError(t, table.Put(ctx, tasks.Record{
			JobID: "job", BatchID: b, TTL: time.Now().Add(time.Hour), MimeType: tasks.MimeJSON, Results: []byte("[]"),
		}))
	}
	m := New(table)
	m.now = func() time.Time { return now }
	return m, table
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name    string
		batches []int
		elapsed time.Duration
		timeout time.Duration
		want    Progress
	}{
		{
			name:    "in progress",
			batches: []int{0, 2},
			elapsed: time.Minute,
			timeout: 15 * time.Minute,
			want:    Progress{BatchesDone: 2},
		},
		{
			name:    "completed",
			batches: []int{0, 1, 2},
			elapsed: time.Minute,
			timeout: 15 * time.Minute,
			want:    Progress{BatchesDone: 3, Completed: true},
		},
		{
			name:    "timed out",
			batches: []int{1},
			elapsed: 20 * time.Minute,
			timeout: 15 * time.Minute,
			want:    Progress{BatchesDone: 1, TimedOut: true, WithErrors: true},
		},
		{
			name:    "no timeout",
			batches: nil,
			elapsed: 24 * time.Hour,
			want:    Progress{},
		},
		{
			name:    "unexpected batch",
			batches: []int{0, 1, 2, 7},
			elapsed: time.Minute,
			want:    Progress{BatchesDone: 3, Completed: true, WithErrors: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newMonitor(t, started.Add(tt.elapsed), tt.batches...)
			p, err := m.Progress(context.Background(), "job", 3, started, tt.timeout)
			require.NoError(t, err)

			tt.want.JobID = "job"
			tt.want.Expected = 3
			tt.want.Elapsed = tt.elapsed
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestWaitPollsUntilDone(t *testing.T) {
	m, table := newMonitor(t, started, 0)
	polls := 0
	m.sleep = func(ctx context.Context, d time.Duration) error {
		polls++
		assert.Equal(t, time.Second, d)
		return table.Put(ctx, tasks.Record{
			JobID: "job", BatchID: polls, TTL: time.Now().Add(time.Hour), MimeType: tasks.MimeJSON, Results: []byte("[]"),
		})
	}

	p, err := m.Wait(context.Background(), "job", 3, started, time.Hour, time.Second)
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.Equal(t, 2, polls)
}

func TestWaitCancelled(t *testing.T) {
	m, _ := newMonitor(t, started)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Wait(ctx, "job", 3, started, 0, time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestObjectProgress(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore()
	t.Cleanup(func() { mem.Close() })

	for _, k := range []string{
		"anonymous/id-1/metadata.json",
		"anonymous/id-1/batch_0000.json",
		"anonymous/id-1/batch_0001.json",
		"anonymous/id-10/batch_0000.json",
	} {
		require.NoError(t, mem.Put(ctx, "search", k, []byte("{}"), ""))
	}

	p, err := ObjectProgress(ctx, mem, planner.MonitorInput{Bucket: "search", Prefix: "anonymous/id-1"}, 3)
	require.NoError(t, err)
	assert.Equal(t, "id-1", p.JobID)
	assert.Equal(t, 2, p.BatchesDone)
	assert.False(t, p.Completed)
}
