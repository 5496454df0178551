package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

func TestBatchSize(t *testing.T) {
	tests := []struct {
		name           string
		total          int
		defaultSize    int
		maxParallelism int
		want           int
	}{
		{"small library", 100, 40, 1000, 40},
		{"exactly at parallelism", 40000, 40, 1000, 40},
		{"rounds up", 40001, 40, 1000, 41},
		{"large library", 1_000_000, 50, 1000, 1000},
		{"empty", 0, 40, 1000, 40},
		{"invalid default", 10, 0, 1000, 1},
		{"no parallelism bound", 10_000, 40, 0, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BatchSize(tt.total, tt.defaultSize, tt.maxParallelism))
		})
	}
}

func TestPartitionCoversRange(t *testing.T) {
	for _, total := range []int{1, 39, 40, 41, 999, 40001, 123457} {
		for _, parallelism := range []int{1, 7, 1000} {
			size := BatchSize(total, 40, parallelism)
			ranges := Partition(total, size)

			require.NotEmpty(t, ranges)
			assert.LessOrEqual(t, len(ranges), parallelism, "total=%d", total)
			assert.Equal(t, 0, ranges[0].Start)
			assert.Equal(t, total, ranges[len(ranges)-1].End)
			for i, r := range ranges {
				assert.Greater(t, r.Len(), 0)
				assert.LessOrEqual(t, r.Len(), size)
				if i > 0 {
					assert.Equal(t, ranges[i-1].End, r.Start, "gap or overlap at %d", i)
				}
			}
		}
	}
}

func TestPartitionEmpty(t *testing.T) {
	assert.Nil(t, Partition(0, 40))
	assert.Nil(t, Partition(10, 0))
}

type fixture struct {
	store  *storage.BlobStore
	loader *loader.Loader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storage.NewMemStore()
	t.Cleanup(func() { mem.Close() })
	return &fixture{
		store:  mem,
		loader: loader.New(mem, loader.Config{Attempts: 1, Pause: time.Millisecond}),
	}
}

func (f *fixture) putJSON(t *testing.T, bucket, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, f.store.Put(context.Background(), bucket, key, data, "application/json"))
}

func libraryKeys(library string, n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s/img_%03d.png", library, i)
	}
	return keys
}

func TestSelectAcrossLibraries(t *testing.T) {
	f := newFixture(t)
	f.putJSON(t, "lib", "A/searchable_neurons/keys_denormalized.json", libraryKeys("A/searchable_neurons", 3))
	f.putJSON(t, "lib", "B/searchable_neurons/keys_denormalized.json", libraryKeys("B/searchable_neurons", 4))

	s := NewTargetSelector(f.loader, "")
	targets, err := s.Select(context.Background(), "lib",
		[]string{"A/searchable_neurons", "B/searchable_neurons"},
		[]string{"A/grad", "B/grad"},
		[]string{"A/zgap"},
		2, 5)
	require.NoError(t, err)
	require.Len(t, targets, 3)

	assert.Equal(t, model.Target{
		Key:         "A/searchable_neurons/img_002.png",
		GradientKey: "A/grad/img_002",
		ZGapKey:     "A/zgap/img_002",
	}, targets[0])
	assert.Equal(t, model.Target{
		Key:         "B/searchable_neurons/img_000.png",
		GradientKey: "B/grad/img_000",
	}, targets[1])
	assert.Equal(t, "B/searchable_neurons/img_001.png", targets[2].Key)
	assert.Empty(t, targets[2].ZGapKey)
}

func TestSelectBatchesCoverEveryKeyOnce(t *testing.T) {
	f := newFixture(t)
	f.putJSON(t, "lib", "A/keys_denormalized.json", libraryKeys("A", 17))
	f.putJSON(t, "lib", "B/keys_denormalized.json", libraryKeys("B", 9))

	s := NewTargetSelector(f.loader, "")
	seen := map[string]int{}
	for _, r := range Partition(26, 5) {
		targets, err := s.Select(context.Background(), "lib", []string{"A", "B"}, nil, nil, r.Start, r.End)
		require.NoError(t, err)
		assert.Len(t, targets, r.Len())
		for _, tg := range targets {
			seen[tg.Key]++
		}
	}
	assert.Len(t, seen, 26)
	for key, n := range seen {
		assert.Equal(t, 1, n, key)
	}
}

func TestSelectUnsatisfiableRange(t *testing.T) {
	f := newFixture(t)
	f.putJSON(t, "lib", "A/keys_denormalized.json", libraryKeys("A", 3))

	s := NewTargetSelector(f.loader, "")
	_, err := s.Select(context.Background(), "lib", []string{"A", "missing"}, nil, nil, 0, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRangeUnsatisfiable)
	assert.True(t, IsRangeUnsatisfiable(err))
	assert.True(t, model.IsConfigError(err))
}

func TestSelectInvalidRange(t *testing.T) {
	s := NewTargetSelector(newFixture(t).loader, "")
	_, err := s.Select(context.Background(), "lib", []string{"A"}, nil, nil, 5, 5)
	assert.True(t, model.IsConfigError(err))
}

func TestSelectShardedKeyList(t *testing.T) {
	f := newFixture(t)
	f.putJSON(t, "lib", "A/KEYS/7/keys_denormalized.json", libraryKeys("A", 2))

	s := NewTargetSelector(f.loader, "7")
	assert.Equal(t, "A/KEYS/7/keys_denormalized.json", s.KeyListKey("A"))
	targets, err := s.Select(context.Background(), "lib", []string{"A"}, nil, nil, 0, 2)
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestVariantKey(t *testing.T) {
	tests := []struct {
		key, library, folder, want string
	}{
		{"A/searchable_neurons/x.png", "A/searchable_neurons", "A/grad", "A/grad/x"},
		{"A/searchable_neurons/x.tif", "A/searchable_neurons", "", ""},
		{"JRC2018_v1.2/lib/x.y.png", "JRC2018_v1.2/lib", "JRC2018_v1.2/zgap", "JRC2018_v1.2/zgap/x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VariantKey(tt.key, tt.library, tt.folder), tt.key)
	}
}

func TestCountTargets(t *testing.T) {
	f := newFixture(t)
	f.putJSON(t, "lib", "A/counts_denormalized.json", map[string]int{"objectCount": 120})
	f.putJSON(t, "lib", "B/keys_denormalized.json", libraryKeys("B", 7))

	s := NewTargetSelector(f.loader, "")
	n, err := s.CountTargets(context.Background(), "lib", []string{"A", "B", "C"})
	require.NoError(t, err)
	assert.Equal(t, 127, n)
}

func TestPlanPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 120; i++ {
		require.NoError(t, f.store.Put(ctx, "lib", fmt.Sprintf("L/img_%03d.png", i), []byte("x"), ""))
	}

	p := New(f.loader, Config{})
	p.newID = func() string { return "0000-test" }
	plan, err := p.PlanPrefix(ctx, PrefixRequest{Bucket: "lib", Prefix: "L/", SearchBucket: "search"})
	require.NoError(t, err)

	assert.Equal(t, "anonymous/0000-test", plan.OutputPrefix)
	assert.Equal(t, MonitorInput{Bucket: "search", Prefix: "anonymous/0000-test"}, plan.Monitor)
	assert.Equal(t, 120, plan.Metadata.NumKeys)
	assert.Equal(t, 50, plan.Metadata.BatchSize)
	assert.Equal(t, 3, plan.Metadata.Partitions)
	assert.Len(t, plan.BatchKeys(plan.Metadata.Ranges[2]), 20)

	data, err := f.store.Get(ctx, "search", "anonymous/0000-test/metadata.json")
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, plan.Metadata.Ranges, meta.Ranges)
}

func TestPlanPrefixEmpty(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.loader, Config{}).PlanPrefix(context.Background(),
		PrefixRequest{Bucket: "lib", Prefix: "none/", SearchBucket: "search"})
	assert.True(t, model.IsConfigError(err))
}

func TestPlanLibraries(t *testing.T) {
	f := newFixture(t)
	f.putJSON(t, "lib", "A/counts_denormalized.json", map[string]int{"objectCount": 100})

	p := New(f.loader, Config{DefaultBatchSize: 40, MaxParallelism: 1000})
	params := model.SearchParameters{
		LibraryBucket:  "lib",
		Libraries:      []string{"A"},
		SearchBucket:   "search",
		MaskKeys:       []string{"m.png"},
		MaskThresholds: []int{100},
	}
	plan, err := p.PlanLibraries(context.Background(), "job-1", params)
	require.NoError(t, err)

	assert.Equal(t, 100, plan.Total)
	require.Len(t, plan.Jobs, 3)
	assert.Equal(t, model.Range{Start: 80, End: 100}, plan.Jobs[2].Range)
	assert.Equal(t, 2, plan.Jobs[2].BatchID)
	assert.Equal(t, "job-1/batch_0002.json", plan.Jobs[2].BatchKey())
}

func TestPlanLibrariesInvalidParameters(t *testing.T) {
	p := New(newFixture(t).loader, Config{})
	_, err := p.PlanLibraries(context.Background(), "", model.SearchParameters{})
	assert.True(t, model.IsConfigError(err))
}
