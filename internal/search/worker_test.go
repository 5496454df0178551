package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

// countingStore records reads so tests can assert which objects were touched.
type countingStore struct {
	storage.ObjectStore

	mu        sync.Mutex
	gets      []string
	lists     []string
	ranges    [][2]int64
	fail      map[string]bool
	truncated map[string]bool
}

func (s *countingStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.Lock()
	s.gets = append(s.gets, key)
	fail := s.fail[key]
	s.mu.Unlock()
	if fail {
		return nil, errors.New("transport failure")
	}
	return s.ObjectStore.Get(ctx, bucket, key)
}

func (s *countingStore) GetRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error) {
	s.mu.Lock()
	s.gets = append(s.gets, key)
	s.ranges = append(s.ranges, [2]int64{start, end})
	short := s.truncated[key]
	s.mu.Unlock()
	if short {
		return nil, fmt.Errorf("%s/%s: %w: InvalidRange", bucket, key, storage.ErrRangeUnsatisfiable)
	}
	return s.ObjectStore.GetRange(ctx, bucket, key, start, end)
}

func (s *countingStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	s.lists = append(s.lists, prefix)
	s.mu.Unlock()
	return s.ObjectStore.List(ctx, bucket, prefix)
}

// fakeComparator scores a target by the number in its content, e.g. "pixels:30".
// Content "corrupt" panics and "error" fails.
type fakeComparator struct {
	required   []VariantKind
	seen       map[VariantKind][]byte
	start, end int64
}

func (c *fakeComparator) RequiredVariants() []VariantKind { return c.required }

func (c *fakeComparator) Window() (int64, int64) { return c.start, c.end }

func (c *fakeComparator) Score(target []byte, variants VariantSource) (Score, error) {
	for _, k := range []VariantKind{VariantGradient, VariantZGap} {
		data, err := variants(k)
		if err != nil {
			return Score{}, err
		}
		if data != nil {
			c.seen[k] = data
		}
	}

	s := string(target)
	switch {
	case s == "corrupt":
		panic("corrupt image")
	case s == "error":
		return Score{}, errors.New("decode failed")
	}
	var pixels int
	for _, ch := range strings.TrimPrefix(s, "pixels:") {
		pixels = pixels*10 + int(ch-'0')
	}
	return Score{MatchingPixels: pixels, MatchingRatio: float64(pixels) / 1000}, nil
}

type fakeFactory struct {
	cmp *fakeComparator
	err error
}

func (f *fakeFactory) Name() string { return "fake" }

func (f *fakeFactory) NewComparator(mask []byte, threshold int) (Comparator, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cmp, nil
}

type fixture struct {
	store   *countingStore
	worker  *Worker
	cmp     *fakeComparator
	factory *fakeFactory
}

func newFixture(t *testing.T, required ...VariantKind) *fixture {
	t.Helper()
	mem := storage.NewMemStore()
	t.Cleanup(func() { mem.Close() })

	cs := &countingStore{ObjectStore: mem, fail: map[string]bool{}, truncated: map[string]bool{}}
	l := loader.New(cs, loader.Config{Attempts: 2, Pause: time.Millisecond})
	cmp := &fakeComparator{required: required, seen: map[VariantKind][]byte{}}
	factory := &fakeFactory{cmp: cmp}

	w := NewWorker(l, factory, WorkerConfig{
		MasksBucket:   "masks",
		LibraryBucket: "library",
		Predicate:     MinRatioPredicate(2),
	})
	return &fixture{store: cs, worker: w, cmp: cmp, factory: factory}
}

func (f *fixture) put(t *testing.T, bucket, key, data string) {
	t.Helper()
	require.NoError(t, f.store.ObjectStore.Put(context.Background(), bucket, key, []byte(data), ""))
}

func TestSearchIsolatesPairFailures(t *testing.T) {
	f := newFixture(t)
	f.put(t, "masks", "user/mask.png", "mask")

	var targets []model.Target
	for i, content := range []string{"pixels:100", "corrupt", "pixels:200", "error", "pixels:300"} {
		key := "AS/Lib/img" + string(rune('a'+i)) + ".tif"
		f.put(t, "library", key, content)
		targets = append(targets, model.Target{Key: key})
	}

	groups, stats, err := f.worker.Search(context.Background(), []string{"user/mask.png"}, []int{100}, targets)
	require.NoError(t, err, "a bad pair must not fail the batch")
	require.Len(t, groups, 1)

	assert.Len(t, groups[0].Results, 3)
	assert.Len(t, stats.Errors, 2)
	for _, e := range stats.Errors {
		assert.True(t, e.IsError)
		assert.False(t, e.IsMatch)
	}
	assert.Equal(t, 5, stats.Comparisons)
	assert.Equal(t, 3, stats.Matches)
	assert.Equal(t, "mask", groups[0].Mask.ID)
}

func TestSearchReadsComparatorWindow(t *testing.T) {
	f := newFixture(t)
	f.cmp.start, f.cmp.end = 0, 64
	f.put(t, "masks", "mask.png", "mask")
	f.put(t, "library", "AS/Lib/a.tif", "pixels:300")
	f.put(t, "library", "AS/Lib/b.tif", "pixels:400")

	groups, _, err := f.worker.Search(context.Background(), []string{"mask.png"}, []int{100},
		[]model.Target{{Key: "AS/Lib/a.tif"}, {Key: "AS/Lib/b.tif"}})
	require.NoError(t, err)
	require.Len(t, groups[0].Results, 2)
	assert.Equal(t, [][2]int64{{0, 64}, {0, 64}}, f.store.ranges)
}

func TestSearchTruncatedTargetIsPairError(t *testing.T) {
	f := newFixture(t)
	f.cmp.start, f.cmp.end = 0, 64
	f.put(t, "masks", "mask.png", "mask")
	f.put(t, "library", "AS/Lib/a.tif", "pixels:300")
	f.put(t, "library", "AS/Lib/short.tif", "px")
	f.put(t, "library", "AS/Lib/c.tif", "pixels:500")
	f.store.truncated["AS/Lib/short.tif"] = true

	groups, stats, err := f.worker.Search(context.Background(), []string{"mask.png"}, []int{100},
		[]model.Target{{Key: "AS/Lib/a.tif"}, {Key: "AS/Lib/short.tif"}, {Key: "AS/Lib/c.tif"}})
	require.NoError(t, err)
	require.Len(t, groups[0].Results, 2)
	require.Len(t, stats.Errors, 1)
	assert.True(t, stats.Errors[0].IsError)
	assert.Equal(t, "AS/Lib/short.tif", stats.Errors[0].Target.StoragePath)
	assert.Equal(t, 3, stats.Comparisons)

	// One read per target: the unsatisfiable range is not retried.
	assert.Len(t, f.store.ranges, 3)
}

func TestSearchReturnsOnlyMatches(t *testing.T) {
	f := newFixture(t)
	f.put(t, "masks", "mask.png", "mask")
	f.put(t, "library", "AS/Lib/low.tif", "pixels:19") // ratio 1.9% < 2%
	f.put(t, "library", "AS/Lib/high.tif", "pixels:25")
	f.put(t, "library", "AS/Lib/none.tif", "pixels:0")

	targets := []model.Target{{Key: "AS/Lib/low.tif"}, {Key: "AS/Lib/high.tif"}, {Key: "AS/Lib/none.tif"}}
	groups, _, err := f.worker.Search(context.Background(), []string{"mask.png"}, []int{100}, targets)
	require.NoError(t, err)

	require.Len(t, groups[0].Results, 1)
	r := groups[0].Results[0]
	assert.True(t, r.IsMatch)
	assert.Equal(t, "AS/Lib/high.tif", r.Target.ImageName)
	assert.Equal(t, 25, r.MatchingPixels)
	assert.Equal(t, "mask", r.Mask.ID)
}

func TestSearchSkipsAbsentImages(t *testing.T) {
	f := newFixture(t)
	f.put(t, "masks", "present.png", "mask")
	f.put(t, "library", "AS/Lib/a.tif", "pixels:50")

	targets := []model.Target{{Key: "AS/Lib/a.tif"}, {Key: "AS/Lib/missing.tif"}}
	groups, stats, err := f.worker.Search(context.Background(),
		[]string{"absent.png", "present.png"}, []int{100, 100}, targets)
	require.NoError(t, err)

	require.Len(t, groups, 2)
	assert.Empty(t, groups[0].Results, "absent mask yields no results")
	assert.Len(t, groups[1].Results, 1)
	assert.Equal(t, 1, stats.MasksMissing)
	assert.Equal(t, 1, stats.TargetsSkipped)
}

func TestSearchValidatesBeforeWork(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.worker.Search(context.Background(), []string{"a.png", "b.png"}, []int{100}, nil)
	require.Error(t, err)
	assert.True(t, model.IsConfigError(err))
	assert.Empty(t, f.store.gets, "nothing may be loaded before validation")
}

func TestSearchLoaderExhaustionIsFatal(t *testing.T) {
	f := newFixture(t)
	f.put(t, "masks", "mask.png", "mask")
	f.store.fail["mask.png"] = true

	_, _, err := f.worker.Search(context.Background(), []string{"mask.png"}, []int{100}, nil)
	assert.ErrorIs(t, err, loader.ErrExhausted)
}

func TestSearchComparatorBuildFailure(t *testing.T) {
	f := newFixture(t)
	f.put(t, "masks", "mask.png", "mask")
	f.factory.err = errors.New("unreadable mask")

	_, _, err := f.worker.Search(context.Background(), []string{"mask.png"}, []int{100}, nil)
	assert.Error(t, err)
}

func TestSearchResolvesOnlyRequiredVariants(t *testing.T) {
	f := newFixture(t, VariantGradient)
	f.put(t, "masks", "mask.png", "mask")
	f.put(t, "library", "AS/Lib/a.tif", "pixels:50")
	f.put(t, "library", "AS/Grad/a.png", "gradient")
	f.put(t, "library", "AS/ZGap/a.png", "zgap")

	targets := []model.Target{{Key: "AS/Lib/a.tif", GradientKey: "AS/Grad/a", ZGapKey: "AS/ZGap/a"}}
	_, _, err := f.worker.Search(context.Background(), []string{"mask.png"}, []int{100}, targets)
	require.NoError(t, err)

	assert.Equal(t, "gradient", string(f.cmp.seen[VariantGradient]))
	assert.Nil(t, f.cmp.seen[VariantZGap])
	assert.Equal(t, []string{"AS/Grad/a"}, f.store.lists, "z-gap must not be looked up")
}

func TestSearchMissingVariantKeyIsNil(t *testing.T) {
	f := newFixture(t, VariantGradient, VariantZGap)
	f.put(t, "masks", "mask.png", "mask")
	f.put(t, "library", "AS/Lib/a.tif", "pixels:50")

	targets := []model.Target{{Key: "AS/Lib/a.tif"}}
	groups, stats, err := f.worker.Search(context.Background(), []string{"mask.png"}, []int{100}, targets)
	require.NoError(t, err)

	assert.Len(t, groups[0].Results, 1)
	assert.Empty(t, stats.Errors)
	assert.Empty(t, f.cmp.seen)
	assert.Empty(t, f.store.lists)
}

func TestMinRatioPredicate(t *testing.T) {
	p := MinRatioPredicate(2)
	assert.True(t, p(Score{MatchingPixels: 20, MatchingRatio: 0.02}))
	assert.False(t, p(Score{MatchingPixels: 19, MatchingRatio: 0.019}))
	assert.False(t, p(Score{MatchingPixels: 0, MatchingRatio: 0.5}))
}
