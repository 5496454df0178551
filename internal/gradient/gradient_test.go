package gradient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/results"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

// fakeCalculator returns the gap encoded in the gradient content.
type fakeCalculator struct {
	inFlight *atomic.Int32
	maxSeen  *atomic.Int32
	delay    time.Duration
}

func (c *fakeCalculator) AreaGap(target, gradient, zgap []byte) (int64, error) {
	if c.inFlight != nil {
		n := c.inFlight.Add(1)
		defer c.inFlight.Add(-1)
		for {
			old := c.maxSeen.Load()
			if n <= old || c.maxSeen.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(c.delay)
	}
	if string(gradient) == "bad" {
		return 0, errors.New("bad gradient")
	}
	var gap int64
	_, err := fmt.Sscanf(string(gradient), "gap:%d", &gap)
	if zgap != nil {
		gap += 1000
	}
	return gap, err
}

type fakeFactory struct {
	calc  Calculator
	err   error
	calls atomic.Int32
}

func (f *fakeFactory) NewCalculator(mask []byte, s model.GradientSettings) (Calculator, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.calc, nil
}

// failingStore fails every read of the listed keys.
type failingStore struct {
	storage.ObjectStore
	fail map[string]bool
}

func (s *failingStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if s.fail[key] {
		return nil, errors.New("transport failure")
	}
	return s.ObjectStore.Get(ctx, bucket, key)
}

func testScore(gap, maxGap int64, pixels int, ratio float64, maxPixels int) float64 {
	return float64(pixels)/float64(maxPixels)*100 - float64(gap)/float64(maxGap)*10
}

type fixture struct {
	store   *failingStore
	factory *fakeFactory
	agg     *Aggregator
}

func newFixture(t *testing.T, poolSize int) *fixture {
	t.Helper()
	mem := storage.NewMemStore()
	t.Cleanup(func() { mem.Close() })

	fs := &failingStore{ObjectStore: mem, fail: map[string]bool{}}
	l := loader.New(fs, loader.Config{Attempts: 2, Pause: time.Millisecond})
	factory := &fakeFactory{calc: &fakeCalculator{}}
	agg := NewAggregator(l, factory, testScore, Config{
		MasksBucket:     "masks",
		GradientsBucket: "gradients",
		GradientsSuffix: "grad",
		ZGapsBucket:     "zgaps",
		ZGapsSuffix:     "zgap",
		Settings:        model.GradientSettings{MaskThreshold: 100, NegativeRadius: 10},
		PoolSize:        poolSize,
	})
	return &fixture{store: fs, factory: factory, agg: agg}
}

func (f *fixture) put(t *testing.T, bucket, key, data string) {
	t.Helper()
	require.NoError(t, f.store.ObjectStore.Put(context.Background(), bucket, key, []byte(data), ""))
}

// candidate stores a target and, when gap >= 0, its gradient.
func (f *fixture) candidate(t *testing.T, name string, pixels int, gap int) *model.MatchResult {
	t.Helper()
	key := "AS/Lib/searchable_neurons/" + name + ".tif"
	f.put(t, "library", key, "target")
	if gap >= 0 {
		f.put(t, "gradients", "AS/Lib/grad/"+name+".png", fmt.Sprintf("gap:%d", gap))
	}
	return &model.MatchResult{
		Target: model.ImageRecord{
			ID:        name,
			ImageName: key,
			ImageURL:  "https://s3.amazonaws.com/library/" + key,
		},
		MatchingPixels: pixels,
		MatchingRatio:  float64(pixels) / 1000,
	}
}

var testMask = model.ImageRecord{ID: "mask", ImageName: "user/mask.png"}

func TestRefineMissingGradientIsSentinel(t *testing.T) {
	f := newFixture(t, 4)
	f.put(t, "masks", "user/mask.png", "mask")

	a := f.candidate(t, "a", 100, 40)
	b := f.candidate(t, "b", 50, 20)
	noGrad := f.candidate(t, "c", 200, -1)

	out, err := f.agg.Refine(context.Background(), testMask, []*model.MatchResult{a, b, noGrad})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, int64(40), a.AreaGap())
	assert.Equal(t, int64(20), b.AreaGap())
	assert.Equal(t, model.NoAreaGap, noGrad.AreaGap())
	assert.Nil(t, noGrad.NormalizedGapScore, "incomputable gap must not be scored")

	// maxPixels is 200 (includes the incomputable candidate), maxGap is 40
	require.NotNil(t, a.NormalizedGapScore)
	assert.InDelta(t, 100.0/200*100-10, *a.NormalizedGapScore, 1e-9)
	require.NotNil(t, b.NormalizedGapScore)
	assert.InDelta(t, 50.0/200*100-5, *b.NormalizedGapScore, 1e-9)

	assert.Equal(t, int32(1), f.factory.calls.Load(), "calculator is built once per mask")
}

func TestRefineMissingTargetIsSentinel(t *testing.T) {
	f := newFixture(t, 4)
	f.put(t, "masks", "user/mask.png", "mask")

	m := &model.MatchResult{
		Target:         model.ImageRecord{ImageName: "AS/Lib/gone.tif", ImageURL: "https://s3.amazonaws.com/library/AS/Lib/gone.tif"},
		MatchingPixels: 10,
	}
	_, err := f.agg.Refine(context.Background(), testMask, []*model.MatchResult{m})
	require.NoError(t, err)
	assert.Equal(t, model.NoAreaGap, m.AreaGap())
	assert.Nil(t, m.NormalizedGapScore)
}

func TestRefineUsesZGapWhenPresent(t *testing.T) {
	f := newFixture(t, 4)
	f.put(t, "masks", "user/mask.png", "mask")
	a := f.candidate(t, "a", 100, 5)
	f.put(t, "zgaps", "AS/Lib/zgap/a.tif", "zgap")

	_, err := f.agg.Refine(context.Background(), testMask, []*model.MatchResult{a})
	require.NoError(t, err)
	assert.Equal(t, int64(1005), a.AreaGap())
}

func TestRefineCalculatorFailureFailsGroup(t *testing.T) {
	f := newFixture(t, 2)
	f.put(t, "masks", "user/mask.png", "mask")
	f.factory.err = errors.New("cannot build")

	var matches []*model.MatchResult
	for i := 0; i < 10; i++ {
		matches = append(matches, f.candidate(t, fmt.Sprintf("c%d", i), 10, 1))
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.agg.Refine(context.Background(), testMask, matches)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot build")
	case <-time.After(5 * time.Second):
		t.Fatal("refine did not resolve after calculator failure")
	}
	for _, m := range matches {
		assert.Nil(t, m.GradientAreaGap)
	}
}

func TestRefineMissingMaskFailsGroup(t *testing.T) {
	f := newFixture(t, 4)
	a := f.candidate(t, "a", 100, 5)

	_, err := f.agg.Refine(context.Background(), testMask, []*model.MatchResult{a})
	assert.ErrorIs(t, err, ErrMaskNotFound)
}

func TestRefineLoaderExhaustionFailsGroup(t *testing.T) {
	f := newFixture(t, 4)
	f.put(t, "masks", "user/mask.png", "mask")
	a := f.candidate(t, "a", 100, 5)
	b := f.candidate(t, "b", 100, 5)
	f.store.fail[b.Target.ImageName] = true

	_, err := f.agg.Refine(context.Background(), testMask, []*model.MatchResult{a, b})
	assert.ErrorIs(t, err, loader.ErrExhausted)
}

func TestRefineCalculationErrorIsSentinel(t *testing.T) {
	f := newFixture(t, 4)
	f.put(t, "masks", "user/mask.png", "mask")
	a := f.candidate(t, "a", 100, 5)
	f.put(t, "gradients", "AS/Lib/grad/a.png", "bad")

	_, err := f.agg.Refine(context.Background(), testMask, []*model.MatchResult{a})
	require.NoError(t, err)
	assert.Equal(t, model.NoAreaGap, a.AreaGap())
}

func TestRefinePoolIsShared(t *testing.T) {
	f := newFixture(t, 3)
	var inFlight, maxSeen atomic.Int32
	f.factory.calc = &fakeCalculator{inFlight: &inFlight, maxSeen: &maxSeen, delay: 5 * time.Millisecond}
	f.put(t, "masks", "user/mask.png", "mask")

	groups := make([][]*model.MatchResult, 3)
	for g := range groups {
		for i := 0; i < 6; i++ {
			groups[g] = append(groups[g], f.candidate(t, fmt.Sprintf("g%dc%d", g, i), 10, i))
		}
	}

	var wg sync.WaitGroup
	for _, matches := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.agg.Refine(context.Background(), testMask, matches)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(3))
	assert.Positive(t, maxSeen.Load())
}

func TestNormalize(t *testing.T) {
	gap := func(v int64) *model.MatchResult {
		m := &model.MatchResult{MatchingPixels: 10}
		m.SetAreaGap(v)
		return m
	}

	t.Run("all gaps zero", func(t *testing.T) {
		ms := []*model.MatchResult{gap(0), gap(0)}
		Normalize(ms, testScore)
		for _, m := range ms {
			assert.Nil(t, m.NormalizedGapScore)
		}
	})

	t.Run("all incomputable", func(t *testing.T) {
		ms := []*model.MatchResult{gap(-1), gap(-1)}
		Normalize(ms, testScore)
		for _, m := range ms {
			assert.Nil(t, m.NormalizedGapScore)
		}
	})

	t.Run("zero gap is scored", func(t *testing.T) {
		ms := []*model.MatchResult{gap(0), gap(8), gap(-1)}
		Normalize(ms, testScore)
		require.NotNil(t, ms[0].NormalizedGapScore)
		assert.InDelta(t, 100.0, *ms[0].NormalizedGapScore, 1e-9)
		require.NotNil(t, ms[1].NormalizedGapScore)
		assert.Nil(t, ms[2].NormalizedGapScore)
	})

	t.Run("no matching pixels", func(t *testing.T) {
		ms := []*model.MatchResult{{MatchingPixels: 0}}
		ms[0].SetAreaGap(3)
		Normalize(ms, testScore)
		assert.Nil(t, ms[0].NormalizedGapScore)
	})
}

func TestSelect(t *testing.T) {
	result := func(name, sample string, pixels int) model.MatchResult {
		return model.MatchResult{
			Target:         model.ImageRecord{ID: fmt.Sprintf("%s-%s-%d", name, sample, pixels), PublishedName: name, SlideCode: sample},
			MatchingPixels: pixels,
		}
	}
	groups := []model.MaskMatches{{
		Mask: testMask,
		Results: []model.MatchResult{
			result("A", "s1", 90),
			result("B", "s1", 80),
			result("A", "s1", 70),
			result("A", "s2", 60),
			result("C", "s1", 50),
			result("A", "s3", 40),
			result("A", "s1", 30),
		},
	}}

	ids := func(sel []Selection) []string {
		var out []string
		for _, m := range sel[0].Matches {
			out = append(out, m.Target.ID)
		}
		return out
	}

	sel := Select(groups, model.RankLimits{PublishedNames: 2, SamplesPerName: 2, MatchesPerSample: 1})
	assert.Equal(t, []string{"A-s1-90", "B-s1-80", "A-s2-60"}, ids(sel))
	assert.Equal(t, "mask", sel[0].Matches[0].Mask.ID)

	sel = Select(groups, model.RankLimits{})
	assert.Len(t, sel[0].Matches, 7, "zero limits select everything")

	assert.Empty(t, Select([]model.MaskMatches{{Mask: testMask}}, model.RankLimits{}))
}

func TestSort(t *testing.T) {
	scored := func(id string, score float64, pixels int) *model.MatchResult {
		m := &model.MatchResult{Target: model.ImageRecord{ID: id}, MatchingPixels: pixels}
		m.SetNormalizedGapScore(score)
		return m
	}
	unscored := &model.MatchResult{Target: model.ImageRecord{ID: "none"}, MatchingPixels: 1000}
	ms := []*model.MatchResult{unscored, scored("low", 1, 10), scored("high", 9, 5), scored("tie", 1, 20)}

	Sort(ms)

	var got []string
	for _, m := range ms {
		got = append(got, m.Target.ID)
	}
	assert.Equal(t, []string{"high", "tie", "low", "none"}, got)
}

func TestJobRun(t *testing.T) {
	f := newFixture(t, 4)
	f.put(t, "masks", "user/mask.png", "mask")

	a := f.candidate(t, "a", 100, 40)
	b := f.candidate(t, "b", 150, 10)
	c := f.candidate(t, "c", 120, -1)
	for _, m := range []*model.MatchResult{a, b, c} {
		m.Mask = testMask
	}
	ctx := context.Background()
	require.NoError(t, results.Write(ctx, f.store.ObjectStore, "results", "job/results.json",
		results.FromMatches([]*model.MatchResult{a, b, c})))

	job := &Job{Aggregator: f.agg}
	n, err := job.Run(ctx, model.GradientParameters{
		MasksBucket:             "masks",
		ResultsBucket:           "results",
		ResultsKeyNoGradScore:   "job/results.json",
		ResultsKeyWithGradScore: "job/results_grad.json",
		GradientsBucket:         "gradients",
		GradientsSuffix:         "grad",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	doc, err := results.Read(ctx, f.store.ObjectStore.Get, "results", "job/results_grad.json")
	require.NoError(t, err)
	require.Len(t, doc.Results, 3)
	assert.Equal(t, "mask", doc.MaskID)
	assert.Equal(t, "b", doc.Results[0].Target.ID, "smallest gap with most pixels ranks first")
	assert.Equal(t, "c", doc.Results[2].Target.ID, "unscored match ranks last")
	assert.Equal(t, model.NoAreaGap, doc.Results[2].AreaGap())
}

func TestJobRunWithoutInput(t *testing.T) {
	f := newFixture(t, 4)
	job := &Job{Aggregator: f.agg}
	n, err := job.Run(context.Background(), model.GradientParameters{
		MasksBucket:           "masks",
		ResultsBucket:         "results",
		ResultsKeyNoGradScore: "missing.json",
		GradientsBucket:       "gradients",
	})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAncillaryKey(t *testing.T) {
	assert.Equal(t, "AS/Lib/grad/img.png", AncillaryKey("AS/Lib/searchable_neurons/img.tif", "grad"))
	assert.Equal(t, "AS/Lib/zgap/0/img_1.png", AncillaryKey("AS/Lib/searchable_neurons/0/img_1.v2.tif", "zgap"))
}

func TestBucketFromURL(t *testing.T) {
	assert.Equal(t, "library", BucketFromURL("https://s3.amazonaws.com/library/AS/Lib/img.png"))
	assert.Equal(t, "", BucketFromURL(""))
	assert.Equal(t, "", BucketFromURL("://bad"))
}

func TestCell(t *testing.T) {
	c := newCell[int]()

	var wg sync.WaitGroup
	got := make([]int, 5)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.wait(context.Background())
			assert.NoError(t, err)
			got[i] = v
		}()
	}
	c.set(7, nil)
	c.set(9, errors.New("ignored"))
	wg.Wait()

	assert.Equal(t, []int{7, 7, 7, 7, 7}, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newCell[int]().wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
