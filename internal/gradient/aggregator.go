// Package gradient refines prior matches with a gradient area gap score.
package gradient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/metrics"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

// DefaultPoolSize bounds the concurrent calculator and candidate tasks.
const DefaultPoolSize = 4

// ErrMaskNotFound is returned when the mask of a group cannot be loaded.
var ErrMaskNotFound = errors.New("mask image not found")

// Calculator computes the area gap between one mask and a target. It must be
// safe for concurrent use once built.
type Calculator interface {
	AreaGap(target, gradient, zgap []byte) (int64, error)
}

// CalculatorFactory builds a Calculator from a mask image.
type CalculatorFactory interface {
	NewCalculator(mask []byte, settings model.GradientSettings) (Calculator, error)
}

// ScoreFunc normalizes one gap against the group maxima.
type ScoreFunc func(gap, maxGap int64, pixels int, ratio float64, maxPixels int) float64

// Config locates the images the aggregator reads.
type Config struct {
	MasksBucket     string
	GradientsBucket string
	GradientsSuffix string
	ZGapsBucket     string
	ZGapsSuffix     string
	Settings        model.GradientSettings
	PoolSize        int
}

// ConfigFromParameters builds the aggregator config of a refinement run.
func ConfigFromParameters(p model.GradientParameters, poolSize int) Config {
	return Config{
		MasksBucket:     p.MasksBucket,
		GradientsBucket: p.GradientsBucket,
		GradientsSuffix: p.GradientsSuffix,
		ZGapsBucket:     p.ZGapsBucket,
		ZGapsSuffix:     p.ZGapsSuffix,
		Settings:        p.Settings(),
		PoolSize:        poolSize,
	}
}

// Aggregator computes gap scores. All Refine calls on one Aggregator share a
// pool of cfg.PoolSize slots.
type Aggregator struct {
	loader  *loader.Loader
	factory CalculatorFactory
	score   ScoreFunc
	cfg     Config
	pool    *semaphore.Weighted
	log     *slog.Logger
}

// NewAggregator creates an aggregator for one refinement run.
func NewAggregator(l *loader.Loader, factory CalculatorFactory, score ScoreFunc, cfg Config) *Aggregator {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = DefaultPoolSize
	}
	return &Aggregator{
		loader:  l,
		factory: factory,
		score:   score,
		cfg:     cfg,
		pool:    semaphore.NewWeighted(int64(cfg.PoolSize)),
		log:     slog.With("component", "gradient"),
	}
}

// Refine sets the area gap of every match of one mask, then the normalized
// score of those with a computable gap. The matches are updated in place and
// returned.
//
// The calculator is built once and shared by all candidates. If it cannot be
// built, or a candidate hits a loader error other than an absent object, the
// whole group fails.
func (a *Aggregator) Refine(ctx context.Context, mask model.ImageRecord, matches []*model.MatchResult) ([]*model.MatchResult, error) {
	start := time.Now()
	log := a.log.With("mask", mask.ID, "candidates", len(matches))

	g, gctx := errgroup.WithContext(ctx)
	calc := newCell[Calculator]()

	g.Go(func() error {
		c, err := a.buildCalculator(gctx, mask)
		calc.set(c, err)
		return err
	})

	for _, m := range matches {
		g.Go(func() error {
			c, err := calc.wait(gctx)
			if err != nil {
				return err
			}
			gap, err := a.candidateGap(gctx, c, m)
			if err != nil {
				return err
			}
			m.SetAreaGap(gap)
			return nil
		})
	}

	outcome := "ok"
	defer func() {
		if m := metrics.Get(); m != nil {
			m.ObserveRefineDuration(metrics.Labels{Outcome: outcome}, time.Since(start).Seconds())
		}
	}()

	if err := g.Wait(); err != nil {
		outcome = "failed"
		log.Error("gradient refinement failed", "error", err)
		return nil, fmt.Errorf("refine mask %s: %w", mask.ID, err)
	}

	Normalize(matches, a.score)
	log.Info("gradient refinement done", "duration_ms", time.Since(start).Milliseconds())
	return matches, nil
}

func (a *Aggregator) buildCalculator(ctx context.Context, mask model.ImageRecord) (Calculator, error) {
	release, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	data, err := a.loader.LoadFull(ctx, a.cfg.MasksBucket, mask.ImageName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrMaskNotFound, a.cfg.MasksBucket, mask.ImageName)
	}
	if err != nil {
		return nil, fmt.Errorf("load mask: %w", err)
	}

	c, err := a.factory.NewCalculator(data, a.cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("build calculator: %w", err)
	}
	return c, nil
}

// candidateGap computes the gap of one match, or model.NoAreaGap when the
// target or its gradient is absent.
func (a *Aggregator) candidateGap(ctx context.Context, c Calculator, m *model.MatchResult) (int64, error) {
	release, err := a.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	log := a.log.With("target", m.Target.ImageName)

	bucket := BucketFromURL(m.Target.ImageURL)
	if bucket == "" {
		log.Warn("cannot locate target image", "image_url", m.Target.ImageURL)
		a.incomputable("no_image_url")
		return model.NoAreaGap, nil
	}

	target, err := a.optional(func() ([]byte, error) {
		return a.loader.LoadFull(ctx, bucket, m.Target.ImageName)
	})
	if err != nil {
		return 0, fmt.Errorf("load target %s: %w", m.Target.ImageName, err)
	}
	if target == nil {
		a.incomputable("target_missing")
		return model.NoAreaGap, nil
	}

	gradientKey := AncillaryKey(m.Target.ImageName, a.cfg.GradientsSuffix)
	grad, err := a.optional(func() ([]byte, error) {
		return a.loader.LoadFull(ctx, a.cfg.GradientsBucket, gradientKey)
	})
	if err != nil {
		return 0, fmt.Errorf("load gradient %s: %w", gradientKey, err)
	}
	if grad == nil {
		log.Debug("gradient not found", "key", gradientKey)
		a.incomputable("gradient_missing")
		return model.NoAreaGap, nil
	}

	var zgap []byte
	if a.cfg.ZGapsBucket != "" {
		zgap, _, err = a.loader.LoadFirstMatching(ctx, a.cfg.ZGapsBucket, AncillaryKey(m.Target.ImageName, a.cfg.ZGapsSuffix), "png", "tif")
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("load z-gap: %w", err)
		}
	}

	gap, err := c.AreaGap(target, grad, zgap)
	if err != nil {
		log.Warn("area gap calculation failed", "error", err)
		a.incomputable("calculation_error")
		return model.NoAreaGap, nil
	}
	if mt := metrics.Get(); mt != nil {
		mt.IncGradientCandidates(metrics.Labels{Outcome: "computed"})
	}
	return gap, nil
}

// optional maps an absent object to nil data.
func (a *Aggregator) optional(load func() ([]byte, error)) ([]byte, error) {
	data, err := load()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (a *Aggregator) acquire(ctx context.Context) (func(), error) {
	if err := a.pool.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if m := metrics.Get(); m != nil {
		m.AggregatorInFlight.Inc()
	}
	return func() {
		if m := metrics.Get(); m != nil {
			m.AggregatorInFlight.Dec()
		}
		a.pool.Release(1)
	}, nil
}

func (a *Aggregator) incomputable(reason string) {
	if m := metrics.Get(); m != nil {
		m.IncIncomputableGaps(metrics.Labels{Reason: reason})
		m.IncGradientCandidates(metrics.Labels{Outcome: "incomputable"})
	}
}

// Normalize sets the normalized gap score of every match with a computable
// gap, relative to the group's largest gap and matching pixel count. Nothing
// is set unless both maxima are positive.
func Normalize(matches []*model.MatchResult, score ScoreFunc) {
	maxPixels := 0
	maxGap := model.NoAreaGap
	for _, m := range matches {
		maxPixels = max(maxPixels, m.MatchingPixels)
		if gap := m.AreaGap(); gap >= 0 {
			maxGap = max(maxGap, gap)
		}
	}
	if maxGap <= 0 || maxPixels <= 0 {
		return
	}
	for _, m := range matches {
		gap := m.AreaGap()
		if gap < 0 {
			continue
		}
		m.SetNormalizedGapScore(score(gap, maxGap, m.MatchingPixels, m.MatchingRatio, maxPixels))
	}
}

// BucketFromURL returns the first path segment of an image URL of the form
// https://host/<bucket>/<key>.
func BucketFromURL(imageURL string) string {
	u, err := url.Parse(imageURL)
	if err != nil {
		return ""
	}
	bucket, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	return bucket
}

// AncillaryKey maps a searchable image key to the key of a companion image:
// the searchable_neurons folder is replaced with suffix and the extension with
// .png.
func AncillaryKey(imageName, suffix string) string {
	key := strings.ReplaceAll(imageName, "searchable_neurons", suffix)
	return storage.StripExtension(key) + ".png"
}
