package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/metadata"
	"github.com/withObsrvr/obsrvr-cds-search/internal/metrics"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

// Stats summarizes one Search call.
type Stats struct {
	Masks          int
	MasksMissing   int
	Comparisons    int
	Matches        int
	TargetsSkipped int
	// Errors holds the pairs that failed to score. They never reach the
	// returned matches.
	Errors []model.MatchResult
}

// Worker compares masks against targets for one batch.
type Worker struct {
	loader        *loader.Loader
	factory       ComparatorFactory
	isMatch       MatchPredicate
	resolver      *metadata.Resolver
	masksBucket   string
	libraryBucket string
	log           *slog.Logger
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	MasksBucket   string
	LibraryBucket string
	Resolver      *metadata.Resolver
	Predicate     MatchPredicate
	Logger        *slog.Logger
}

// NewWorker creates a worker for one batch.
func NewWorker(l *loader.Loader, factory ComparatorFactory, cfg WorkerConfig) *Worker {
	log := cfg.Logger
	if log == nil {
		log = slog.With("component", "search")
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = metadata.NewResolver(cfg.MasksBucket, cfg.LibraryBucket, "")
	}
	isMatch := cfg.Predicate
	if isMatch == nil {
		isMatch = MinRatioPredicate(model.DefaultMinMatchingPixRatio)
	}
	return &Worker{
		loader:        l,
		factory:       factory,
		isMatch:       isMatch,
		resolver:      resolver,
		masksBucket:   cfg.MasksBucket,
		libraryBucket: cfg.LibraryBucket,
		log:           log,
	}
}

// Search compares every mask with every target and returns the matches
// grouped per mask, one group per mask key in input order.
//
// Absent masks and targets are skipped. A failure while scoring a single pair,
// including a target too short for the comparator's window, is recorded in
// Stats.Errors and does not stop the batch. Loader exhaustion
// and context cancellation abort the search.
func (w *Worker) Search(ctx context.Context, maskKeys []string, thresholds []int, targets []model.Target) ([]model.MaskMatches, Stats, error) {
	var stats Stats
	if len(maskKeys) != len(thresholds) {
		return nil, stats, model.Configf("number of mask thresholds does not match number of masks: %d thresholds, %d masks",
			len(thresholds), len(maskKeys))
	}

	labels := metrics.Labels{Algorithm: w.factory.Name()}
	defer func() {
		if m := metrics.Get(); m != nil {
			m.AddComparisons(labels, float64(stats.Comparisons))
			m.AddMatches(labels, float64(stats.Matches))
			m.AddPairErrors(labels, float64(len(stats.Errors)))
		}
	}()

	out := make([]model.MaskMatches, 0, len(maskKeys))
	for i, maskKey := range maskKeys {
		stats.Masks++
		group, err := w.searchMask(ctx, maskKey, thresholds[i], targets, &stats)
		if err != nil {
			return nil, stats, err
		}
		out = append(out, group)
	}
	return out, stats, nil
}

func (w *Worker) searchMask(ctx context.Context, maskKey string, threshold int, targets []model.Target, stats *Stats) (model.MaskMatches, error) {
	mask := w.resolver.Mask(maskKey)
	group := model.MaskMatches{Mask: mask}
	log := w.log.With("mask", maskKey)

	maskData, err := w.loader.LoadFull(ctx, w.masksBucket, maskKey)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("mask not found, skipping")
		stats.MasksMissing++
		return group, nil
	}
	if err != nil {
		return group, fmt.Errorf("load mask %s: %w", maskKey, err)
	}

	cmp, err := w.factory.NewComparator(maskData, threshold)
	if err != nil {
		return group, fmt.Errorf("build comparator for mask %s: %w", maskKey, err)
	}
	start, end := cmp.Window()
	required := cmp.RequiredVariants()

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return group, err
		}

		data, err := w.loader.LoadRange(ctx, w.libraryBucket, t.Key, start, end)
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug("target not found, skipping", "target", t.Key)
			stats.TargetsSkipped++
			continue
		}
		if errors.Is(err, storage.ErrRangeUnsatisfiable) {
			log.Warn("target shorter than mask window", "target", t.Key, "error", err)
			stats.Comparisons++
			stats.Errors = append(stats.Errors, model.MatchResult{
				Mask:    mask,
				Target:  w.resolver.Target(t.Key),
				IsError: true,
			})
			continue
		}
		if err != nil {
			return group, fmt.Errorf("load target %s: %w", t.Key, err)
		}

		stats.Comparisons++
		result := w.compare(ctx, cmp, mask, t, data, required)
		switch {
		case result.IsError:
			stats.Errors = append(stats.Errors, result)
		case result.IsMatch:
			stats.Matches++
			group.Results = append(group.Results, result)
		}
	}

	log.Info("mask searched", "targets", len(targets), "matches", len(group.Results))
	return group, nil
}

// compare scores one pair. Errors and panics raised by the comparator become
// an error result.
func (w *Worker) compare(ctx context.Context, cmp Comparator, mask model.ImageRecord, t model.Target, data []byte, required []VariantKind) (result model.MatchResult) {
	result = model.MatchResult{
		Mask:   mask,
		Target: w.resolver.Target(t.Key),
	}

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("comparison panicked", "mask", mask.ImageName, "target", t.Key, "panic", r)
			result.IsError = true
			result.IsMatch = false
		}
	}()

	score, err := cmp.Score(data, w.variants(ctx, t, required))
	if err != nil {
		w.log.Error("comparison failed", "mask", mask.ImageName, "target", t.Key, "error", err)
		result.IsError = true
		return result
	}

	result.MatchingPixels = score.MatchingPixels
	result.MatchingRatio = score.MatchingRatio
	result.Mirrored = score.Mirrored
	result.IsMatch = w.isMatch(score)
	return result
}

// variants returns a lazy, memoized source of the target's companion images.
// Kinds the comparator did not declare always resolve to nil.
func (w *Worker) variants(ctx context.Context, t model.Target, required []VariantKind) VariantSource {
	cache := make(map[VariantKind][]byte)
	return func(kind VariantKind) ([]byte, error) {
		if !slices.Contains(required, kind) {
			return nil, nil
		}
		if data, ok := cache[kind]; ok {
			return data, nil
		}

		var key string
		switch kind {
		case VariantGradient:
			key = t.GradientKey
		case VariantZGap:
			key = t.ZGapKey
		}

		data, _, err := w.loader.LoadFirstMatching(ctx, w.libraryBucket, key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		cache[kind] = data
		return data, nil
	}
}
