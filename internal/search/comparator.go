// Package search runs the pairwise comparison of masks against a slice of
// library targets.
package search

import "github.com/withObsrvr/obsrvr-cds-search/internal/model"

// VariantKind names a companion image a comparator may need.
type VariantKind string

const (
	VariantGradient VariantKind = "gradient"
	VariantZGap     VariantKind = "zgap"
)

// VariantSource resolves a companion image of the current target on demand.
// It returns nil data when the variant is absent or not configured.
type VariantSource func(kind VariantKind) ([]byte, error)

// Score is the raw output of one comparison.
type Score struct {
	MatchingPixels int
	MatchingRatio  float64
	Mirrored       bool
}

// Comparator compares one mask against targets. It is built once per mask
// and reused for every target.
type Comparator interface {
	// RequiredVariants lists the companion images Score reads.
	RequiredVariants() []VariantKind

	// Window returns the byte range [start, end) of a target that Score
	// reads; end <= 0 means to the end of the image.
	Window() (start, end int64)

	// Score compares the target bytes within Window with the mask.
	Score(target []byte, variants VariantSource) (Score, error)
}

// ComparatorFactory builds comparators. A factory is chosen once per batch.
type ComparatorFactory interface {
	// Name identifies the comparison algorithm in logs and metrics.
	Name() string

	NewComparator(mask []byte, threshold int) (Comparator, error)
}

// MatchPredicate classifies a score.
type MatchPredicate func(Score) bool

// MinRatioPredicate accepts scores whose matching ratio reaches minPercent,
// expressed as a percentage of the mask pixels.
func MinRatioPredicate(minPercent float64) MatchPredicate {
	min := minPercent / 100
	return func(s Score) bool {
		return s.MatchingPixels > 0 && s.MatchingRatio >= min
	}
}

// PredicateFor builds the match predicate for the batch tolerances.
func PredicateFor(t model.Tolerances) MatchPredicate {
	return MinRatioPredicate(t.MinMatchingPixRatio)
}
