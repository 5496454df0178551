// Package kernel is a reference implementation of the comparison and area gap
// kernels. Images are handled as flat arrays of 8-bit intensities; decoding
// happens upstream.
package kernel

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-cds-search/internal/gradient"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/search"
)

// ErrEmptyMask is returned for masks without any pixel above the threshold.
var ErrEmptyMask = errors.New("mask has no signal above threshold")

const (
	algorithmPlain    = "cdm"
	algorithmGradient = "cdm_gradient"
)

// Factory builds comparators for one batch.
type Factory struct {
	tol          model.Tolerances
	withGradient bool
}

// NewFactory selects the comparison strategy for a batch.
func NewFactory(tol model.Tolerances) *Factory {
	return &Factory{tol: tol, withGradient: tol.WithGradientScores}
}

// Name reports the selected strategy.
func (f *Factory) Name() string {
	if f.withGradient {
		return algorithmGradient
	}
	return algorithmPlain
}

// NewComparator prepares a mask for comparison.
func (f *Factory) NewComparator(mask []byte, threshold int) (search.Comparator, error) {
	m, err := newMask(mask, threshold, f.tol.MirrorMask)
	if err != nil {
		return nil, err
	}
	plain := &comparator{mask: m, tol: f.tol}
	if f.withGradient {
		return &gradientComparator{comparator: plain}, nil
	}
	return plain, nil
}

// mask holds the signal positions of a mask and their mirrored counterparts.
type mask struct {
	data      []byte
	threshold int
	positions []int
	mirrored  []int
	first     int
	last      int
}

func newMask(data []byte, threshold int, mirror bool) (*mask, error) {
	m := &mask{data: data, threshold: threshold, first: -1}
	for i, v := range data {
		if int(v) > threshold {
			m.positions = append(m.positions, i)
		}
	}
	if len(m.positions) == 0 {
		return nil, ErrEmptyMask
	}
	m.first, m.last = m.positions[0], m.positions[len(m.positions)-1]
	if mirror {
		// mirrored[k] is the mirror image of positions[k], so it is descending
		n := len(data)
		m.mirrored = make([]int, len(m.positions))
		for k, pos := range m.positions {
			m.mirrored[k] = n - 1 - pos
		}
		m.first = min(m.first, m.mirrored[len(m.mirrored)-1])
		m.last = max(m.last, m.mirrored[0])
	}
	return m, nil
}

// comparator counts mask signal pixels matched by target pixels of similar
// intensity, within xyShift positions.
type comparator struct {
	mask *mask
	tol  model.Tolerances
}

func (c *comparator) RequiredVariants() []search.VariantKind {
	return nil
}

func (c *comparator) Window() (int64, int64) {
	shift := c.tol.XYShift
	start := max(c.mask.first-shift, 0)
	end := min(c.mask.last+shift+1, len(c.mask.data))
	return int64(start), int64(end)
}

func (c *comparator) Score(target []byte, _ search.VariantSource) (search.Score, error) {
	return c.score(target, nil, nil)
}

// score compares the target window with the mask. nearMiss, when set, admits
// positions the target does not match directly; allowed, when set, limits the
// positions considered.
func (c *comparator) score(target []byte, nearMiss func(pos int) bool, allowed func(pos int) bool) (search.Score, error) {
	start, _ := c.Window()
	off := int(start)

	count := func(positions []int) int {
		n := 0
		for k, pos := range positions {
			if allowed != nil && !allowed(pos) {
				continue
			}
			ref := c.mask.data[c.mask.positions[k]]
			if c.matchesNear(target, off, pos, ref) || (nearMiss != nil && nearMiss(pos)) {
				n++
			}
		}
		return n
	}

	pixels := count(c.mask.positions)
	mirrored := false
	if c.mask.mirrored != nil {
		if mp := count(c.mask.mirrored); mp > pixels {
			pixels, mirrored = mp, true
		}
	}
	return search.Score{
		MatchingPixels: pixels,
		MatchingRatio:  float64(pixels) / float64(len(c.mask.positions)),
		Mirrored:       mirrored,
	}, nil
}

func (c *comparator) matchesNear(target []byte, off, pos int, ref byte) bool {
	tolerance := c.tol.PixColorFluctuation / 100 * 255
	for p := pos - c.tol.XYShift; p <= pos+c.tol.XYShift; p++ {
		i := p - off
		if i < 0 || i >= len(target) {
			continue
		}
		v := int(target[i])
		if v <= c.tol.DataThreshold {
			continue
		}
		if diff := float64(absInt(v - int(ref))); diff <= tolerance {
			return true
		}
	}
	return false
}

// gradientComparator also reads the gradient and z-gap companions. Positions
// within negativeRadius of target signal in the gradient map count as matched,
// and a z-gap mask, when present, limits the positions considered.
type gradientComparator struct {
	*comparator
}

func (c *gradientComparator) RequiredVariants() []search.VariantKind {
	return []search.VariantKind{search.VariantGradient, search.VariantZGap}
}

func (c *gradientComparator) Score(target []byte, variants search.VariantSource) (search.Score, error) {
	grad, err := variants(search.VariantGradient)
	if err != nil {
		return search.Score{}, fmt.Errorf("gradient variant: %w", err)
	}
	zgap, err := variants(search.VariantZGap)
	if err != nil {
		return search.Score{}, fmt.Errorf("z-gap variant: %w", err)
	}

	var nearMiss, allowed func(int) bool
	if grad != nil {
		nearMiss = func(pos int) bool {
			return pos < len(grad) && int(grad[pos]) <= c.tol.NegativeRadius
		}
	}
	if zgap != nil {
		allowed = func(pos int) bool {
			return pos < len(zgap) && zgap[pos] > 0
		}
	}
	return c.score(target, nearMiss, allowed)
}

// Calculator computes the gradient area gap of one mask.
type Calculator struct {
	mask           *mask
	negativeRadius int
}

// CalculatorFactory builds area gap calculators.
type CalculatorFactory struct{}

// NewCalculator prepares a mask for area gap computations.
func (CalculatorFactory) NewCalculator(maskData []byte, s model.GradientSettings) (gradient.Calculator, error) {
	m, err := newMask(maskData, s.MaskThreshold, s.MirrorMask)
	if err != nil {
		return nil, err
	}
	return &Calculator{mask: m, negativeRadius: s.NegativeRadius}, nil
}

// AreaGap sums, over mask signal not covered by the target, the gradient
// distance to the nearest target signal capped at negativeRadius, plus the
// target signal outside the mask that the z-gap mask does not excuse. The
// smaller of the plain and mirrored gap is returned.
func (c *Calculator) AreaGap(target, grad, zgap []byte) (int64, error) {
	if len(grad) == 0 {
		return 0, errors.New("empty gradient image")
	}
	gap := c.gap(target, grad, zgap, c.mask.positions)
	if c.mask.mirrored != nil {
		gap = min(gap, c.gap(target, grad, zgap, c.mask.mirrored))
	}
	return gap, nil
}

func (c *Calculator) gap(target, grad, zgap []byte, positions []int) int64 {
	threshold := c.mask.threshold
	covered := make(map[int]struct{}, len(positions))

	var gap int64
	for _, pos := range positions {
		covered[pos] = struct{}{}
		if pos < len(target) && int(target[pos]) > threshold {
			continue
		}
		d := c.negativeRadius
		if pos < len(grad) {
			d = min(int(grad[pos]), c.negativeRadius)
		}
		gap += int64(d)
	}
	for i, v := range target {
		if int(v) <= threshold {
			continue
		}
		if _, ok := covered[i]; ok {
			continue
		}
		if zgap != nil && i < len(zgap) && zgap[i] > 0 {
			continue
		}
		gap++
	}
	return gap
}

// AreaGapScore normalizes a gap against the group maxima. Higher is better.
func AreaGapScore(gap, maxGap int64, pixels int, ratio float64, maxPixels int) float64 {
	if pixels == 0 || ratio == 0 || maxPixels == 0 {
		return 0
	}
	normGap := float64(gap) / float64(maxGap) * 2.5
	return float64(pixels) / float64(maxPixels) / max(normGap, 0.002) * 100
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

var (
	_ search.ComparatorFactory = (*Factory)(nil)
	_ gradient.Calculator      = (*Calculator)(nil)
)
