package gradient

import (
	"cmp"
	"slices"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
)

// Selection is the subset of one mask's matches chosen for refinement.
type Selection struct {
	Mask    model.ImageRecord
	Matches []*model.MatchResult
}

// Select picks, per mask, the best matches of the top published names: at
// most PublishedNames names, SamplesPerName slide codes per name and
// MatchesPerSample matches per slide code. Names and samples are ranked by
// their best matching pixel count. Zero limits are unlimited.
func Select(groups []model.MaskMatches, limits model.RankLimits) []Selection {
	out := make([]Selection, 0, len(groups))
	for gi := range groups {
		g := &groups[gi]
		if len(g.Results) == 0 {
			continue
		}

		ranked := make([]*model.MatchResult, 0, len(g.Results))
		for i := range g.Results {
			g.Results[i].Mask = g.Mask
			ranked = append(ranked, &g.Results[i])
		}
		slices.SortStableFunc(ranked, func(a, b *model.MatchResult) int {
			return cmp.Compare(b.MatchingPixels, a.MatchingPixels)
		})

		var (
			names     []string
			samples   = map[string][]string{}
			perSample = map[[2]string]int{}
			selected  []*model.MatchResult
		)
		for _, m := range ranked {
			name, sample := m.Target.PublishedName, m.Target.SlideCode

			if !slices.Contains(names, name) {
				if within(len(names), limits.PublishedNames) {
					continue
				}
				names = append(names, name)
			}
			if !slices.Contains(samples[name], sample) {
				if within(len(samples[name]), limits.SamplesPerName) {
					continue
				}
				samples[name] = append(samples[name], sample)
			}
			key := [2]string{name, sample}
			if within(perSample[key], limits.MatchesPerSample) {
				continue
			}
			perSample[key]++
			selected = append(selected, m)
		}
		out = append(out, Selection{Mask: g.Mask, Matches: selected})
	}
	return out
}

// within reports whether count has reached a positive limit.
func within(count, limit int) bool {
	return limit > 0 && count >= limit
}

// Sort orders matches by normalized gap score, highest first with unscored
// matches last, then by matching pixels.
func Sort(matches []*model.MatchResult) {
	slices.SortStableFunc(matches, func(a, b *model.MatchResult) int {
		switch {
		case a.NormalizedGapScore != nil && b.NormalizedGapScore != nil:
			if c := cmp.Compare(*b.NormalizedGapScore, *a.NormalizedGapScore); c != 0 {
				return c
			}
		case a.NormalizedGapScore != nil:
			return -1
		case b.NormalizedGapScore != nil:
			return 1
		}
		return cmp.Compare(b.MatchingPixels, a.MatchingPixels)
	})
}
