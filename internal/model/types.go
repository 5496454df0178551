// Package model holds the records shared by the planner, the search worker and
// the gradient aggregator.
package model

import (
	"fmt"
	"path"
)

// NoAreaGap marks a gradient area gap that could not be computed because a
// companion image was missing. Zero is a valid computed gap.
const NoAreaGap int64 = -1

// ImageRecord describes one image derived from its storage key.
// Mask records only carry the identity and path fields.
type ImageRecord struct {
	ID             string `json:"id"`
	StoragePath    string `json:"cdmPath,omitempty"`
	ImageName      string `json:"imageName"`
	ImageURL       string `json:"imageURL,omitempty"`
	ThumbnailURL   string `json:"thumbnailURL,omitempty"`
	LibraryName    string `json:"libraryName,omitempty"`
	AlignmentSpace string `json:"alignmentSpace,omitempty"`
	PublishedName  string `json:"publishedName,omitempty"`
	SlideCode      string `json:"slideCode,omitempty"`
	Gender         string `json:"gender,omitempty"`
	Objective      string `json:"objective,omitempty"`
	AnatomicalArea string `json:"anatomicalArea,omitempty"`
	Channel        string `json:"channel,omitempty"`
}

// MatchResult is the outcome of comparing one mask with one target.
// The gap fields are filled in later by the gradient aggregator.
type MatchResult struct {
	Mask               ImageRecord `json:"-"`
	Target             ImageRecord `json:"image"`
	MatchingPixels     int         `json:"matchingPixels"`
	MatchingRatio      float64     `json:"matchingRatio"`
	Mirrored           bool        `json:"mirrored,omitempty"`
	IsMatch            bool        `json:"-"`
	IsError            bool        `json:"-"`
	GradientAreaGap    *int64      `json:"gradientAreaGap,omitempty"`
	NormalizedGapScore *float64    `json:"normalizedGapScore,omitempty"`
}

// SetAreaGap records the computed gradient area gap (or NoAreaGap).
func (r *MatchResult) SetAreaGap(gap int64) {
	r.GradientAreaGap = &gap
}

// AreaGap returns the recorded gap, or NoAreaGap when none was recorded.
func (r *MatchResult) AreaGap() int64 {
	if r.GradientAreaGap == nil {
		return NoAreaGap
	}
	return *r.GradientAreaGap
}

// SetNormalizedGapScore records the normalized gap score.
func (r *MatchResult) SetNormalizedGapScore(score float64) {
	r.NormalizedGapScore = &score
}

// MaskMatches groups the matches found for a single mask.
type MaskMatches struct {
	Mask    ImageRecord   `json:"maskImage"`
	Results []MatchResult `json:"results"`
}

// Attach copies the group's mask record into every result. Results decoded
// from JSON do not carry their mask.
func (m *MaskMatches) Attach() {
	for i := range m.Results {
		m.Results[i].Mask = m.Mask
	}
}

// Range is a half-open [Start, End) index range over the flattened target list.
type Range struct {
	Start int `json:"startIndex"`
	End   int `json:"endIndex"`
}

// Len returns the number of indexes in the range.
func (r Range) Len() int {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d-%d)", r.Start, r.End)
}

// Target is one library image plus its optional companion variant keys.
// An empty variant key means the variant folder is not configured.
type Target struct {
	Key         string `json:"key"`
	GradientKey string `json:"gradientKey,omitempty"`
	ZGapKey     string `json:"zgapKey,omitempty"`
}

// BatchJob is the unit of work handed to one worker invocation. The range
// is flattened into startIndex and endIndex on the wire.
type BatchJob struct {
	JobID   string `json:"jobId"`
	BatchID int    `json:"batchId"`
	Range
	Parameters   SearchParameters `json:"searchParameters"`
	OutputBucket string           `json:"outputBucket,omitempty"`
	OutputPrefix string           `json:"outputPrefix,omitempty"`
}

// BatchKey returns the object key of the batch output under the job prefix.
func (j BatchJob) BatchKey() string {
	return path.Join(j.OutputPrefix, fmt.Sprintf("batch_%04d.json", j.BatchID))
}
