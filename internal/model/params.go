package model

// Default search tolerances applied when a parameter is not supplied.
const (
	DefaultDataThreshold       = 100
	DefaultPixColorFluctuation = 2.0
	DefaultXYShift             = 0
	DefaultMinMatchingPixRatio = 2.0
	DefaultMaskThreshold       = 100
	DefaultNegativeRadius      = 10
)

// SearchParameters is the input of a color depth batch search.
// Optional tolerances are pointers so an explicit zero can be told apart
// from an absent value.
type SearchParameters struct {
	LibraryBucket           string   `json:"libraryBucket" yaml:"library_bucket"`
	LibraryThumbnailsBucket string   `json:"libraryThumbnailsBucket,omitempty" yaml:"library_thumbnails_bucket"`
	Libraries               []string `json:"libraries" yaml:"libraries"`
	GradientsFolders        []string `json:"gradientsFolders,omitempty" yaml:"gradients_folders"`
	ZGapMasksFolders        []string `json:"zgapMasksFolders,omitempty" yaml:"zgap_masks_folders"`
	SearchBucket            string   `json:"searchBucket" yaml:"search_bucket"`
	MasksBucket             string   `json:"masksBucket,omitempty" yaml:"masks_bucket"`
	MaskKeys                []string `json:"maskKeys" yaml:"mask_keys"`
	MaskThresholds          []int    `json:"maskThresholds" yaml:"mask_thresholds"`

	DataThreshold       *int     `json:"dataThreshold,omitempty" yaml:"data_threshold"`
	PixColorFluctuation *float64 `json:"pixColorFluctuation,omitempty" yaml:"pix_color_fluctuation"`
	XYShift             *int     `json:"xyShift,omitempty" yaml:"xy_shift"`
	MirrorMask          *bool    `json:"mirrorMask,omitempty" yaml:"mirror_mask"`
	MinMatchingPixRatio *float64 `json:"minMatchingPixRatio,omitempty" yaml:"min_matching_pix_ratio"`
	NegativeRadius      *int     `json:"negativeRadius,omitempty" yaml:"negative_radius"`
	WithGradientScores  *bool    `json:"withGradientScores,omitempty" yaml:"with_gradient_scores"`
	MaxResultsPerMask   int      `json:"maxResultsPerMask,omitempty" yaml:"max_results_per_mask"`
}

// Tolerances are the comparison settings with defaults applied.
type Tolerances struct {
	DataThreshold       int
	PixColorFluctuation float64
	XYShift             int
	MirrorMask          bool
	MinMatchingPixRatio float64
	NegativeRadius      int
	WithGradientScores  bool
}

// Tolerances resolves the optional comparison settings.
func (p SearchParameters) Tolerances() Tolerances {
	t := Tolerances{
		DataThreshold:       DefaultDataThreshold,
		PixColorFluctuation: DefaultPixColorFluctuation,
		XYShift:             DefaultXYShift,
		MinMatchingPixRatio: DefaultMinMatchingPixRatio,
		NegativeRadius:      DefaultNegativeRadius,
	}
	if p.DataThreshold != nil {
		t.DataThreshold = *p.DataThreshold
	}
	if p.PixColorFluctuation != nil {
		t.PixColorFluctuation = *p.PixColorFluctuation
	}
	if p.XYShift != nil {
		t.XYShift = *p.XYShift
	}
	if p.MirrorMask != nil {
		t.MirrorMask = *p.MirrorMask
	}
	if p.MinMatchingPixRatio != nil {
		t.MinMatchingPixRatio = *p.MinMatchingPixRatio
	}
	if p.NegativeRadius != nil {
		t.NegativeRadius = *p.NegativeRadius
	}
	if p.WithGradientScores != nil {
		t.WithGradientScores = *p.WithGradientScores
	}
	return t
}

// ThumbnailsBucket returns the bucket holding library thumbnails.
func (p SearchParameters) ThumbnailsBucket() string {
	if p.LibraryThumbnailsBucket != "" {
		return p.LibraryThumbnailsBucket
	}
	return p.LibraryBucket
}

// MasksSource returns the bucket holding the masks; masks are uploaded to the
// search bucket unless a dedicated bucket is configured.
func (p SearchParameters) MasksSource() string {
	if p.MasksBucket != "" {
		return p.MasksBucket
	}
	return p.SearchBucket
}

// Validate reports configuration errors that must abort the job before any
// image is loaded.
func (p *SearchParameters) Validate() error {
	if p == nil {
		return Configf("no color depth search parameters")
	}
	if len(p.Libraries) == 0 {
		return Configf("no images to search")
	}
	if len(p.MaskKeys) == 0 {
		return Configf("no masks to search")
	}
	if len(p.MaskThresholds) == 0 {
		return Configf("no mask thresholds specified")
	}
	if len(p.MaskThresholds) != len(p.MaskKeys) {
		return Configf("number of mask thresholds does not match number of masks: %d thresholds, %d masks",
			len(p.MaskThresholds), len(p.MaskKeys))
	}
	return nil
}

// GradientParameters is the input of a gradient score refinement run.
type GradientParameters struct {
	MasksBucket             string `json:"masksBucket"`
	ResultsBucket           string `json:"resultsBucket"`
	ResultsKeyNoGradScore   string `json:"resultsKeyNoGradScore"`
	ResultsKeyWithGradScore string `json:"resultsKeyWithGradScore"`
	GradientsBucket         string `json:"gradientsBucket"`
	GradientsSuffix         string `json:"gradientsSuffix"`
	ZGapsBucket             string `json:"zgapsBucket"`
	ZGapsSuffix             string `json:"zgapsSuffix"`

	MaskThreshold  *int  `json:"maskThreshold,omitempty"`
	NegativeRadius *int  `json:"negativeRadius,omitempty"`
	MirrorMask     *bool `json:"mirrorMask,omitempty"`

	NumberOfPublishedNamesToRank          *int `json:"numberOfPublishedNamesToRank,omitempty"`
	NumberOfSamplesPerPublishedNameToRank *int `json:"numberOfSamplesPerPublishedNameToRank,omitempty"`
	NumberOfMatchesPerSampleToRank        *int `json:"numberOfMatchesPerSampleToRank,omitempty"`
}

// GradientSettings are the refinement settings with defaults applied.
type GradientSettings struct {
	MaskThreshold  int
	NegativeRadius int
	MirrorMask     bool
}

// Settings resolves the optional refinement settings.
func (p GradientParameters) Settings() GradientSettings {
	return GradientSettings{
		MaskThreshold:  intOr(p.MaskThreshold, DefaultMaskThreshold),
		NegativeRadius: intOr(p.NegativeRadius, DefaultNegativeRadius),
		MirrorMask:     p.MirrorMask != nil && *p.MirrorMask,
	}
}

// RankLimits bounds the selection of results that get a gradient score.
// A zero limit means unlimited.
type RankLimits struct {
	PublishedNames   int
	SamplesPerName   int
	MatchesPerSample int
}

// RankLimits returns the configured limits, zero where not configured.
func (p GradientParameters) RankLimits() RankLimits {
	return RankLimits{
		PublishedNames:   intOr(p.NumberOfPublishedNamesToRank, 0),
		SamplesPerName:   intOr(p.NumberOfSamplesPerPublishedNameToRank, 0),
		MatchesPerSample: intOr(p.NumberOfMatchesPerSampleToRank, 0),
	}
}

// Validate checks the locations a refinement run cannot do without.
func (p *GradientParameters) Validate() error {
	if p == nil {
		return Configf("no gradient score parameters")
	}
	if p.ResultsBucket == "" || p.ResultsKeyNoGradScore == "" {
		return Configf("results location is required")
	}
	if p.MasksBucket == "" {
		return Configf("masks bucket is required")
	}
	if p.GradientsBucket == "" {
		return Configf("gradients bucket is required")
	}
	return nil
}

func intOr(v *int, def int) int {
	if v != nil {
		return *v
	}
	return def
}
