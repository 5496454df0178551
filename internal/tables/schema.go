// Package tables defines the columnar export of combined search results.
package tables

import (
	"time"
)

// MatchRow represents a single row in the cds_matches table.
type MatchRow struct {
	// Primary identifier
	JobID   string `parquet:"job_id"`
	MaskID  string `parquet:"mask_id"`
	ImageID string `parquet:"image_id"`

	// Mask
	MaskPath string `parquet:"mask_path"`

	// Matched image
	ImagePath      string `parquet:"image_path"`
	ImageURL       string `parquet:"image_url,optional"`
	ThumbnailURL   string `parquet:"thumbnail_url,optional"`
	LibraryName    string `parquet:"library_name,optional"`
	AlignmentSpace string `parquet:"alignment_space,optional"`
	PublishedName  string `parquet:"published_name,optional"`
	SlideCode      string `parquet:"slide_code,optional"`
	Gender         string `parquet:"gender,optional"`
	Objective      string `parquet:"objective,optional"`
	AnatomicalArea string `parquet:"anatomical_area,optional"`
	Channel        string `parquet:"channel,optional"`

	// Scores
	MatchingPixels     int32    `parquet:"matching_pixels"`
	MatchingRatio      float64  `parquet:"matching_ratio"`
	Mirrored           bool     `parquet:"mirrored"`
	GradientAreaGap    *int64   `parquet:"gradient_area_gap,optional"`
	NormalizedGapScore *float64 `parquet:"normalized_gap_score,optional"`

	// Export metadata
	Rank       int32     `parquet:"rank"` // position within the mask, 0 based
	ExportedAt time.Time `parquet:"exported_at,timestamp(millisecond)"`
}

// TableName returns the canonical table name.
func (MatchRow) TableName() string {
	return "cds_matches"
}

// ParquetConfig configures parquet output generation.
type ParquetConfig struct {
	Compression string // "snappy" | "zstd" | "gzip" | "none"
}

// DefaultParquetConfig returns sensible defaults.
func DefaultParquetConfig() ParquetConfig {
	return ParquetConfig{
		Compression: "zstd",
	}
}

// SchemaVersion returns the version of the schema.
// Increment this when making breaking changes.
const SchemaVersion = "1.0.0"
