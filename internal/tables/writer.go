package tables

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
)

// RowsFromGroups flattens per-mask groups into rows, keeping the order of
// results within each group.
func RowsFromGroups(jobID string, groups []model.MaskMatches, exportedAt time.Time) []MatchRow {
	var rows []MatchRow
	for _, g := range groups {
		for i, r := range g.Results {
			t := r.Target
			rows = append(rows, MatchRow{
				JobID:              jobID,
				MaskID:             g.Mask.ID,
				ImageID:            t.ID,
				MaskPath:           g.Mask.StoragePath,
				ImagePath:          t.StoragePath,
				ImageURL:           t.ImageURL,
				ThumbnailURL:       t.ThumbnailURL,
				LibraryName:        t.LibraryName,
				AlignmentSpace:     t.AlignmentSpace,
				PublishedName:      t.PublishedName,
				SlideCode:          t.SlideCode,
				Gender:             t.Gender,
				Objective:          t.Objective,
				AnatomicalArea:     t.AnatomicalArea,
				Channel:            t.Channel,
				MatchingPixels:     int32(r.MatchingPixels),
				MatchingRatio:      r.MatchingRatio,
				Mirrored:           r.Mirrored,
				GradientAreaGap:    r.GradientAreaGap,
				NormalizedGapScore: r.NormalizedGapScore,
				Rank:               int32(i),
				ExportedAt:         exportedAt.UTC(),
			})
		}
	}
	return rows
}

// WriteMatches encodes rows as a parquet file.
func WriteMatches(rows []MatchRow, cfg ParquetConfig) ([]byte, error) {
	var opts []parquet.WriterOption
	switch cfg.Compression {
	case "snappy":
		opts = append(opts, parquet.Compression(&parquet.Snappy))
	case "zstd", "":
		opts = append(opts, parquet.Compression(&parquet.Zstd))
	case "gzip":
		opts = append(opts, parquet.Compression(&parquet.Gzip))
	case "none":
	default:
		return nil, fmt.Errorf("unknown parquet compression: %s", cfg.Compression)
	}

	var buf bytes.Buffer
	w := parquet.NewGenericWriter[MatchRow](&buf, opts...)
	if _, err := w.Write(rows); err != nil {
		w.Close()
		return nil, fmt.Errorf("write %s rows: %w", MatchRow{}.TableName(), err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close %s writer: %w", MatchRow{}.TableName(), err)
	}
	return buf.Bytes(), nil
}

// ReadMatches decodes a parquet file written by WriteMatches.
func ReadMatches(data []byte) ([]MatchRow, error) {
	rows, err := parquet.Read[MatchRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read %s rows: %w", MatchRow{}.TableName(), err)
	}
	return rows, nil
}

// ComputeChecksum returns the "sha256:"-prefixed digest recorded for an
// exported file.
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
