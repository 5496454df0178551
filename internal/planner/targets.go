package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/withObsrvr/obsrvr-cds-search/internal/loader"
	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

const (
	keyListName = "keys_denormalized.json"
	countsName  = "counts_denormalized.json"
)

// ErrRangeUnsatisfiable is returned when a batch range extends past the
// targets listed for its libraries.
var ErrRangeUnsatisfiable = errors.New("range exceeds library keys")

// TargetSelector resolves a batch index range to the library images it covers
// using the precomputed key list of every library.
type TargetSelector struct {
	loader *loader.Loader
	shard  string
	log    *slog.Logger
}

// NewTargetSelector creates a selector. A non-empty shard reads the key lists
// from <library>/KEYS/<shard>/.
func NewTargetSelector(l *loader.Loader, shard string) *TargetSelector {
	return &TargetSelector{
		loader: l,
		shard:  shard,
		log:    slog.With("component", "target_selector"),
	}
}

// KeyListKey returns the key of a library's key list.
func (s *TargetSelector) KeyListKey(library string) string {
	if s.shard != "" {
		return path.Join(library, "KEYS", s.shard, keyListName)
	}
	return path.Join(library, keyListName)
}

// Select returns the targets at indexes [start, end) of the concatenated key
// lists of libraries. gradients and zgaps hold the companion folder of each
// library at the same position; missing or empty entries mean the library has
// no such variant.
func (s *TargetSelector) Select(ctx context.Context, bucket string, libraries, gradients, zgaps []string, start, end int) ([]model.Target, error) {
	if start < 0 || end <= start {
		return nil, model.Configf("invalid target range %d-%d", start, end)
	}

	targets := make([]model.Target, 0, end-start)
	index := 0
	for i, library := range libraries {
		keys, err := s.keys(ctx, bucket, library)
		if err != nil {
			return nil, err
		}
		if index+len(keys) <= start {
			index += len(keys)
			continue
		}

		gradientFolder := companion(gradients, i)
		zgapFolder := companion(zgaps, i)
		for _, key := range keys {
			if index >= start {
				targets = append(targets, model.Target{
					Key:         key,
					GradientKey: VariantKey(key, library, gradientFolder),
					ZGapKey:     VariantKey(key, library, zgapFolder),
				})
			}
			index++
			if index >= end {
				return targets, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrRangeUnsatisfiable,
		model.Configf("could not find items %d-%d in library keys, found %d", start, end, index))
}

// CountTargets returns the number of targets of the given libraries. The count
// is read from each library's counts file, or from the length of its key list
// when there is no counts file.
func (s *TargetSelector) CountTargets(ctx context.Context, bucket string, libraries []string) (int, error) {
	total := 0
	for _, library := range libraries {
		n, err := s.count(ctx, bucket, library)
		if err != nil {
			return 0, err
		}
		s.log.Debug("library size", "library", library, "count", n)
		total += n
	}
	return total, nil
}

func (s *TargetSelector) count(ctx context.Context, bucket, library string) (int, error) {
	data, err := s.loader.LoadFull(ctx, bucket, path.Join(library, countsName))
	if errors.Is(err, storage.ErrNotFound) {
		keys, err := s.keys(ctx, bucket, library)
		return len(keys), err
	}
	if err != nil {
		return 0, fmt.Errorf("read counts of %s: %w", library, err)
	}
	var counts struct {
		ObjectCount int `json:"objectCount"`
	}
	if err := json.Unmarshal(data, &counts); err != nil {
		return 0, fmt.Errorf("decode counts of %s: %w", library, err)
	}
	return counts.ObjectCount, nil
}

func (s *TargetSelector) keys(ctx context.Context, bucket, library string) ([]string, error) {
	key := s.KeyListKey(library)
	data, err := s.loader.LoadFull(ctx, bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("no key list for library", "library", library, "key", key)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key list %s: %w", key, err)
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode key list %s: %w", key, err)
	}
	return keys, nil
}

// VariantKey derives the key of a companion image by replacing the library
// folder with the companion folder and dropping the extension. It returns ""
// when there is no companion folder.
func VariantKey(key, library, folder string) string {
	if folder == "" {
		return ""
	}
	return storage.StripExtension(strings.Replace(key, library, folder, 1))
}

func companion(folders []string, i int) string {
	if i < len(folders) {
		return folders[i]
	}
	return ""
}
