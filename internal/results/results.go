// Package results reads and writes persisted match sets.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

const contentType = "application/json"

// Entry is one persisted match with its mask.
type Entry struct {
	Mask model.ImageRecord `json:"maskImage"`
	*model.MatchResult
}

// Document is the persisted form of a match set. MaskID is set when every
// entry belongs to the same mask.
type Document struct {
	MaskID  string  `json:"maskId,omitempty"`
	Results []Entry `json:"results"`
}

// Flatten builds a document from per-mask groups, keeping group order.
func Flatten(groups []model.MaskMatches) Document {
	var matches []*model.MatchResult
	for gi := range groups {
		g := &groups[gi]
		for i := range g.Results {
			g.Results[i].Mask = g.Mask
			matches = append(matches, &g.Results[i])
		}
	}
	return FromMatches(matches)
}

// FromMatches builds a document from matches in the given order.
func FromMatches(matches []*model.MatchResult) Document {
	doc := Document{Results: make([]Entry, 0, len(matches))}
	masks := make(map[string]struct{})
	for _, m := range matches {
		doc.Results = append(doc.Results, Entry{Mask: m.Mask, MatchResult: m})
		masks[m.Mask.ID] = struct{}{}
	}
	if len(masks) == 1 {
		doc.MaskID = doc.Results[0].Mask.ID
	}
	return doc
}

// Groups regroups the document per mask, in order of first appearance.
func (d Document) Groups() []model.MaskMatches {
	var out []model.MaskMatches
	index := make(map[string]int)
	for _, e := range d.Results {
		if e.MatchResult == nil {
			continue
		}
		r := *e.MatchResult
		r.Mask = e.Mask
		r.IsMatch = true

		i, ok := index[e.Mask.ID]
		if !ok {
			i = len(out)
			index[e.Mask.ID] = i
			out = append(out, model.MaskMatches{Mask: e.Mask})
		}
		out[i].Results = append(out[i].Results, r)
	}
	return out
}

// Read loads a document. An absent object returns storage.ErrNotFound.
func Read(ctx context.Context, get func(ctx context.Context, bucket, key string) ([]byte, error), bucket, key string) (Document, error) {
	data, err := get(ctx, bucket, key)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode results %s/%s: %w", bucket, key, err)
	}
	return doc, nil
}

// Write stores a document atomically.
func Write(ctx context.Context, store storage.ObjectStore, bucket, key string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := storage.PutAtomic(ctx, store, bucket, key, data, contentType); err != nil {
		return fmt.Errorf("write results %s/%s: %w", bucket, key, err)
	}
	return nil
}

// MarshalGroups encodes per-mask groups, the payload of a batch.
func MarshalGroups(groups []model.MaskMatches) ([]byte, error) {
	nonEmpty := slices.DeleteFunc(slices.Clone(groups), func(g model.MaskMatches) bool {
		return len(g.Results) == 0
	})
	if nonEmpty == nil {
		nonEmpty = []model.MaskMatches{}
	}
	return json.Marshal(nonEmpty)
}

// UnmarshalGroups decodes a batch payload and attaches masks to results.
func UnmarshalGroups(data []byte) ([]model.MaskMatches, error) {
	var groups []model.MaskMatches
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("decode batch results: %w", err)
	}
	for i := range groups {
		groups[i].Attach()
		for j := range groups[i].Results {
			groups[i].Results[j].IsMatch = true
		}
	}
	return groups, nil
}
