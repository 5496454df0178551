package results

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-cds-search/internal/model"
	"github.com/withObsrvr/obsrvr-cds-search/internal/storage"
)

func sampleGroups() []model.MaskMatches {
	return []model.MaskMatches{
		{
			Mask: model.ImageRecord{ID: "m1", ImageName: "m1.png"},
			Results: []model.MatchResult{
				{Target: model.ImageRecord{ID: "t1"}, MatchingPixels: 10, IsMatch: true},
				{Target: model.ImageRecord{ID: "t2"}, MatchingPixels: 5, IsMatch: true},
			},
		},
		{Mask: model.ImageRecord{ID: "empty"}},
		{
			Mask:    model.ImageRecord{ID: "m2", ImageName: "m2.png"},
			Results: []model.MatchResult{{Target: model.ImageRecord{ID: "t3"}, MatchingPixels: 7, IsMatch: true}},
		},
	}
}

func TestFlattenAndRegroup(t *testing.T) {
	doc := Flatten(sampleGroups())
	require.Len(t, doc.Results, 3)
	assert.Empty(t, doc.MaskID, "mixed masks carry no mask id")
	assert.Equal(t, "m1", doc.Results[0].Mask.ID)
	assert.Equal(t, "m2", doc.Results[2].Mask.ID)

	groups := doc.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "m1", groups[0].Mask.ID)
	assert.Len(t, groups[0].Results, 2)
	assert.Equal(t, "m1", groups[0].Results[1].Mask.ID)
}

func TestDocumentJSONShape(t *testing.T) {
	gap := int64(12)
	m := &model.MatchResult{
		Mask:            model.ImageRecord{ID: "m1"},
		Target:          model.ImageRecord{ID: "t1", PublishedName: "LH2453"},
		MatchingPixels:  42,
		GradientAreaGap: &gap,
	}
	data, err := json.Marshal(FromMatches([]*model.MatchResult{m}))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "m1", raw["maskId"])

	entry := raw["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "m1", entry["maskImage"].(map[string]any)["id"])
	assert.Equal(t, "LH2453", entry["image"].(map[string]any)["publishedName"])
	assert.EqualValues(t, 42, entry["matchingPixels"])
	assert.EqualValues(t, 12, entry["gradientAreaGap"])
	assert.NotContains(t, entry, "normalizedGapScore", "unset score is omitted")
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	defer store.Close()

	require.NoError(t, Write(ctx, store, "results", "job/results.json", Flatten(sampleGroups())))

	doc, err := Read(ctx, store.Get, "results", "job/results.json")
	require.NoError(t, err)
	assert.Len(t, doc.Results, 3)

	_, err = Read(ctx, store.Get, "results", "missing.json")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestGroupsPayload(t *testing.T) {
	data, err := MarshalGroups(sampleGroups())
	require.NoError(t, err)

	groups, err := UnmarshalGroups(data)
	require.NoError(t, err)
	require.Len(t, groups, 2, "empty groups are not persisted")
	assert.Equal(t, "m2", groups[1].Results[0].Mask.ID)
	assert.True(t, groups[1].Results[0].IsMatch)

	data, err = MarshalGroups(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}
