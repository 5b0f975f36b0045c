package context

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openclass/nexusai-gateway/internal/domain"
)

func TestRankPrefersSubjectMatchOverScore(t *testing.T) {
	chunks := []RankedChunk{
		{Chunk: domain.Chunk{ID: "a"}, Score: 0.9, SubjectMatched: false},
		{Chunk: domain.Chunk{ID: "b"}, Score: 0.5, SubjectMatched: true},
	}
	ranked := Rank(chunks)
	assert.Equal(t, "b", ranked[0].Chunk.ID)
}

func TestRankStableByScoreWithinSameSubjectMatch(t *testing.T) {
	chunks := []RankedChunk{
		{Chunk: domain.Chunk{ID: "a"}, Score: 0.5},
		{Chunk: domain.Chunk{ID: "b"}, Score: 0.9},
		{Chunk: domain.Chunk{ID: "c"}, Score: 0.7},
	}
	ranked := Rank(chunks)
	assert.Equal(t, []string{"b", "c", "a"}, []string{ranked[0].Chunk.ID, ranked[1].Chunk.ID, ranked[2].Chunk.ID})
}

func TestFitStopsAtBudgetFloor(t *testing.T) {
	ranked := []RankedChunk{
		{Chunk: domain.Chunk{ID: "a", TokenCount: 400}},
		{Chunk: domain.Chunk{ID: "b", TokenCount: 400}},
		{Chunk: domain.Chunk{ID: "c", TokenCount: 400}},
	}
	selected := Fit(ranked, 900, 500)
	require := assert.New(t)
	require.Len(selected, 2)
}

func TestFitSkipsChunkThatDoesNotFitButContinues(t *testing.T) {
	ranked := []RankedChunk{
		{Chunk: domain.Chunk{ID: "big", TokenCount: 900}},
		{Chunk: domain.Chunk{ID: "small", TokenCount: 100}},
	}
	selected := Fit(ranked, 200, 0)
	assert.Len(t, selected, 1)
	assert.Equal(t, "small", selected[0].ID)
}

func TestRenderEmptySelectionProducesFallback(t *testing.T) {
	prompt := Render(nil, nil, "what is photosynthesis?", "en")
	assert.Contains(t, prompt, "don't have material")
}

func TestRenderIncludesSourceTags(t *testing.T) {
	selected := []domain.Chunk{{BookID: "book-1", Ordinal: 2, Text: "light reactions occur in the thylakoid"}}
	books := map[string]string{"book-1": "Biology Grade 5"}
	prompt := Render(selected, books, "how do plants make food?", "en")
	assert.Contains(t, prompt, "Biology Grade 5")
	assert.Contains(t, prompt, "how do plants make food?")
}

func TestCatalogForFallsBackToEnglish(t *testing.T) {
	cat := CatalogFor("xx")
	assert.Equal(t, catalogs["en"], cat)
}

func TestIsFallbackTrueOnlyForEmptySelection(t *testing.T) {
	assert.True(t, IsFallback(nil))
	assert.False(t, IsFallback([]domain.Chunk{{ID: "a"}}))
}
