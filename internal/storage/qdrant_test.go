package storage

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"

	"github.com/openclass/nexusai-gateway/internal/domain"
)

func TestActiveAliasIsStablePerSubjectGrade(t *testing.T) {
	assert.Equal(t, "active_math_g5", activeAlias("math", 5))
	assert.NotEqual(t, activeAlias("math", 5), activeAlias("math", 6))
}

func TestStagedCollectionIsUniquePerVersion(t *testing.T) {
	a := stagedCollection("science", 4, "2026.1")
	b := stagedCollection("science", 4, "2026.2")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "2026.1")
}

func TestChunkToPointRoundTripsPayload(t *testing.T) {
	c := &domain.Chunk{
		ID:         "chunk-1",
		VKPID:      "vkp-1",
		BookID:     "book-1",
		Ordinal:    3,
		Text:       "photosynthesis converts light to chemical energy",
		Embedding:  []float32{0.1, 0.2, 0.3},
		TokenCount: 9,
	}

	point := chunkToPoint(c)
	assert.NotNil(t, point.Id)
	assert.Equal(t, "vkp-1", point.Payload["vkp_id"].GetStringValue())
	assert.Equal(t, "book-1", point.Payload["book_id"].GetStringValue())
	assert.Equal(t, int64(3), point.Payload["ordinal"].GetIntegerValue())
}

func TestGetStringFromPayloadMissingKeyReturnsEmpty(t *testing.T) {
	payload := map[string]*qdrant.Value{}
	assert.Equal(t, "", getStringFromPayload(payload, "missing"))
}

func TestPointIDToStringPrefersUUID(t *testing.T) {
	id := qdrant.NewID("some-uuid")
	assert.Equal(t, "some-uuid", pointIDToString(id))
}

func TestPointIDToStringNilReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", pointIDToString(nil))
}
