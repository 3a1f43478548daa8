package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestCommittedCache_RecordAndHit(t *testing.T) {
	cache, err := NewCommittedCache(16)
	require.NoError(t, err)

	docID := primitive.NewObjectID()
	v := DocumentVersion{InstanceID: "inst-1", VersionCounter: 3}
	cache.Record(docID, v)

	assert.True(t, cache.HasCommittedVersion(docID, &DocumentVersion{InstanceID: "inst-1", VersionCounter: 2}))
	assert.False(t, cache.HasCommittedVersion(docID, &DocumentVersion{InstanceID: "inst-1", VersionCounter: 4}))
}

func TestCommittedCache_MissWhenUnrecorded(t *testing.T) {
	cache, err := NewCommittedCache(16)
	require.NoError(t, err)

	assert.False(t, cache.HasCommittedVersion(primitive.NewObjectID(), FreshVersion()))
}

func TestCommittedCache_Forget(t *testing.T) {
	cache, err := NewCommittedCache(16)
	require.NoError(t, err)

	docID := primitive.NewObjectID()
	cache.Record(docID, DocumentVersion{InstanceID: "inst-1", VersionCounter: 1})
	cache.Forget(docID)

	assert.False(t, cache.HasCommittedVersion(docID, &DocumentVersion{InstanceID: "inst-1", VersionCounter: 1}))
}
