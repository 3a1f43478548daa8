package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestUpdateDescriptionDiff_NoChangesIsEmpty(t *testing.T) {
	doc := bson.M{"name": "alice", "age": int32(30)}

	diff, err := UpdateDescriptionDiff(doc, doc)

	require.NoError(t, err)
	assert.False(t, diff.HasChanges())
}

func TestUpdateDescriptionDiff_SetAndUnset(t *testing.T) {
	oldDoc := bson.M{"name": "alice", "age": int32(30)}
	newDoc := bson.M{"name": "alicia"}

	diff, err := UpdateDescriptionDiff(oldDoc, newDoc)

	require.NoError(t, err)
	require.True(t, diff.HasChanges())
	assert.Equal(t, "alicia", diff.BsonPatch.Set["name"])
	_, unset := diff.BsonPatch.Unset["age"]
	assert.True(t, unset)
}

func TestUpdateDescriptionDiff_NestedField(t *testing.T) {
	oldDoc := bson.M{"profile": bson.M{"city": "seoul"}}
	newDoc := bson.M{"profile": bson.M{"city": "busan"}}

	diff, err := UpdateDescriptionDiff(oldDoc, newDoc)

	require.NoError(t, err)
	assert.Equal(t, "busan", diff.BsonPatch.Set["profile.city"])
}

func TestUpdateDescriptionDiff_ProducesApplicableMergePatch(t *testing.T) {
	oldDoc := bson.M{"name": "alice", "age": int32(30)}
	newDoc := bson.M{"name": "alicia", "age": int32(31)}

	diff, err := UpdateDescriptionDiff(oldDoc, newDoc)

	require.NoError(t, err)
	assert.NotEmpty(t, diff.MergePatch)
}
