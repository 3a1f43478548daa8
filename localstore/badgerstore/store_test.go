package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/localstore"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerStore_InsertAndFindOne(t *testing.T) {
	s := openTestStore(t)
	coll := s.Collection("t", "c")
	ctx := context.Background()

	id := primitive.NewObjectID()
	doc := localstore.Document{"_id": id, "name": "alice"}
	require.NoError(t, coll.InsertOne(ctx, doc))

	got, err := coll.FindOne(ctx, bson.M{"_id": id})
	require.NoError(t, err)
	assert.Equal(t, "alice", got["name"])
}

func TestBadgerStore_FindOneNotFound(t *testing.T) {
	s := openTestStore(t)
	coll := s.Collection("t", "c")

	_, err := coll.FindOne(context.Background(), bson.M{"_id": primitive.NewObjectID()})
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestBadgerStore_FindOneAndUpdateUpserts(t *testing.T) {
	s := openTestStore(t)
	coll := s.Collection("t", "c")
	ctx := context.Background()

	id := primitive.NewObjectID()
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{"name": "alice"}}

	got, err := coll.FindOneAndUpdate(ctx, filter, update, true)
	require.NoError(t, err)
	assert.Equal(t, "alice", got["name"])

	_, err = coll.FindOneAndUpdate(ctx, filter, bson.M{"$unset": bson.M{"name": ""}}, false)
	require.NoError(t, err)

	final, err := coll.FindOne(ctx, filter)
	require.NoError(t, err)
	_, present := final["name"]
	assert.False(t, present)
}

func TestBadgerStore_DeleteOne(t *testing.T) {
	s := openTestStore(t)
	coll := s.Collection("t", "c")
	ctx := context.Background()

	id := primitive.NewObjectID()
	require.NoError(t, coll.InsertOne(ctx, localstore.Document{"_id": id}))
	require.NoError(t, coll.DeleteOne(ctx, bson.M{"_id": id}))

	_, err := coll.FindOne(ctx, bson.M{"_id": id})
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestBadgerStore_CollectionsAreIsolatedByPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := primitive.NewObjectID()

	a := s.Collection("db", "a")
	b := s.Collection("db", "b")
	require.NoError(t, a.InsertOne(ctx, localstore.Document{"_id": id, "from": "a"}))

	_, err := b.FindOne(ctx, bson.M{"_id": id})
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestBadgerStore_BulkWrite(t *testing.T) {
	s := openTestStore(t)
	coll := s.Collection("t", "c")
	ctx := context.Background()

	id1 := primitive.NewObjectID()
	id2 := primitive.NewObjectID()
	result, err := coll.BulkWrite(ctx, []localstore.WriteOp{
		{InsertOne: &localstore.Document{"_id": id1, "x": 1}},
		{InsertOne: &localstore.Document{"_id": id2, "x": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.InsertedCount)

	count, err := coll.CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
