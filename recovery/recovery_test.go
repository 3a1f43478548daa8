package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/localstore"
	"docsync/localstore/badgerstore"
	"docsync/nsync"
	"docsync/undo"
	"docsync/version"
)

func openStore(t *testing.T) *badgerstore.Store {
	s, err := badgerstore.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecover_RestoresInterruptedUpdate(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ns := nsync.Namespace{Database: "db", Collection: "widgets"}
	coll := store.Collection(ns.Database, ns.UserCollectionName())
	id := primitive.NewObjectID()

	require.NoError(t, coll.InsertOne(ctx, bson.M{"_id": id, "name": "partially-written"}))

	j := undo.New(store, ns, zap.NewNop())
	require.NoError(t, j.Record(ctx, id, bson.M{"_id": id, "name": "original"}))
	// simulate a crash: the undo row survives, but the pending-write
	// bookkeeping never completed.

	instance := config.NewInstanceConfig("inst-1")
	nc := instance.EnsureNamespace(ns)
	dc := nc.EnsureDocument(id)
	dc.SetPendingEvent(nil)

	require.NoError(t, Recover(ctx, instance, store, nil, zap.NewNop()))

	got, err := coll.FindOne(ctx, bson.M{"_id": id})
	require.NoError(t, err)
	assert.Equal(t, "original", got["name"])

	entries, err := j.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestRecover_CrashMidDeleteKeepsPendingDelete exercises spec scenario S3:
// the local delete committed but the undo row survives the crash, so
// recovery restores the document while leaving its pending DELETE intact
// for the next sync pass to replay.
func TestRecover_CrashMidDeleteKeepsPendingDelete(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ns := nsync.Namespace{Database: "db", Collection: "widgets"}
	coll := store.Collection(ns.Database, ns.UserCollectionName())
	id := primitive.NewObjectID()

	j := undo.New(store, ns, zap.NewNop())
	require.NoError(t, j.Record(ctx, id, bson.M{"_id": id, "name": "before-delete"}))
	// simulate the crash: the local delete already ran (nothing to find),
	// but the undo row was never cleared.

	instance := config.NewInstanceConfig("inst-1")
	nc := instance.EnsureNamespace(ns)
	dc := nc.EnsureDocument(id)
	dc.Commit(version.FreshVersion())
	dc.StartPendingWrite(&version.ChangeEvent{
		Operation:         version.OpDelete,
		Namespace:         ns,
		DocumentID:        id,
		UncommittedWrites: true,
	}, nil)

	require.NoError(t, Recover(ctx, instance, store, nil, zap.NewNop()))

	got, err := coll.FindOne(ctx, bson.M{"_id": id})
	require.NoError(t, err)
	assert.Equal(t, "before-delete", got["name"])

	pending := dc.PendingEvent()
	require.NotNil(t, pending)
	assert.Equal(t, version.OpDelete, pending.Operation)
}

func TestRecover_PrunesLocalDocumentWithNoConfig(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ns := nsync.Namespace{Database: "db", Collection: "widgets"}
	coll := store.Collection(ns.Database, ns.UserCollectionName())
	id := primitive.NewObjectID()

	// a local document with no undo entry and no document config at all —
	// the leftover of a crashed insert whose config row never persisted.
	require.NoError(t, coll.InsertOne(ctx, bson.M{"_id": id, "name": "dangling"}))

	instance := config.NewInstanceConfig("inst-1")
	instance.EnsureNamespace(ns)

	require.NoError(t, Recover(ctx, instance, store, nil, zap.NewNop()))

	_, err := coll.FindOne(ctx, bson.M{"_id": id})
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestRecover_DeletesOrphanedInsert(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	ns := nsync.Namespace{Database: "db", Collection: "widgets"}
	coll := store.Collection(ns.Database, ns.UserCollectionName())
	id := primitive.NewObjectID()

	require.NoError(t, coll.InsertOne(ctx, bson.M{"_id": id, "name": "never-acked"}))

	j := undo.New(store, ns, zap.NewNop())
	require.NoError(t, j.Record(ctx, id, nil))

	instance := config.NewInstanceConfig("inst-1")
	nc := instance.EnsureNamespace(ns)
	nc.EnsureDocument(id)

	require.NoError(t, Recover(ctx, instance, store, nil, zap.NewNop()))

	_, err := coll.FindOne(ctx, bson.M{"_id": id})
	assert.Error(t, err)
	assert.Nil(t, nc.Document(id))
}
