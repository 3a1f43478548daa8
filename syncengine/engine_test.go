package syncengine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/crud"
	"docsync/listenerpool"
	"docsync/localstore/badgerstore"
	"docsync/nsync"
	"docsync/remote"
	"docsync/undo"
	"docsync/version"
)

// fakeRemote is an in-memory remote.Service good enough to drive the
// engine's R2L/L2R passes without a real MongoDB deployment. Watch always
// returns a stream that blocks until its context is canceled: these tests
// only exercise RunPass's own catch-up/push logic, never the live
// change-stream path.
type fakeRemote struct {
	mu   sync.Mutex
	docs map[primitive.ObjectID]bson.M
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: make(map[primitive.ObjectID]bson.M)}
}

func (f *fakeRemote) InsertOne(ctx context.Context, ns nsync.Namespace, doc bson.M) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := doc["_id"].(primitive.ObjectID)
	if _, exists := f.docs[id]; exists {
		return &remote.DuplicateKeyError{Err: assert.AnError}
	}
	f.docs[id] = cloneDoc(doc)
	return nil
}

func (f *fakeRemote) UpdateOne(ctx context.Context, ns nsync.Namespace, filter, update bson.M) (*remote.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := filter["_id"].(primitive.ObjectID)
	if !ok {
		return &remote.UpdateResult{}, nil
	}
	doc, exists := f.docs[id]
	if !exists || !filterMatches(filter, doc) {
		return &remote.UpdateResult{MatchedCount: 0}, nil
	}
	if set, ok := update["$set"].(bson.M); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	if unset, ok := update["$unset"].(bson.M); ok {
		for k := range unset {
			delete(doc, k)
		}
	}
	f.docs[id] = doc
	return &remote.UpdateResult{MatchedCount: 1}, nil
}

func (f *fakeRemote) ReplaceOne(ctx context.Context, ns nsync.Namespace, filter bson.M, replacement bson.M) (*remote.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := filter["_id"].(primitive.ObjectID)
	if !ok {
		return &remote.UpdateResult{}, nil
	}
	doc, exists := f.docs[id]
	if !exists || !filterMatches(filter, doc) {
		return &remote.UpdateResult{MatchedCount: 0}, nil
	}
	f.docs[id] = cloneDoc(replacement)
	return &remote.UpdateResult{MatchedCount: 1}, nil
}

func (f *fakeRemote) DeleteOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (*remote.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := filter["_id"].(primitive.ObjectID)
	if !ok {
		return &remote.DeleteResult{}, nil
	}
	doc, exists := f.docs[id]
	if !exists || !filterMatches(filter, doc) {
		return &remote.DeleteResult{DeletedCount: 0}, nil
	}
	delete(f.docs, id)
	return &remote.DeleteResult{DeletedCount: 1}, nil
}

func (f *fakeRemote) Find(ctx context.Context, ns nsync.Namespace, filter bson.M) ([]bson.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bson.Raw
	for _, doc := range f.docs {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (f *fakeRemote) FindOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (bson.Raw, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := filter["_id"].(primitive.ObjectID)
	if !ok {
		return nil, nil
	}
	doc, exists := f.docs[id]
	if !exists {
		return nil, nil
	}
	return bson.Marshal(doc)
}

func (f *fakeRemote) Watch(ctx context.Context, ns nsync.Namespace, ids []primitive.ObjectID) (remote.ChangeStream, error) {
	return &blockingStream{}, nil
}

func (f *fakeRemote) get(id primitive.ObjectID) (bson.M, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	return cloneDoc(doc), ok
}

func cloneDoc(doc bson.M) bson.M {
	if doc == nil {
		return nil
	}
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// filterMatches checks only the fields the engine's own filters ever use:
// _id and the version field, both compared by value.
func filterMatches(filter, doc bson.M) bool {
	for k, v := range filter {
		if k == "_id" {
			continue
		}
		dv, ok := doc[k]
		if !ok {
			return false
		}
		wantVersion, ok1 := v.(*version.DocumentVersion)
		gotVersion, ok2 := dv.(*version.DocumentVersion)
		if ok1 && ok2 {
			if *wantVersion != *gotVersion {
				return false
			}
			continue
		}
	}
	return true
}

// blockingStream never delivers an event; it just waits for its context to
// be canceled, mirroring a live change stream with nothing new to report.
type blockingStream struct{}

func (b *blockingStream) NextEvent(ctx context.Context) (*version.ChangeEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingStream) Close(ctx context.Context) error { return nil }

// testHarness wires one namespace's full local-first stack: a badger-backed
// local store, an instance/namespace config, a CRUD surface applications
// write through, and an Engine bound to a fake remote.
type testHarness struct {
	t       *testing.T
	ns      nsync.Namespace
	fake    *fakeRemote
	instance *config.InstanceConfig
	nc      *config.NamespaceConfig
	surface *crud.Surface
	engine  *Engine
	pool    *listenerpool.Pool
}

func newHarness(t *testing.T) *testHarness {
	store, err := badgerstore.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ns := nsync.Namespace{Database: "db", Collection: "widgets"}
	instance := config.NewInstanceConfig("inst-1")
	nc := instance.EnsureNamespace(ns)

	j := undo.New(store, ns, zap.NewNop())
	surface := crud.New(nc, store, j, zap.NewNop())

	fake := newFakeRemote()
	pool := listenerpool.New(fake, zap.NewNop())
	pool.AddNamespace(ns)

	engine := New(instance, pool, store, fake, zap.NewNop())

	return &testHarness{t: t, ns: ns, fake: fake, instance: instance, nc: nc, surface: surface, engine: engine, pool: pool}
}

// TestRunPass_CleanInsertRoundTrip exercises a clean insert round-trip:
// an InsertOne staged locally is pushed remotely on the first pass, with
// the remote copy carrying a fresh version vector and the local document
// and document config left without any trace of the sync bookkeeping.
func TestRunPass_CleanInsertRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.surface.InsertOne(ctx, bson.M{"x": "a"})
	require.NoError(t, err)

	require.NoError(t, h.engine.RunPass(ctx))
	require.NoError(t, h.engine.RunPass(ctx))

	remoteDoc, ok := h.fake.get(id)
	require.True(t, ok)
	assert.Equal(t, "a", remoteDoc["x"])
	v, vok := remoteDoc[version.FieldName].(*version.DocumentVersion)
	require.True(t, vok)
	assert.Equal(t, version.ProtocolVersion, v.SyncProtocolVersion)
	assert.Equal(t, int64(0), v.VersionCounter)

	localDoc, err := h.surface.FindOne(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", localDoc["x"])
	_, hasVersion := localDoc[version.FieldName]
	assert.False(t, hasVersion)

	dc := h.nc.Document(id)
	require.NotNil(t, dc)
	assert.False(t, dc.HasUncommittedWrites())
}

// TestRunPass_EmptyUpdateDroppedWithoutRemoteCall exercises §4.6's empty-diff
// rule: an update that resolves to no field changes is dropped locally
// without ever calling the remote service, and the committed version
// counter is left unchanged.
func TestRunPass_EmptyUpdateDroppedWithoutRemoteCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.surface.InsertOne(ctx, bson.M{"x": "a", "count": 1})
	require.NoError(t, err)
	require.NoError(t, h.engine.RunPass(ctx))

	dc := h.nc.Document(id)
	require.NotNil(t, dc)
	committed := dc.RemoteVersion()
	require.NotNil(t, committed)

	// An update that sets a field to its current value diffs to nothing.
	require.NoError(t, h.surface.UpdateOne(ctx, id, bson.M{"$set": bson.M{"x": "a"}}))

	require.NoError(t, h.engine.RunPass(ctx))

	after := dc.RemoteVersion()
	require.NotNil(t, after)
	assert.Equal(t, committed.VersionCounter, after.VersionCounter)
	assert.False(t, dc.HasUncommittedWrites())
}
