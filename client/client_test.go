package client

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/localstore/badgerstore"
	"docsync/nsync"
	"docsync/remote"
	"docsync/version"
)

// fakeService is a minimal in-memory remote.Service, just enough to drive
// Client's wiring (Start/Stop, Sync/Desync, a clean insert round-trip). It
// does not model conflicts or duplicate keys; syncengine's own tests cover
// that decision tree in depth.
type fakeService struct {
	mu      sync.Mutex
	docs    map[primitive.ObjectID]bson.M
	watches []watchCall
}

type watchCall struct {
	ns  nsync.Namespace
	ids []primitive.ObjectID
}

func newFakeService() *fakeService {
	return &fakeService{docs: make(map[primitive.ObjectID]bson.M)}
}

func (f *fakeService) InsertOne(ctx context.Context, ns nsync.Namespace, doc bson.M) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := doc["_id"].(primitive.ObjectID)
	f.docs[id] = cloneDoc(doc)
	return nil
}

func (f *fakeService) UpdateOne(ctx context.Context, ns nsync.Namespace, filter, update bson.M) (*remote.UpdateResult, error) {
	return &remote.UpdateResult{MatchedCount: 0}, nil
}

func (f *fakeService) ReplaceOne(ctx context.Context, ns nsync.Namespace, filter bson.M, replacement bson.M) (*remote.UpdateResult, error) {
	return &remote.UpdateResult{MatchedCount: 0}, nil
}

func (f *fakeService) DeleteOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (*remote.DeleteResult, error) {
	return &remote.DeleteResult{DeletedCount: 0}, nil
}

func (f *fakeService) Find(ctx context.Context, ns nsync.Namespace, filter bson.M) ([]bson.Raw, error) {
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

func (f *fakeService) FindOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (bson.Raw, error) {
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

func (f *fakeService) Watch(ctx context.Context, ns nsync.Namespace, ids []primitive.ObjectID) (remote.ChangeStream, error) {
	f.mu.Lock()
	f.watches = append(f.watches, watchCall{ns: ns, ids: append([]primitive.ObjectID(nil), ids...)})
	f.mu.Unlock()
	return &blockingStream{}, nil
}

func (f *fakeService) watchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watches)
}

func (f *fakeService) lastWatchedIDs() []primitive.ObjectID {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.watches) == 0 {
		return nil
	}
	return f.watches[len(f.watches)-1].ids
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

type blockingStream struct{}

func (b *blockingStream) NextEvent(ctx context.Context) (*version.ChangeEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingStream) Close(ctx context.Context) error { return nil }

func newTestClient(t *testing.T, svc *fakeService) *Client {
	t.Helper()
	store, err := badgerstore.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c, err := New(context.Background(), Config{
		InstanceID: "inst-1",
		Local:      store,
		Remote:     svc,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}

// TestClient_StartStop exercises the basic lifecycle: Start runs recovery
// and launches the listener pool and runner without error on an empty
// instance, and Stop tears both down cleanly and idempotently.
func TestClient_StartStop(t *testing.T) {
	c := newTestClient(t, newFakeService())
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx)) // idempotent
	c.Stop()
	c.Stop() // idempotent
}

// TestClient_InsertReopensListener exercises §4.2/§4.9's requirement that
// insertOne triggers the listener to reopen with the new id set: the first
// Start call opens with an empty/non-existent id set (nothing to watch), and
// InsertOne through the namespace's CRUD surface must reopen the stream
// filtered to include the freshly-inserted id.
func TestClient_InsertReopensListener(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	ns := nsync.Namespace{Database: "db", Collection: "widgets"}
	surface := c.Surface(ns)

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	id, err := surface.InsertOne(ctx, bson.M{"x": "a"})
	require.NoError(t, err)

	// SetIDsChangedHook reopens the listener synchronously within
	// InsertOne, so the watch call is already recorded by the time it
	// returns.
	ids := svc.lastWatchedIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0])
}

// TestClient_SyncDesync exercises explicit Sync/Desync of a pre-existing
// remote document id: Sync admits it to the namespace config and opens the
// listener with it included; Desync removes its config and reopens the
// listener without it.
func TestClient_SyncDesync(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	ns := nsync.Namespace{Database: "db", Collection: "widgets"}
	_ = c.Surface(ns) // registers ns with the pool

	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	id := primitive.NewObjectID()
	require.NoError(t, c.Sync(ctx, ns, id))

	ids := svc.lastWatchedIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, id, ids[0])

	require.NoError(t, c.Desync(ctx, ns, id))
	assert.Empty(t, c.GetPausedDocumentIds(ns))
}

// TestClient_Persist round-trips instance/namespace/document config through
// the local store so a later New() call would observe it (§6's persisted
// on-disk layout, exercised end to end rather than via configstore alone).
func TestClient_Persist(t *testing.T) {
	svc := newFakeService()
	c := newTestClient(t, svc)
	ctx := context.Background()

	ns := nsync.Namespace{Database: "db", Collection: "widgets"}
	surface := c.Surface(ns)
	_, err := surface.InsertOne(ctx, bson.M{"x": "a"})
	require.NoError(t, err)

	require.NoError(t, c.Persist(ctx))
}
