package listenerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/nsync"
	"docsync/remote"
	"docsync/version"
)

// blockingStream is an open change stream that delivers no events until its
// context is cancelled.
type blockingStream struct{}

func (s *blockingStream) NextEvent(ctx context.Context) (*version.ChangeEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *blockingStream) Close(ctx context.Context) error { return nil }

type stubService struct{}

func (s *stubService) InsertOne(ctx context.Context, ns nsync.Namespace, doc bson.M) error {
	return nil
}
func (s *stubService) UpdateOne(ctx context.Context, ns nsync.Namespace, filter, update bson.M) (*remote.UpdateResult, error) {
	return nil, nil
}
func (s *stubService) ReplaceOne(ctx context.Context, ns nsync.Namespace, filter, replacement bson.M) (*remote.UpdateResult, error) {
	return nil, nil
}
func (s *stubService) DeleteOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (*remote.DeleteResult, error) {
	return nil, nil
}
func (s *stubService) Find(ctx context.Context, ns nsync.Namespace, filter bson.M) ([]bson.Raw, error) {
	return nil, nil
}
func (s *stubService) FindOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (bson.Raw, error) {
	return nil, nil
}
func (s *stubService) Watch(ctx context.Context, ns nsync.Namespace, ids []primitive.ObjectID) (remote.ChangeStream, error) {
	return &blockingStream{}, nil
}

func TestPool_AddNamespaceIsIdempotent(t *testing.T) {
	p := New(&stubService{}, zap.NewNop())
	ns := nsync.Namespace{Database: "d", Collection: "c"}

	l1 := p.AddNamespace(ns)
	l2 := p.AddNamespace(ns)
	assert.Same(t, l1, l2)
	assert.Len(t, p.Namespaces(), 1)
}

func TestPool_RemoveNamespaceEvicts(t *testing.T) {
	p := New(&stubService{}, zap.NewNop())
	ns := nsync.Namespace{Database: "d", Collection: "c"}

	p.AddNamespace(ns)
	p.RemoveNamespace(ns)
	assert.Nil(t, p.Get(ns))
	assert.Empty(t, p.Namespaces())
}

func TestPool_RemoveUnknownNamespaceIsNoop(t *testing.T) {
	p := New(&stubService{}, zap.NewNop())
	p.RemoveNamespace(nsync.Namespace{Database: "d", Collection: "c"})
}

func TestPool_StartWithNoSynchronizedIdsDoesNotError(t *testing.T) {
	p := New(&stubService{}, zap.NewNop())
	ns := nsync.Namespace{Database: "d", Collection: "c"}
	p.AddNamespace(ns)

	err := p.Start(context.Background(), func(nsync.Namespace) []primitive.ObjectID { return nil }, nil)
	require.NoError(t, err)
	assert.True(t, p.IsRunning())

	p.Stop()
	assert.False(t, p.IsRunning())
}

func TestPool_StartReopensOnNetworkUpEdge(t *testing.T) {
	up := make(chan struct{}, 1)
	nm := &stubNetworkMonitor{up: up}
	p := New(&stubService{}, zap.NewNop(), WithNetworkMonitor(nm))
	ns := nsync.Namespace{Database: "d", Collection: "c"}
	p.AddNamespace(ns)

	var opens int32
	ids := []primitive.ObjectID{primitive.NewObjectID()}
	err := p.Start(context.Background(), func(nsync.Namespace) []primitive.ObjectID { return ids }, func(nsync.Namespace) {
		atomic.AddInt32(&opens, 1)
	})
	require.NoError(t, err)
	defer p.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&opens) >= 1 }, time.Second, time.Millisecond)

	up <- struct{}{}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&opens) >= 2 }, time.Second, time.Millisecond)
}

type stubNetworkMonitor struct {
	up chan struct{}
}

func (s *stubNetworkMonitor) IsOnline() bool       { return true }
func (s *stubNetworkMonitor) OnUp() <-chan struct{} { return s.up }
