package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNetwork struct {
	up chan struct{}
}

func (f *fakeNetwork) IsOnline() bool       { return true }
func (f *fakeNetwork) OnUp() <-chan struct{} { return f.up }

func TestRunner_RunsPassesUntilStopped(t *testing.T) {
	var count int32
	r := New(func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}, nil, zap.NewNop())

	r.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(1))
}

func TestRunner_WakesOnNetworkUpEdge(t *testing.T) {
	net := &fakeNetwork{up: make(chan struct{}, 1)}
	var count int32
	r := New(func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}, net, zap.NewNop())

	r.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	before := atomic.LoadInt32(&count)
	net.up <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	r.Stop()

	assert.Greater(t, atomic.LoadInt32(&count), before)
}

func TestRunner_BacksOffOnRepeatedFailure(t *testing.T) {
	r := New(func(ctx context.Context) error {
		return assert.AnError
	}, nil, zap.NewNop())

	first := r.backoff.NextBackOff()
	second := r.backoff.NextBackOff()
	assert.GreaterOrEqual(t, second, first)
}
