package synclock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet_AcquireInOrderSucceeds(t *testing.T) {
	var a, b, c sync.Mutex
	s := NewSet()

	s.Acquire(LevelSync, &a)
	s.Acquire(LevelStream, &b)
	s.Acquire(LevelConfig, &c)
	s.Release()

	// all three should be unlocked and re-lockable
	assert.True(t, a.TryLock())
	a.Unlock()
	assert.True(t, b.TryLock())
	b.Unlock()
	assert.True(t, c.TryLock())
	c.Unlock()
}

func TestSet_AcquireOutOfOrderPanics(t *testing.T) {
	var a, b sync.Mutex
	s := NewSet()
	s.Acquire(LevelConfig, &a)

	assert.Panics(t, func() {
		s.Acquire(LevelStream, &b)
	})
}

func TestSet_AcquireSameLevelTwicePanics(t *testing.T) {
	var a, b sync.Mutex
	s := NewSet()
	s.Acquire(LevelStream, &a)

	assert.Panics(t, func() {
		s.Acquire(LevelStream, &b)
	})
}

func TestSet_ReleaseUnlocksEveryHeldLock(t *testing.T) {
	var a, b sync.Mutex
	s := NewSet()
	s.Acquire(LevelSync, &a)
	s.Acquire(LevelStream, &b)

	s.Release()
	assert.True(t, a.TryLock())
	assert.True(t, b.TryLock())
	a.Unlock()
	b.Unlock()
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "syncLock", LevelSync.String())
	assert.Equal(t, "listenerPoolLock", LevelListenerPool.String())
	assert.Equal(t, "streamLock", LevelStream.String())
	assert.Equal(t, "configLock", LevelConfig.String())
	assert.Equal(t, "listenersLock", LevelListeners.String())
}
