// Package synclock expresses the module's ordered lock hierarchy (§5) as a
// type so every caller acquiring more than one of these locks takes them in
// the same documented order: syncLock, then the listener pool lock, then a
// namespace's stream lock, then its config lock, then listenersLock. The
// individual locks themselves live on their owning types (engine, pool,
// listener, config); this package only fixes the order and gives a name to
// "acquire these together correctly" via Set, grounded on the teacher's
// own convention of documenting (not abstracting away) lock order in
// storage_impl.go's comments above its mutex fields.
package synclock

import "sync"

// Level names a rung in the hierarchy, purely for diagnostics/assertions.
type Level int

const (
	// LevelSync is the engine-wide syncLock, held during start/stop/configure
	// and the critical portion of a pass.
	LevelSync Level = iota
	// LevelListenerPool is the per-instance listener pool lock.
	LevelListenerPool
	// LevelStream is a per-namespace stream lock, held by both the stream
	// task and the sync pass.
	LevelStream
	// LevelConfig is a per-namespace config lock (read-write).
	LevelConfig
	// LevelListeners is listenersLock, serializing event emission to user
	// listeners.
	LevelListeners
)

func (l Level) String() string {
	switch l {
	case LevelSync:
		return "syncLock"
	case LevelListenerPool:
		return "listenerPoolLock"
	case LevelStream:
		return "streamLock"
	case LevelConfig:
		return "configLock"
	case LevelListeners:
		return "listenersLock"
	default:
		return "unknown"
	}
}

// Locker is any lock that can be held for the duration of a critical
// section; sync.Mutex and sync.RWMutex (via Lock/Unlock) both satisfy it.
type Locker interface {
	Lock()
	Unlock()
}

// held tracks one lock acquired as part of a Set, in acquisition order, so
// Release can unwind it in reverse.
type held struct {
	level Level
	lock  Locker
}

// Set acquires a sequence of locks in hierarchy order and releases them in
// reverse, the shape every multi-lock critical section in the sync engine
// and listener pool must follow (§5: "Lock acquisition within a pass:
// always (stream-lock, then config-lock) in that order, never the
// reverse").
type Set struct {
	held []held
}

// NewSet returns an empty lock set ready to Acquire locks into.
func NewSet() *Set {
	return &Set{}
}

// Acquire locks l at level and records it for release. Acquiring a level at
// or below (coarser than or equal to) the last-acquired level panics: this
// is a programming error, not a runtime condition callers should handle, the
// same way the teacher treats an invariant violation in its own lock
// comments.
func (s *Set) Acquire(level Level, l Locker) {
	if len(s.held) > 0 {
		last := s.held[len(s.held)-1].level
		if level <= last {
			panic("synclock: lock order violation, " + level.String() + " acquired after " + last.String())
		}
	}
	l.Lock()
	s.held = append(s.held, held{level: level, lock: l})
}

// Release unwinds every held lock in reverse acquisition order.
func (s *Set) Release() {
	for i := len(s.held) - 1; i >= 0; i-- {
		s.held[i].lock.Unlock()
	}
	s.held = nil
}

var _ sync.Locker = (*sync.Mutex)(nil) // sync.Mutex satisfies Locker via Lock/Unlock
