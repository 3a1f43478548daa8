// Package listener implements the per-namespace change-stream listener
// (§4.2): it owns an open change stream, buffers unprocessed events by
// document id (overwriting any previous buffered event — coalescence), and
// fans each event out to registered watchers. Grounded on the teacher's
// eventsync.StorageListener (context-scoped goroutine, WaitGroup-bounded
// shutdown, watch-channel consumer loop) generalized from a single
// process-wide watch to one independently start/stoppable listener per
// namespace, and on nodestorage/v2/storage_impl.go's subscriber map for the
// watcher fan-out shape.
package listener

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/nsync"
	"docsync/remote"
	"docsync/version"
)

// WatchResult is delivered to a registered watcher for every buffered
// event, or as a failed result when the listener closes (§4.2).
type WatchResult struct {
	Event *version.ChangeEvent
	Err   error
}

// Watcher receives WatchResults until removed or the listener closes.
type Watcher chan WatchResult

// Listener owns one namespace's change stream.
type Listener struct {
	ns      nsync.Namespace
	service remote.Service
	logger  *zap.Logger

	mu      sync.RWMutex // guards buffer, stale, stream lifecycle
	buffer  map[primitive.ObjectID]*version.ChangeEvent
	stale   bool
	running bool

	watchersMu sync.Mutex
	watchers   map[int]Watcher
	nextWID    int

	stream remote.ChangeStream
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle listener for ns. It is not started.
func New(ns nsync.Namespace, service remote.Service, logger *zap.Logger) *Listener {
	return &Listener{
		ns:       ns,
		service:  service,
		logger:   logger,
		buffer:   make(map[primitive.ObjectID]*version.ChangeEvent),
		watchers: make(map[int]Watcher),
	}
}

// Namespace returns the namespace this listener backs.
func (l *Listener) Namespace() nsync.Namespace { return l.ns }

// Start opens a change stream filtered to ids. Per §4.2's do-not-open
// conditions, an empty id set returns (false, nil): "not opened", silently.
// Starting an already-running listener restarts it from scratch (the
// restart policy applies uniformly whether triggered by a network edge or
// an id-set change).
func (l *Listener) Start(ctx context.Context, ids []primitive.ObjectID) (opened bool, err error) {
	if len(ids) == 0 {
		return false, nil
	}

	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		l.Stop()
		l.mu.Lock()
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := l.service.Watch(streamCtx, l.ns, ids)
	if err != nil {
		l.mu.Unlock()
		cancel()
		return false, err
	}

	l.stream = stream
	l.cancel = cancel
	l.running = true
	l.stale = true // reopening: we may have missed events (§4.2)
	l.mu.Unlock()

	l.wg.Add(1)
	go l.consume(streamCtx, stream)

	return true, nil
}

func (l *Listener) consume(ctx context.Context, stream remote.ChangeStream) {
	defer l.wg.Done()
	defer func() { _ = stream.Close(context.Background()) }()

	for {
		ev, err := stream.NextEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // normal shutdown
			}
			l.logger.Error("change stream error, closing", zap.String("namespace", l.ns.String()), zap.Error(err))
			l.broadcastFailure(err)
			return
		}
		l.buffer_(ev)
		l.broadcastEvent(ev)
	}
}

func (l *Listener) buffer_(ev *version.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer[ev.DocumentID] = ev // coalesce: overwrite any previously buffered event for this id
}

// Stop closes the stream and waits for the consumer goroutine to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.running = false
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.broadcastFailure(context.Canceled)
}

// IsStale reports whether this namespace's stream has just reopened and may
// have missed events.
func (l *Listener) IsStale() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stale
}

// ClearStale clears the staleness flag, called by the R2L pass once it has
// performed the required full-document catch-up.
func (l *Listener) ClearStale() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stale = false
}

// GetEvents atomically snapshots and clears the buffer (§4.2 getEvents).
func (l *Listener) GetEvents() map[primitive.ObjectID]*version.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := l.buffer
	l.buffer = make(map[primitive.ObjectID]*version.ChangeEvent)
	return snapshot
}

// GetUnprocessedEvent atomically fetches and removes one buffered event for
// id, used by the L2R pass to peek at concurrent remote state (§4.2
// getUnprocessedEvent).
func (l *Listener) GetUnprocessedEvent(id primitive.ObjectID) *version.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev, ok := l.buffer[id]
	if !ok {
		return nil
	}
	delete(l.buffer, id)
	return ev
}

// Lock/Unlock expose the per-namespace stream read-write lock directly
// (§4.2 concurrency, §5 lock 3). The sync engine does not call them; the
// buffer operations above take this lock themselves, so a caller holding it
// must not call them.
func (l *Listener) Lock()    { l.mu.Lock() }
func (l *Listener) Unlock()  { l.mu.Unlock() }
func (l *Listener) RLock()   { l.mu.RLock() }
func (l *Listener) RUnlock() { l.mu.RUnlock() }

// AddWatcher registers a new watcher and returns its handle for removal.
func (l *Listener) AddWatcher(buffered int) (id int, ch Watcher) {
	l.watchersMu.Lock()
	defer l.watchersMu.Unlock()
	id = l.nextWID
	l.nextWID++
	ch = make(Watcher, buffered)
	l.watchers[id] = ch
	return id, ch
}

// RemoveWatcher unregisters and closes a watcher's channel.
func (l *Listener) RemoveWatcher(id int) {
	l.watchersMu.Lock()
	defer l.watchersMu.Unlock()
	if ch, ok := l.watchers[id]; ok {
		close(ch)
		delete(l.watchers, id)
	}
}

func (l *Listener) broadcastEvent(ev *version.ChangeEvent) {
	l.watchersMu.Lock()
	defer l.watchersMu.Unlock()
	for _, ch := range l.watchers {
		select {
		case ch <- WatchResult{Event: ev}:
		default:
			l.logger.Warn("watcher channel full, dropping event", zap.String("namespace", l.ns.String()))
		}
	}
}

func (l *Listener) broadcastFailure(err error) {
	l.watchersMu.Lock()
	defer l.watchersMu.Unlock()
	for _, ch := range l.watchers {
		select {
		case ch <- WatchResult{Err: err}:
		default:
		}
	}
}
