package config

import (
	"fmt"
	"math"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"docsync/nsync"
	"docsync/version"
)

// ConflictHandler is the user-supplied resolver invoked on write/write
// conflicts (§4.7). A nil resolution means "delete".
type ConflictHandler func(documentID primitive.ObjectID, localEvent, remoteEvent *version.ChangeEvent) (resolution interface{}, err error)

// ChangeListener is notified of every change event the engine applies or
// emits for a namespace, after sanitization.
type ChangeListener func(ev *version.ChangeEvent)

// ErrorListener is notified whenever a document is paused due to an
// unrecoverable error (§7).
type ErrorListener func(documentID primitive.ObjectID, err error)

// NamespaceConfig holds the per-namespace synchronization state: the set of
// document configs currently being synchronized, the namespace's resolver
// and listeners, and its staleness flag. Grounded on the teacher's
// per-resource registration map pattern (eventsync.SyncServiceImpl.clients),
// applied here to namespace→document instead of document→client.
type NamespaceConfig struct {
	mu sync.RWMutex

	Namespace nsync.Namespace
	documents map[primitive.ObjectID]*DocumentConfig

	conflictHandler ConflictHandler
	changeListeners []ChangeListener
	errorListeners  []ErrorListener

	stale bool
}

// NewNamespaceConfig creates an empty namespace config.
func NewNamespaceConfig(ns nsync.Namespace) *NamespaceConfig {
	return &NamespaceConfig{
		Namespace: ns,
		documents: make(map[primitive.ObjectID]*DocumentConfig),
	}
}

// SetConflictHandler installs the resolver used for this namespace's
// conflicts. Only one resolver is active at a time.
func (n *NamespaceConfig) SetConflictHandler(h ConflictHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conflictHandler = h
}

// ConflictHandler returns the currently installed resolver, or nil.
func (n *NamespaceConfig) ConflictHandler() ConflictHandler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conflictHandler
}

// AddChangeListener registers a listener notified of every applied or
// emitted change event in this namespace.
func (n *NamespaceConfig) AddChangeListener(l ChangeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changeListeners = append(n.changeListeners, l)
}

// AddErrorListener registers a listener notified whenever a document in
// this namespace is paused.
func (n *NamespaceConfig) AddErrorListener(l ErrorListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errorListeners = append(n.errorListeners, l)
}

// EmitChange fans a change event out to every registered change listener.
// The listener list is copied under the namespace lock and the listeners are
// called with no lock held; emissions from different goroutines are not
// serialized against each other.
func (n *NamespaceConfig) EmitChange(ev *version.ChangeEvent) {
	n.mu.RLock()
	listeners := append([]ChangeListener(nil), n.changeListeners...)
	n.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// EmitError fans a pause-triggering error out to every registered error
// listener.
func (n *NamespaceConfig) EmitError(documentID primitive.ObjectID, err error) {
	n.mu.RLock()
	listeners := append([]ErrorListener(nil), n.errorListeners...)
	n.mu.RUnlock()
	for _, l := range listeners {
		l(documentID, err)
	}
}

// EnsureDocument returns the document config for id, creating one
// (invariant 1: a config exists iff the document is being synchronized) if
// absent.
func (n *NamespaceConfig) EnsureDocument(id primitive.ObjectID) *DocumentConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	dc, ok := n.documents[id]
	if !ok {
		dc = NewDocumentConfig(n.Namespace, id)
		n.documents[id] = dc
	}
	return dc
}

// Restore installs a DocumentConfig reconstructed from persisted state
// (configstore.Store.LoadDocuments) directly into the namespace's document
// map, used only at startup before any EnsureDocument call for the same id
// has had a chance to create a fresh one.
func (n *NamespaceConfig) Restore(dc *DocumentConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.documents[dc.DocumentID] = dc
}

// Document returns the document config for id, or nil if the document is
// not currently synchronized.
func (n *NamespaceConfig) Document(id primitive.ObjectID) *DocumentConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.documents[id]
}

// Desync removes a document's config entirely, ending synchronization for
// it (invariant 1, reverse direction).
func (n *NamespaceConfig) Desync(id primitive.ObjectID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.documents, id)
}

// SyncedIDs returns every document id currently being synchronized in this
// namespace, the set used to (re)open the namespace's change stream.
func (n *NamespaceConfig) SyncedIDs() []primitive.ObjectID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]primitive.ObjectID, 0, len(n.documents))
	for id := range n.documents {
		ids = append(ids, id)
	}
	return ids
}

// Documents returns every document config currently tracked, a snapshot of
// the map's values (not a copy of the configs themselves, which remain
// live and independently locked).
func (n *NamespaceConfig) Documents() []*DocumentConfig {
	n.mu.RLock()
	defer n.mu.RUnlock()
	docs := make([]*DocumentConfig, 0, len(n.documents))
	for _, dc := range n.documents {
		docs = append(docs, dc)
	}
	return docs
}

// PausedIDs returns the ids of every document currently frozen, for
// getPausedDocumentIds.
func (n *NamespaceConfig) PausedIDs() []primitive.ObjectID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var ids []primitive.ObjectID
	for id, dc := range n.documents {
		if dc.IsPaused() {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsStale reports whether this namespace's stream has just reopened and may
// have missed events.
func (n *NamespaceConfig) IsStale() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stale
}

// SetStale marks or clears the namespace staleness flag. Marking stale
// additionally stamps every currently-tracked document stale, so the next
// R2L pass performs a full-document catch-up on all of them (§4.2).
func (n *NamespaceConfig) SetStale(stale bool) {
	n.mu.Lock()
	n.stale = stale
	docs := make([]*DocumentConfig, 0, len(n.documents))
	for _, dc := range n.documents {
		docs = append(docs, dc)
	}
	n.mu.Unlock()

	if stale {
		for _, dc := range docs {
			dc.SetStale(true)
		}
	}
}

// LogicalClock is the per-engine monotonically increasing tag described in
// §5/§9: it wraps at math.MaxInt64 back to 0, tagging each sync pass so a
// document deferred earlier in the same pass is not retried within it.
type LogicalClock struct {
	mu sync.Mutex
	t  int64
}

// Next advances and returns the new logical time.
func (c *LogicalClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t == math.MaxInt64 {
		c.t = 0
	} else {
		c.t++
	}
	return c.t
}

// Current returns the logical time without advancing it.
func (c *LogicalClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// String implements fmt.Stringer for diagnostic logging.
func (n *NamespaceConfig) String() string {
	return fmt.Sprintf("NamespaceConfig{%s}", n.Namespace)
}
