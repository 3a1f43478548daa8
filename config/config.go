// Package config holds the persistent synchronization state the engine
// reconciles against on every pass: one row per synchronized document, one
// per namespace, and a single per-instance row. Grounded on the shape of the
// teacher's VectorClockDocument/MongoVectorClockManager (§ eventsync), but
// generalized from a single vector clock map to the full per-document
// tracking state the sync protocol requires (version, pending event, pause
// state, staleness).
package config

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docsync/nsync"
	"docsync/version"
)

// NoResolution is the sentinel lastResolution value meaning "this document
// has never been deferred by a conflict in the current logical time".
const NoResolution int64 = -1

// DocumentConfig is the per-document synchronization state (§3
// CoreDocumentSynchronizationConfig).
type DocumentConfig struct {
	mu sync.RWMutex

	DocumentID              primitive.ObjectID
	Namespace               nsync.Namespace
	LastKnownRemoteVersion  *version.DocumentVersion
	LastUncommittedChangeEvent *version.ChangeEvent
	LastResolution          int64
	IsStaleFlag             bool
	IsPausedFlag            bool
	HasUncommittedWritesFlag bool

	// PendingBaseDocument is the full document as it stood the moment the
	// first operation of the current coalesced pending write was staged
	// (e.g. the post-insert document, or the last-acknowledged remote
	// document when an UPDATE starts a fresh pending write). Subsequent
	// local UPDATEs in the same coalesced write re-diff against this base
	// rather than against each intermediate value, so two UPDATEs in a row
	// coalesce into one diff spanning both (§4.9).
	PendingBaseDocument bson.M
}

// NewDocumentConfig creates a fresh, unsynced-pending document config.
func NewDocumentConfig(ns nsync.Namespace, id primitive.ObjectID) *DocumentConfig {
	return &DocumentConfig{
		DocumentID:     id,
		Namespace:      ns,
		LastResolution: NoResolution,
	}
}

// IsPaused reports whether this document is frozen after an unrecoverable
// error — invariant 6 requires paused documents be invisible to both event
// application and the L2R pass.
func (d *DocumentConfig) IsPaused() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.IsPausedFlag
}

// Pause freezes the document: the engine will no longer apply remote
// changes to it nor push local writes for it until Resume is called.
func (d *DocumentConfig) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.IsPausedFlag = true
}

// Resume un-freezes a paused document, re-admitting it to both passes.
func (d *DocumentConfig) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.IsPausedFlag = false
}

// HasUncommittedWrites reports whether a local mutation is pending
// acknowledgement from the remote side.
func (d *DocumentConfig) HasUncommittedWrites() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.HasUncommittedWritesFlag
}

// PendingEvent returns the currently staged, not-yet-committed change event,
// or nil if there is none.
func (d *DocumentConfig) PendingEvent() *version.ChangeEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.LastUncommittedChangeEvent
}

// SetPendingEvent stages a new pending change event and marks the document
// as having uncommitted writes. Passing nil clears the pending state (and
// the coalescence base document along with it).
func (d *DocumentConfig) SetPendingEvent(ev *version.ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastUncommittedChangeEvent = ev
	d.HasUncommittedWritesFlag = ev != nil
	if ev == nil {
		d.PendingBaseDocument = nil
	}
}

// PendingBase returns the base document the current coalesced pending
// write should be re-diffed against, or nil if there is no pending write
// in progress.
func (d *DocumentConfig) PendingBase() bson.M {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.PendingBaseDocument
}

// StartPendingWrite begins a new coalesced pending write: it records base
// as the document to re-diff future UPDATEs against and stages ev as the
// first operation of the write. Use this instead of SetPendingEvent when
// starting a fresh (non-coalescing) pending write.
func (d *DocumentConfig) StartPendingWrite(ev *version.ChangeEvent, base bson.M) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastUncommittedChangeEvent = ev
	d.HasUncommittedWritesFlag = ev != nil
	d.PendingBaseDocument = base
}

// Commit clears pending-write metadata and records the new acknowledged
// remote version, the way a successful L2R push or accepted resolution does.
func (d *DocumentConfig) Commit(newVersion *version.DocumentVersion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastUncommittedChangeEvent = nil
	d.HasUncommittedWritesFlag = false
	d.PendingBaseDocument = nil
	d.LastKnownRemoteVersion = newVersion
}

// RemoteVersion returns the last-known-committed remote version vector.
func (d *DocumentConfig) RemoteVersion() *version.DocumentVersion {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.LastKnownRemoteVersion
}

// SetRemoteVersion overwrites the last-known-committed remote version
// without touching pending-write state, used on a plain R2L apply.
func (d *DocumentConfig) SetRemoteVersion(v *version.DocumentVersion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastKnownRemoteVersion = v
}

// MarkDeferred sets lastResolution to the given logical time, making the
// document skipped for the remainder of the current pass (§4.5/§4.7).
func (d *DocumentConfig) MarkDeferred(logicalT int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastResolution = logicalT
}

// IsDeferredAt reports whether this document was already deferred at the
// given logical time, in which case the R2L decision tree must skip it
// again this pass.
func (d *DocumentConfig) IsDeferredAt(logicalT int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.LastResolution == logicalT
}

// IsStale reports whether the namespace-wide staleness flag was set on this
// document the last time its namespace's stream reopened.
func (d *DocumentConfig) IsStale() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.IsStaleFlag
}

// SetStale marks or clears the staleness flag.
func (d *DocumentConfig) SetStale(stale bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.IsStaleFlag = stale
}

// Snapshot returns a value copy of the config's fields for safe reading
// without holding the lock across a longer operation (e.g. an R2L decision).
type Snapshot struct {
	DocumentID               primitive.ObjectID
	Namespace                nsync.Namespace
	LastKnownRemoteVersion   *version.DocumentVersion
	LastUncommittedChangeEvent *version.ChangeEvent
	LastResolution           int64
	IsStale                  bool
	IsPaused                 bool
	HasUncommittedWrites     bool
}

// Snapshot returns the current state as a value type.
func (d *DocumentConfig) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		DocumentID:                 d.DocumentID,
		Namespace:                  d.Namespace,
		LastKnownRemoteVersion:     d.LastKnownRemoteVersion,
		LastUncommittedChangeEvent: d.LastUncommittedChangeEvent,
		LastResolution:             d.LastResolution,
		IsStale:                    d.IsStaleFlag,
		IsPaused:                   d.IsPausedFlag,
		HasUncommittedWrites:       d.HasUncommittedWritesFlag,
	}
}
