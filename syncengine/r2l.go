package syncengine

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/listener"
	"docsync/nsync"
	"docsync/synclock"
	"docsync/version"
)

// runR2LPass performs the remote→local pass for one namespace (§4.5). The
// listener's stream lock is held only for the buffer swap inside GetEvents,
// not across the pass, and each DocumentConfig takes its own lock per call;
// no lock is held across the whole pass.
func (e *Engine) runR2LPass(ctx context.Context, nc *config.NamespaceConfig, l *listener.Listener) error {
	// Step 1: snapshot and clear buffered events. The engine's own syncMu
	// is held for this bookkeeping step; it is a separate mutex from the
	// one client.Client takes in Start/Stop, so it does not exclude those
	// calls. GetEvents itself takes the namespace's stream lock (the next
	// rung down the hierarchy, §5's lock-ordering rule) for the atomic
	// buffer swap.
	ls := synclock.NewSet()
	ls.Acquire(synclock.LevelSync, &e.syncMu)
	events := l.GetEvents()
	ls.Release()

	var staleIDs []primitive.ObjectID
	for _, dc := range nc.Documents() {
		if dc.IsStale() {
			if _, buffered := events[dc.DocumentID]; !buffered {
				staleIDs = append(staleIDs, dc.DocumentID)
			}
		}
	}

	// Step 2: batched remote find for all stale ids not already covered by a
	// buffered event.
	remoteDocs := make(map[primitive.ObjectID]bson.Raw)
	if len(staleIDs) > 0 {
		docs, err := e.remote.Find(ctx, nc.Namespace, idInFilter(staleIDs))
		if err != nil {
			return fmt.Errorf("r2l catch-up find for %s: %w", nc.Namespace, err)
		}
		for _, raw := range docs {
			var stub struct {
				ID primitive.ObjectID `bson:"_id"`
			}
			if err := bson.Unmarshal(raw, &stub); err != nil {
				continue
			}
			remoteDocs[stub.ID] = raw
		}
	}

	// Step 3: synthesize events for stale ids that had no buffered event.
	for _, id := range staleIDs {
		if raw, found := remoteDocs[id]; found {
			events[id] = &version.ChangeEvent{
				Operation:    version.OpReplace,
				Namespace:    nc.Namespace,
				DocumentID:   id,
				FullDocument: raw,
			}
		} else {
			events[id] = &version.ChangeEvent{
				Operation:  version.OpDelete,
				Namespace:  nc.Namespace,
				DocumentID: id,
			}
		}
	}

	if len(events) == 0 {
		return nil
	}

	// Step 4: route each event through the decision tree, accumulating
	// batched local writes.
	batch := NewBatchOps(e.userCollection(nc.Namespace))
	logicalT := e.instance.Clock.Current()

	for id, ev := range events {
		dc := nc.Document(id)
		if dc == nil {
			// Not (or no longer) a synchronized document; drop the event.
			continue
		}
		decision, err := e.decideR2L(ctx, nc.Namespace, dc, ev, logicalT)
		if err != nil {
			return err
		}
		switch decision.Outcome {
		case Dropped, PausedError:
			continue
		case NeedsDesync:
			nc.Desync(id)
			e.forgetCommitted(id)
			if e.recorder != nil {
				e.recorder.RecordDesynced(ctx, nc.Namespace.String())
			}
			continue
		case Applied:
			if err := e.applyR2LDecision(batch, dc, ev); err != nil {
				return err
			}
			if e.recorder != nil {
				e.recorder.RecordPulled(ctx, nc.Namespace.String())
			}
		case Conflict:
			dc.MarkDeferred(logicalT)
			if e.recorder != nil {
				e.recorder.RecordConflict(ctx, nc.Namespace.String())
			}
			if err := e.resolveConflict(ctx, nc, dc, dc.PendingEvent(), decision.RemoteEvent, batch); err != nil {
				return err
			}
		}
		if batch.ShouldFlush() {
			if err := e.flushR2LBatch(ctx, nc, batch); err != nil {
				return err
			}
		}
	}

	if err := e.flushR2LBatch(ctx, nc, batch); err != nil {
		return err
	}
	// The stale documents have been caught up from the remote side.
	for _, id := range staleIDs {
		if dc := nc.Document(id); dc != nil {
			dc.SetStale(false)
		}
	}
	nc.SetStale(false)
	l.ClearStale()
	return nil
}

func (e *Engine) flushR2LBatch(ctx context.Context, nc *config.NamespaceConfig, batch *BatchOps) error {
	if batch.Len() == 0 {
		return nil
	}
	touched := batch.TouchedIDs()
	if err := batch.Flush(ctx); err != nil {
		return err
	}
	if err := e.undoJournal(nc.Namespace).ClearMany(ctx, touched); err != nil {
		e.logger.Warn("clear undo journal after r2l flush failed", zap.Error(err))
	}
	return nil
}

// decideR2L routes a single (docConfig, event) pair through the exact
// decision tree of §4.5. The different-instanceId pending-write branch
// performs a "fetch newest remote doc by id" remote read, so this function
// takes a context and namespace to issue it.
func (e *Engine) decideR2L(ctx context.Context, ns nsync.Namespace, dc *config.DocumentConfig, ev *version.ChangeEvent, logicalT int64) (Decision, error) {
	if dc.IsPaused() {
		return dropped(), nil
	}
	if dc.HasUncommittedWrites() && dc.IsDeferredAt(logicalT) {
		return dropped(), nil
	}

	remoteVersion, err := version.GetRemoteVersionInfo(dc.DocumentID, ev.FullDocument)
	if err != nil {
		e.logger.Warn("malformed remote version, desyncing document",
			zap.String("document_id", dc.DocumentID.Hex()), zap.Error(err))
		return needsDesync(), nil
	}
	if remoteVersion != nil && remoteVersion.SyncProtocolVersion != version.ProtocolVersion {
		e.logger.Warn("unsupported remote protocol version, desyncing document",
			zap.String("document_id", dc.DocumentID.Hex()),
			zap.Int32("protocol_version", remoteVersion.SyncProtocolVersion))
		return needsDesync(), nil
	}

	local := dc.RemoteVersion()
	if e.committed != nil && remoteVersion != nil && e.committed.HasCommittedVersion(dc.DocumentID, remoteVersion) {
		return dropped(), nil
	}
	if version.HasCommittedVersion(local, remoteVersion) {
		return dropped(), nil
	}

	pending := dc.PendingEvent()
	if pending == nil {
		return applied(), nil
	}

	// There is a pending local write.
	if local == nil || remoteVersion == nil {
		return conflict(ev), nil
	}
	if version.SameInstance(local, remoteVersion) {
		if remoteVersion.VersionCounter <= local.VersionCounter {
			return dropped(), nil
		}
		return conflict(ev), nil
	}

	// Different instanceId: fetch the newest remote document by id.
	newest, err := e.remote.FindOne(ctx, ns, idFilter(dc.DocumentID))
	if err != nil {
		return Decision{}, fmt.Errorf("r2l fetch newest remote doc for %s: %w", dc.DocumentID.Hex(), err)
	}
	if newest == nil {
		return conflict(&version.ChangeEvent{
			Operation:  version.OpDelete,
			Namespace:  ns,
			DocumentID: dc.DocumentID,
		}), nil
	}
	newestVersion, verr := version.GetRemoteVersionInfo(dc.DocumentID, newest)
	if verr == nil && version.SameInstance(local, newestVersion) {
		return dropped(), nil
	}
	return conflict(&version.ChangeEvent{
		Operation:    version.OpReplace,
		Namespace:    ns,
		DocumentID:   dc.DocumentID,
		FullDocument: newest,
	}), nil
}

// applyR2LDecision performs the local-store side effect for an Applied
// decision.
func (e *Engine) applyR2LDecision(batch *BatchOps, dc *config.DocumentConfig, ev *version.ChangeEvent) error {
	switch ev.Operation {
	case version.OpInsert, version.OpUpdate, version.OpReplace:
		if err := e.applyLocalUpsert(batch, dc.DocumentID, ev.FullDocument); err != nil {
			return err
		}
		remoteVersion, _ := version.GetRemoteVersionInfo(dc.DocumentID, ev.FullDocument)
		dc.SetRemoteVersion(remoteVersion)
		e.recordCommitted(dc.DocumentID, remoteVersion)
	case version.OpDelete:
		e.applyLocalDelete(batch, dc.DocumentID)
		e.forgetCommitted(dc.DocumentID)
	}
	return nil
}
