package syncengine

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/listener"
	"docsync/remote"
	"docsync/version"
)

// runL2RPass performs the local→remote pass for one namespace (§4.6): every
// document with a pending write not paused and not already deferred this
// logical time is pushed to the remote service, routed through the same
// Conflict/Applied/NeedsDesync/PausedError decision vocabulary the R2L pass
// uses (§9's tagged-result replacement for exception-for-control-flow).
func (e *Engine) runL2RPass(ctx context.Context, nc *config.NamespaceConfig, l *listener.Listener, logicalT int64) error {
	batch := NewBatchOps(e.userCollection(nc.Namespace))

	for _, dc := range nc.Documents() {
		if dc.IsPaused() || !dc.HasUncommittedWrites() || dc.IsDeferredAt(logicalT) {
			continue
		}
		if err := e.pushDocument(ctx, nc, dc, l, logicalT, batch); err != nil {
			return fmt.Errorf("l2r push for %s: %w", dc.DocumentID.Hex(), err)
		}
		if batch.ShouldFlush() {
			if err := e.flushR2LBatch(ctx, nc, batch); err != nil {
				return err
			}
		}
	}

	return e.flushR2LBatch(ctx, nc, batch)
}

// pushDocument pushes one document's pending write remotely, per the
// decision table in §4.6. Any error returned here is an infrastructure
// failure (context cancellation, a transport error from the remote
// service other than the ones the table classifies as a conflict
// trigger); per §7 those are reported via the error listener and pause
// the document rather than aborting the pass, so pushDocument itself
// only ever returns an error the caller should treat as fatal to the pass.
func (e *Engine) pushDocument(ctx context.Context, nc *config.NamespaceConfig, dc *config.DocumentConfig, l *listener.Listener, logicalT int64, batch *BatchOps) error {
	pending := dc.PendingEvent()
	if pending == nil {
		return nil
	}

	// Step 1: peek at any remote event the listener buffered concurrently
	// for this id (§4.6 point 1). If it carries information we have not
	// already committed, this is a conflict rather than a push.
	if peeked := l.GetUnprocessedEvent(dc.DocumentID); peeked != nil {
		peekedVersion, err := version.GetRemoteVersionInfo(dc.DocumentID, peeked.FullDocument)
		if err != nil {
			e.logger.Warn("malformed peeked remote version, desyncing document",
				zap.String("document_id", dc.DocumentID.Hex()), zap.Error(err))
			nc.Desync(dc.DocumentID)
			e.forgetCommitted(dc.DocumentID)
			return nil
		}
		if !version.HasCommittedVersion(dc.RemoteVersion(), peekedVersion) {
			dc.MarkDeferred(logicalT)
			if e.recorder != nil {
				e.recorder.RecordConflict(ctx, nc.Namespace.String())
			}
			return e.resolveConflict(ctx, nc, dc, pending, peeked, batch)
		}
	}

	switch pending.Operation {
	case version.OpInsert:
		return e.pushInsert(ctx, nc, dc, logicalT, batch)
	case version.OpReplace:
		return e.pushReplace(ctx, nc, dc, pending, logicalT, batch)
	case version.OpUpdate:
		return e.pushUpdate(ctx, nc, dc, pending, logicalT, batch)
	case version.OpDelete:
		return e.pushDelete(ctx, nc, dc, logicalT, batch)
	default:
		return fmt.Errorf("unknown pending operation %q for %s", pending.Operation, dc.DocumentID.Hex())
	}
}

func (e *Engine) pushInsert(ctx context.Context, nc *config.NamespaceConfig, dc *config.DocumentConfig, logicalT int64, batch *BatchOps) error {
	pending := dc.PendingEvent()
	var doc bson.M
	if err := bson.Unmarshal(pending.FullDocument, &doc); err != nil {
		return fmt.Errorf("decode pending insert document: %w", err)
	}

	next := version.NextVersion(dc.RemoteVersion())
	stamped := stampVersion(doc, next)

	err := e.remote.InsertOne(ctx, nc.Namespace, stamped)
	if err == nil {
		e.commitPush(nc, dc, next, version.OpInsert, stamped)
		return nil
	}

	if remote.IsDuplicateKey(err) {
		newest, findErr := e.remote.FindOne(ctx, nc.Namespace, idFilter(dc.DocumentID))
		if findErr != nil {
			return fmt.Errorf("fetch conflicting remote document for %s: %w", dc.DocumentID.Hex(), findErr)
		}
		dc.MarkDeferred(logicalT)
		return e.resolveConflict(ctx, nc, dc, pending, &version.ChangeEvent{
			Operation:    version.OpReplace,
			Namespace:    nc.Namespace,
			DocumentID:   dc.DocumentID,
			FullDocument: newest,
		}, batch)
	}

	e.pauseDocument(nc, dc, err)
	return nil
}

func (e *Engine) pushReplace(ctx context.Context, nc *config.NamespaceConfig, dc *config.DocumentConfig, pending *version.ChangeEvent, logicalT int64, batch *BatchOps) error {
	var doc bson.M
	if err := bson.Unmarshal(pending.FullDocument, &doc); err != nil {
		return fmt.Errorf("decode pending replace document: %w", err)
	}

	next := version.NextVersion(dc.RemoteVersion())
	stamped := stampVersion(doc, next)
	filter := versionFilter(dc)

	res, err := e.remote.ReplaceOne(ctx, nc.Namespace, filter, stamped)
	if err != nil {
		e.pauseDocument(nc, dc, err)
		return nil
	}
	if res.MatchedCount == 0 {
		dc.MarkDeferred(logicalT)
		return e.fetchAndResolve(ctx, nc, dc, pending, batch)
	}

	e.commitPush(nc, dc, next, version.OpReplace, stamped)
	return nil
}

func (e *Engine) pushUpdate(ctx context.Context, nc *config.NamespaceConfig, dc *config.DocumentConfig, pending *version.ChangeEvent, logicalT int64, batch *BatchOps) error {
	desc := pending.UpdateDescription
	if desc == nil || (len(desc.UpdatedFields) == 0 && len(desc.RemovedFields) == 0) {
		// §4.6: an empty diff must be dropped without touching the remote —
		// committing a no-op would otherwise bump the version spuriously.
		dc.Commit(dc.RemoteVersion())
		nc.EmitChange(&version.ChangeEvent{
			Operation:  version.OpUpdate,
			Namespace:  nc.Namespace,
			DocumentID: dc.DocumentID,
		})
		return nil
	}

	next := version.NextVersion(dc.RemoteVersion())
	set := bson.M{}
	for path, val := range desc.UpdatedFields {
		set[path] = val
	}
	set[version.FieldName] = next
	update := bson.M{"$set": set}
	if len(desc.RemovedFields) > 0 {
		unset := bson.M{}
		for _, path := range desc.RemovedFields {
			unset[path] = ""
		}
		update["$unset"] = unset
	}

	filter := versionFilter(dc)
	res, err := e.remote.UpdateOne(ctx, nc.Namespace, filter, update)
	if err != nil {
		e.pauseDocument(nc, dc, err)
		return nil
	}
	if res.MatchedCount == 0 {
		dc.MarkDeferred(logicalT)
		return e.fetchAndResolve(ctx, nc, dc, pending, batch)
	}

	e.commitPush(nc, dc, next, version.OpUpdate, nil)
	return nil
}

func (e *Engine) pushDelete(ctx context.Context, nc *config.NamespaceConfig, dc *config.DocumentConfig, logicalT int64, batch *BatchOps) error {
	filter := versionFilter(dc)
	res, err := e.remote.DeleteOne(ctx, nc.Namespace, filter)
	if err != nil {
		e.pauseDocument(nc, dc, err)
		return nil
	}
	if res.DeletedCount == 0 {
		// Conflict only if the document still exists remotely (§4.6's DELETE
		// trigger); if it is already gone, our delete simply raced a prior
		// removal and this is a clean success.
		existing, findErr := e.remote.FindOne(ctx, nc.Namespace, idFilter(dc.DocumentID))
		if findErr != nil {
			return fmt.Errorf("check remote existence after failed delete for %s: %w", dc.DocumentID.Hex(), findErr)
		}
		if existing != nil {
			dc.MarkDeferred(logicalT)
			return e.resolveConflict(ctx, nc, dc, dc.PendingEvent(), &version.ChangeEvent{
				Operation:    version.OpReplace,
				Namespace:    nc.Namespace,
				DocumentID:   dc.DocumentID,
				FullDocument: existing,
			}, batch)
		}
	}

	dc.Commit(nil)
	e.forgetCommitted(dc.DocumentID)
	nc.Desync(dc.DocumentID)
	nc.EmitChange(&version.ChangeEvent{
		Operation:  version.OpDelete,
		Namespace:  nc.Namespace,
		DocumentID: dc.DocumentID,
	})
	return nil
}

// fetchAndResolve handles the matched==0 branch shared by REPLACE and
// UPDATE: the remote document moved out from under our filter, so fetch its
// current state and route it through the resolver as a synthesized
// REPLACE.
func (e *Engine) fetchAndResolve(ctx context.Context, nc *config.NamespaceConfig, dc *config.DocumentConfig, pending *version.ChangeEvent, batch *BatchOps) error {
	newest, err := e.remote.FindOne(ctx, nc.Namespace, idFilter(dc.DocumentID))
	if err != nil {
		return fmt.Errorf("fetch newest remote document for %s: %w", dc.DocumentID.Hex(), err)
	}
	remoteEvent := &version.ChangeEvent{
		Operation:  version.OpDelete,
		Namespace:  nc.Namespace,
		DocumentID: dc.DocumentID,
	}
	if newest != nil {
		remoteEvent.Operation = version.OpReplace
		remoteEvent.FullDocument = newest
	}
	return e.resolveConflict(ctx, nc, dc, pending, remoteEvent, batch)
}

// commitPush clears pending-write metadata and emits the committed change
// event on a successful, non-conflicting push (§4.6: "On non-conflict
// success: emit the change event (with uncommittedWrites=false) and clear
// the pending-write metadata with the new version").
func (e *Engine) commitPush(nc *config.NamespaceConfig, dc *config.DocumentConfig, newVersion *version.DocumentVersion, op version.Operation, fullDoc bson.M) {
	dc.Commit(newVersion)
	e.recordCommitted(dc.DocumentID, newVersion)
	if e.recorder != nil {
		e.recorder.RecordPushed(context.Background(), nc.Namespace.String())
	}

	ev := &version.ChangeEvent{
		Operation:         op,
		Namespace:         nc.Namespace,
		DocumentID:        dc.DocumentID,
		UncommittedWrites: false,
	}
	if fullDoc != nil {
		ev.FullDocument = marshalOrNil(fullDoc)
	}
	nc.EmitChange(ev)
}

// versionFilter builds the {_id, __stitch_sync_version} filter the table in
// §4.6 requires for REPLACE/UPDATE/DELETE. A document with no known remote
// version yet matches on id alone.
func versionFilter(dc *config.DocumentConfig) bson.M {
	filter := idFilter(dc.DocumentID)
	if v := dc.RemoteVersion(); v != nil {
		filter[version.FieldName] = v
	}
	return filter
}
