package syncengine

import (
	"context"
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/version"
)

// resolveConflict runs the user-supplied resolver and applies its decision
// to the local store and config, per §4.7. localEvent may be nil if the
// document has no pending write of its own (a pure remote/remote race seen
// only through two differently-staled reads is out of scope here; in
// practice this path is always reached with dc.PendingEvent() != nil since
// only pending-write documents reach the conflict branch of the decision
// trees).
func (e *Engine) resolveConflict(ctx context.Context, nc *config.NamespaceConfig, dc *config.DocumentConfig, localEvent, remoteEvent *version.ChangeEvent, batch *BatchOps) error {
	handler := nc.ConflictHandler()
	if handler == nil {
		e.logger.Info("no conflict handler registered, deferring resolution",
			zap.String("document_id", dc.DocumentID.Hex()))
		return nil
	}

	sanitizedLocal, err := sanitizeEvent(localEvent)
	if err != nil {
		return e.failResolution(nc, dc, err)
	}
	sanitizedRemote, err := sanitizeEvent(remoteEvent)
	if err != nil {
		return e.failResolution(nc, dc, err)
	}

	resolution, err := handler(dc.DocumentID, sanitizedLocal, sanitizedRemote)
	if err != nil {
		return e.failResolution(nc, dc, err)
	}

	return e.applyResolution(ctx, nc, dc, remoteEvent, resolution, batch)
}

// failResolution pauses the document and reports the resolver's error
// upward, per §4.7 ("Resolver throws: emit error, pause the document").
func (e *Engine) failResolution(nc *config.NamespaceConfig, dc *config.DocumentConfig, err error) error {
	e.pauseDocument(nc, dc, err)
	return nil
}

// sanitizeEvent returns an event whose FullDocument is stripped of the
// version field before it reaches the user resolver (§4.7: "Events passed to
// the resolver are sanitized"). A nil event or a DELETE event (no full
// document) passes through unchanged.
func sanitizeEvent(ev *version.ChangeEvent) (*version.ChangeEvent, error) {
	if ev == nil || ev.FullDocument == nil {
		return ev, nil
	}
	clean, err := version.SanitizeRaw(ev.FullDocument)
	if err != nil {
		return nil, fmt.Errorf("sanitize event document for resolver: %w", err)
	}
	raw, err := bson.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("marshal sanitized event document: %w", err)
	}
	out := *ev
	out.FullDocument = raw
	return &out, nil
}

// applyResolution performs the local-side effects of a resolver's decision,
// per §4.7's resolution-application rules. resolution is either nil (the
// resolver chose "delete") or a full replacement document (bson.M, decoded
// via the namespace codec upstream of this engine).
func (e *Engine) applyResolution(ctx context.Context, nc *config.NamespaceConfig, dc *config.DocumentConfig, remoteEvent *version.ChangeEvent, resolution interface{}, batch *BatchOps) error {
	remoteVersion, _ := version.GetRemoteVersionInfo(dc.DocumentID, remoteDocOf(remoteEvent))

	acceptRemote := acceptsRemote(remoteEvent, resolution)

	if resolution == nil {
		batch.Delete(dc.DocumentID)
		if acceptRemote {
			dc.Commit(remoteVersion)
			nc.Desync(dc.DocumentID)
			e.forgetCommitted(dc.DocumentID)
			nc.EmitChange(&version.ChangeEvent{
				Operation:  version.OpDelete,
				Namespace:  nc.Namespace,
				DocumentID: dc.DocumentID,
			})
		} else {
			dc.SetRemoteVersion(remoteVersion)
			nc.EmitChange(&version.ChangeEvent{
				Operation:  version.OpDelete,
				Namespace:  nc.Namespace,
				DocumentID: dc.DocumentID,
			})
		}
		return nil
	}

	resolved, ok := resolution.(bson.M)
	if !ok {
		return fmt.Errorf("conflict resolution for %s: resolver returned non-document resolution", dc.DocumentID.Hex())
	}
	resolved["_id"] = dc.DocumentID
	batch.Upsert(dc.DocumentID, resolved)

	if acceptRemote {
		dc.Commit(remoteVersion)
		e.recordCommitted(dc.DocumentID, remoteVersion)
		nc.EmitChange(&version.ChangeEvent{
			Operation:    version.OpReplace,
			Namespace:    nc.Namespace,
			DocumentID:   dc.DocumentID,
			FullDocument: marshalOrNil(resolved),
		})
	} else {
		dc.SetRemoteVersion(remoteVersion)
		op := version.OpUpdate
		if remoteEvent == nil || remoteEvent.IsDelete() {
			op = version.OpInsert
		}
		nc.EmitChange(&version.ChangeEvent{
			Operation:    op,
			Namespace:    nc.Namespace,
			DocumentID:   dc.DocumentID,
			FullDocument: marshalOrNil(resolved),
		})
	}
	return nil
}

// acceptsRemote implements "acceptRemote := (remoteEvent.fullDocument==null
// && resolution==null) || remoteEvent.fullDocument == resolution".
func acceptsRemote(remoteEvent *version.ChangeEvent, resolution interface{}) bool {
	remoteIsDelete := remoteEvent == nil || remoteEvent.IsDelete() || remoteEvent.FullDocument == nil
	if remoteIsDelete {
		return resolution == nil
	}
	if resolution == nil {
		return false
	}
	resolved, ok := resolution.(bson.M)
	if !ok {
		return false
	}
	sanitizedRemote, err := version.SanitizeRaw(remoteEvent.FullDocument)
	if err != nil {
		return false
	}
	delete(sanitizedRemote, "_id")
	resolvedCopy := bson.M{}
	for k, v := range resolved {
		resolvedCopy[k] = v
	}
	delete(resolvedCopy, "_id")
	remoteBytes, errA := bson.Marshal(sanitizedRemote)
	resolvedBytes, errB := bson.Marshal(resolvedCopy)
	if errA != nil || errB != nil {
		return false
	}
	// Map keys marshal in no fixed order, so compare the decoded forms.
	var remoteNorm, resolvedNorm bson.M
	if bson.Unmarshal(remoteBytes, &remoteNorm) != nil || bson.Unmarshal(resolvedBytes, &resolvedNorm) != nil {
		return false
	}
	return reflect.DeepEqual(remoteNorm, resolvedNorm)
}

func remoteDocOf(ev *version.ChangeEvent) bson.Raw {
	if ev == nil {
		return nil
	}
	return ev.FullDocument
}

func marshalOrNil(doc bson.M) bson.Raw {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil
	}
	return raw
}
