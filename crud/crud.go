// Package crud implements the local-first document surface applications
// call directly (§4.9 and §6's "local CRUD operations mutate the local
// store immediately and are queued for the next L2R pass"). Every call
// mutates the local embedded store before returning, brackets that
// mutation with the undo journal (§4.4), and stages (or coalesces into an
// already-pending write for the same document) the change event the next
// sync pass will push.
//
// Grounded on the teacher's EventSyncStorage[T] (eventsync/event_sync_storage.go):
// the same fetch-pre-image / mutate / diff / stage sequence, generalized
// from a typed single-collection wrapper to an untyped surface operating
// over whatever documents a NamespaceConfig is tracking.
package crud

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/localstore"
	"docsync/undo"
	"docsync/version"
)

// ErrPaused is returned by every method when the target document is
// currently frozen after an unrecoverable sync error (§7).
var ErrPaused = errors.New("crud: document is paused")

// ErrConflictingPendingWrite is returned when the requested operation has
// no valid coalescing transition given the document's current pending
// write (§4.9): inserting over an already-pending insert or replace or
// update, or updating a document that is pending deletion.
var ErrConflictingPendingWrite = errors.New("crud: operation conflicts with an already-pending write")

const noOp version.Operation = ""

// Surface is the local-first CRUD surface for one namespace.
type Surface struct {
	nc         *config.NamespaceConfig
	local      localstore.Store
	undoJ      *undo.Journal
	logger     *zap.Logger
	idsChanged func()
}

// New creates a CRUD surface over nc's documents, backed by local and
// bracketed by undoJ.
func New(nc *config.NamespaceConfig, local localstore.Store, undoJ *undo.Journal, logger *zap.Logger) *Surface {
	return &Surface{nc: nc, local: local, undoJ: undoJ, logger: logger}
}

// SetIDsChangedHook installs fn to be called whenever InsertOne/InsertMany
// admit a brand new id into the namespace, or DeleteOne removes one outright
// (the INSERT+DELETE coalescence cell). Per §4.2's restart policy, the
// stream listener must reopen filtered to the new id set whenever it
// changes; the surface itself owns no reference to the listener pool, so it
// calls back through this hook instead (wired by docsync/client.Client).
func (s *Surface) SetIDsChangedHook(fn func()) {
	s.idsChanged = fn
}

func (s *Surface) notifyIDsChanged() {
	if s.idsChanged != nil {
		s.idsChanged()
	}
}

func (s *Surface) collection() localstore.Collection {
	return s.local.Collection(s.nc.Namespace.Database, s.nc.Namespace.UserCollectionName())
}

func (s *Surface) currentLocal(ctx context.Context, id primitive.ObjectID) (bson.M, error) {
	doc, err := s.collection().FindOne(ctx, bson.M{"_id": id})
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read current local document %s: %w", id.Hex(), err)
	}
	return doc, nil
}

func opOf(ev *version.ChangeEvent) version.Operation {
	if ev == nil {
		return noOp
	}
	return ev.Operation
}

// baseFor returns the document state the next diff must be computed
// against: the coalescence base recorded when the current pending write
// began, or preImage if there is no pending write yet (starting a fresh
// one), or an empty document if neither exists (a brand new insert).
func baseFor(dc *config.DocumentConfig, preImage bson.M) bson.M {
	if dc.HasUncommittedWrites() {
		if b := dc.PendingBase(); b != nil {
			return b
		}
	}
	if preImage != nil {
		return preImage
	}
	return bson.M{}
}

func descFromPatch(p *version.BsonPatch) *version.UpdateDescription {
	desc := &version.UpdateDescription{UpdatedFields: map[string]interface{}{}}
	if p == nil {
		return desc
	}
	desc.UpdatedFields = p.Set
	for k := range p.Unset {
		desc.RemovedFields = append(desc.RemovedFields, k)
	}
	return desc
}

func marshalOrNil(doc bson.M) bson.Raw {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil
	}
	return raw
}

// clearUndo closes the undo bracket opened by Record once a mutation and
// its pending-write bookkeeping have both completed (§4.4): best-effort,
// logged rather than failing the call, matching the sync engine's own
// batch-flush undo clearing in syncengine.flushR2LBatch.
func (s *Surface) clearUndo(ctx context.Context, id primitive.ObjectID) {
	if err := s.undoJ.Clear(ctx, id); err != nil {
		s.logger.Warn("clear undo entry after local mutation failed", zap.String("document_id", id.Hex()), zap.Error(err))
	}
}

func ensureID(doc bson.M) primitive.ObjectID {
	if existing, ok := doc["_id"]; ok {
		if oid, ok := existing.(primitive.ObjectID); ok {
			return oid
		}
	}
	id := primitive.NewObjectID()
	doc["_id"] = id
	return id
}

// InsertOne inserts doc into the local store and stages a pending INSERT,
// generating an id if doc does not already carry one. Any sync version field
// is stripped from doc before it is stored.
func (s *Surface) InsertOne(ctx context.Context, doc bson.M) (primitive.ObjectID, error) {
	id := ensureID(doc)
	delete(doc, version.FieldName)
	dc := s.nc.EnsureDocument(id)
	if dc.IsPaused() {
		return id, ErrPaused
	}

	switch opOf(dc.PendingEvent()) {
	case noOp, version.OpDelete:
		// A pending DELETE followed by a fresh INSERT restarts the
		// document's life as a new pending INSERT (§4.9); any other
		// pending op (INSERT/UPDATE/REPLACE) makes a second INSERT
		// nonsensical.
	default:
		return id, ErrConflictingPendingWrite
	}

	if err := s.undoJ.Record(ctx, id, nil); err != nil {
		return id, fmt.Errorf("record undo pre-image for insert %s: %w", id.Hex(), err)
	}
	if err := s.collection().InsertOne(ctx, doc); err != nil {
		return id, fmt.Errorf("local insert %s: %w", id.Hex(), err)
	}

	ev := &version.ChangeEvent{
		Operation:         version.OpInsert,
		Namespace:         s.nc.Namespace,
		DocumentID:        id,
		FullDocument:      marshalOrNil(doc),
		UncommittedWrites: true,
	}
	dc.StartPendingWrite(ev, bson.M{})
	s.nc.EmitChange(ev)
	s.clearUndo(ctx, id)
	s.notifyIDsChanged()
	return id, nil
}

// ReplaceOne replaces the document identified by id with doc in the local
// store and stages (or coalesces) a pending REPLACE.
func (s *Surface) ReplaceOne(ctx context.Context, id primitive.ObjectID, doc bson.M) error {
	dc := s.nc.EnsureDocument(id)
	if dc.IsPaused() {
		return ErrPaused
	}
	doc["_id"] = id
	existingOp := opOf(dc.PendingEvent())

	preImage, err := s.currentLocal(ctx, id)
	if err != nil {
		return err
	}
	if err := s.undoJ.Record(ctx, id, preImage); err != nil {
		return fmt.Errorf("record undo pre-image for replace %s: %w", id.Hex(), err)
	}
	if _, err := s.collection().FindOneAndReplace(ctx, bson.M{"_id": id}, doc, true); err != nil {
		return fmt.Errorf("local replace %s: %w", id.Hex(), err)
	}

	base := baseFor(dc, preImage)
	resultOp := version.OpReplace
	if existingOp == version.OpInsert {
		// INSERT + REPLACE coalesces into a still-pending INSERT carrying
		// the replaced document, rather than a separate REPLACE (§4.9):
		// the remote side has never seen this document at all yet.
		resultOp = version.OpInsert
	}

	ev := &version.ChangeEvent{
		Operation:         resultOp,
		Namespace:         s.nc.Namespace,
		DocumentID:        id,
		FullDocument:      marshalOrNil(doc),
		UncommittedWrites: true,
	}
	dc.StartPendingWrite(ev, base)
	s.nc.EmitChange(ev)
	s.clearUndo(ctx, id)
	return nil
}

// UpdateOne applies a MongoDB-style update document (top-level $set/$unset)
// to the document identified by id in the local store and stages (or
// coalesces) the resulting pending write.
func (s *Surface) UpdateOne(ctx context.Context, id primitive.ObjectID, update bson.M) error {
	dc := s.nc.EnsureDocument(id)
	if dc.IsPaused() {
		return ErrPaused
	}
	existingOp := opOf(dc.PendingEvent())
	if existingOp == version.OpDelete {
		return ErrConflictingPendingWrite
	}

	preImage, err := s.currentLocal(ctx, id)
	if err != nil {
		return err
	}
	if err := s.undoJ.Record(ctx, id, preImage); err != nil {
		return fmt.Errorf("record undo pre-image for update %s: %w", id.Hex(), err)
	}
	newDoc, err := s.collection().FindOneAndUpdate(ctx, bson.M{"_id": id}, update, true)
	if err != nil {
		return fmt.Errorf("local update %s: %w", id.Hex(), err)
	}

	base := baseFor(dc, preImage)

	switch existingOp {
	case version.OpInsert:
		ev := &version.ChangeEvent{
			Operation:         version.OpInsert,
			Namespace:         s.nc.Namespace,
			DocumentID:        id,
			FullDocument:      marshalOrNil(newDoc),
			UncommittedWrites: true,
		}
		dc.StartPendingWrite(ev, base)
		s.nc.EmitChange(ev)
	case version.OpReplace:
		ev := &version.ChangeEvent{
			Operation:         version.OpReplace,
			Namespace:         s.nc.Namespace,
			DocumentID:        id,
			FullDocument:      marshalOrNil(newDoc),
			UncommittedWrites: true,
		}
		dc.StartPendingWrite(ev, base)
		s.nc.EmitChange(ev)
	default: // noOp or OpUpdate: diff against the coalescence base
		diff, derr := version.UpdateDescriptionDiff(base, newDoc)
		if derr != nil {
			return fmt.Errorf("diff update %s: %w", id.Hex(), derr)
		}
		if !diff.HasChanges() {
			s.clearUndo(ctx, id)
			return nil
		}
		ev := &version.ChangeEvent{
			Operation:         version.OpUpdate,
			Namespace:         s.nc.Namespace,
			DocumentID:        id,
			UpdateDescription: descFromPatch(diff.BsonPatch),
			UncommittedWrites: true,
		}
		dc.StartPendingWrite(ev, base)
		s.nc.EmitChange(ev)
	}
	s.clearUndo(ctx, id)
	return nil
}

// DeleteOne removes the document identified by id from the local store and
// stages (or coalesces) a pending DELETE. A document still pending its
// very first INSERT is desynced outright instead (§4.9's one desync cell):
// it never existed remotely, so there is nothing left to track.
func (s *Surface) DeleteOne(ctx context.Context, id primitive.ObjectID) error {
	dc := s.nc.EnsureDocument(id)
	if dc.IsPaused() {
		return ErrPaused
	}
	existingOp := opOf(dc.PendingEvent())

	preImage, err := s.currentLocal(ctx, id)
	if err != nil {
		return err
	}
	if err := s.undoJ.Record(ctx, id, preImage); err != nil {
		return fmt.Errorf("record undo pre-image for delete %s: %w", id.Hex(), err)
	}
	if err := s.collection().DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("local delete %s: %w", id.Hex(), err)
	}

	if existingOp == version.OpInsert {
		dc.SetPendingEvent(nil)
		s.nc.Desync(id)
		s.nc.EmitChange(&version.ChangeEvent{
			Operation:  version.OpDelete,
			Namespace:  s.nc.Namespace,
			DocumentID: id,
		})
		s.clearUndo(ctx, id)
		s.notifyIDsChanged()
		return nil
	}

	ev := &version.ChangeEvent{
		Operation:         version.OpDelete,
		Namespace:         s.nc.Namespace,
		DocumentID:        id,
		UncommittedWrites: true,
	}
	dc.StartPendingWrite(ev, nil)
	s.nc.EmitChange(ev)
	s.clearUndo(ctx, id)
	return nil
}

// FindOne returns the current local state of the document identified by
// id, reflecting any not-yet-pushed pending write (local-first reads).
func (s *Surface) FindOne(ctx context.Context, id primitive.ObjectID) (bson.M, error) {
	return s.currentLocal(ctx, id)
}

// InsertMany inserts each doc in turn, per document, matching §4.9's
// "insertOne/insertMany sanitize documents, insert into the local
// collection, allocate a config for each id" — each document gets its own
// undo bracket and pending event, so a failure partway through leaves the
// documents before it fully staged rather than rolling the whole call back.
func (s *Surface) InsertMany(ctx context.Context, docs []bson.M) ([]primitive.ObjectID, error) {
	ids := make([]primitive.ObjectID, 0, len(docs))
	for _, doc := range docs {
		id, err := s.InsertOne(ctx, doc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UpdateMany applies update to every document in ids, coalescing each one
// independently against its own pending write.
func (s *Surface) UpdateMany(ctx context.Context, ids []primitive.ObjectID, update bson.M) error {
	for _, id := range ids {
		if err := s.UpdateOne(ctx, id, update); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMany deletes every document in ids, coalescing each one
// independently against its own pending write.
func (s *Surface) DeleteMany(ctx context.Context, ids []primitive.ObjectID) error {
	for _, id := range ids {
		if err := s.DeleteOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
