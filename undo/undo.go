// Package undo implements the per-namespace crash-recovery journal (§4.4):
// before every local mutation of a user document, its pre-image is written
// to a dedicated undo collection under the same _id; the pre-image is
// removed again once the mutation and its bookkeeping succeed. Grounded on
// the teacher's EventSyncStorage before/after document handling in
// event_sync_storage.go (fetch pre-image, act, record the diff), generalized
// here into a standalone journal collection rather than an event-store
// side effect, since this spec's undo journal must survive independently
// of whether the mutation's resulting event was ever durably recorded.
package undo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/localstore"
	"docsync/nsync"
)

// Journal is the undo collection for a single namespace.
type Journal struct {
	ns     nsync.Namespace
	coll   localstore.Collection
	logger *zap.Logger
}

// New opens (creating on first use) the undo journal collection for ns.
func New(local localstore.Store, ns nsync.Namespace, logger *zap.Logger) *Journal {
	return &Journal{
		ns:     ns,
		coll:   local.Collection(ns.Database, ns.UndoCollectionName()),
		logger: logger,
	}
}

// Record writes the pre-image of a document into the undo journal, step 1
// of the bracketing sequence in §4.4. preImage may be nil when the document
// did not previously exist (a pure insert): recovery then knows to delete
// rather than restore.
func (j *Journal) Record(ctx context.Context, id primitive.ObjectID, preImage localstore.Document) error {
	row := bson.M{"_id": id}
	if preImage != nil {
		row["preImage"] = preImage
		row["existed"] = true
	} else {
		row["existed"] = false
	}
	_, err := j.coll.FindOneAndReplace(ctx, bson.M{"_id": id}, row, true)
	if err != nil {
		return fmt.Errorf("record undo pre-image for %s: %w", id.Hex(), err)
	}
	return nil
}

// Clear removes a document's pre-image once its mutation has fully
// committed, step 3 of §4.4.
func (j *Journal) Clear(ctx context.Context, id primitive.ObjectID) error {
	if err := j.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("clear undo pre-image for %s: %w", id.Hex(), err)
	}
	return nil
}

// ClearMany removes several pre-images at once, used after a batched write
// commits successfully.
func (j *Journal) ClearMany(ctx context.Context, ids []primitive.ObjectID) error {
	for _, id := range ids {
		if err := j.Clear(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Entry is one surviving undo row found at recovery time.
type Entry struct {
	DocumentID primitive.ObjectID
	Existed    bool
	PreImage   localstore.Document
}

// All returns every pre-image currently recorded in the journal — any
// surviving row means a mutation was interrupted between the act (step 2)
// and the clear (step 3), or never completed step 2 at all.
func (j *Journal) All(ctx context.Context) ([]Entry, error) {
	docs, err := j.coll.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("scan undo journal: %w", err)
	}
	out := make([]Entry, 0, len(docs))
	for _, d := range docs {
		id, ok := localstore.DocumentID(d)
		if !ok {
			continue
		}
		existed, _ := d["existed"].(bool)
		var preImage localstore.Document
		if pi, ok := d["preImage"].(bson.M); ok {
			preImage = localstore.Document(pi)
		}
		out = append(out, Entry{DocumentID: id, Existed: existed, PreImage: preImage})
	}
	return out, nil
}

// Namespace returns the namespace this journal backs.
func (j *Journal) Namespace() nsync.Namespace { return j.ns }
