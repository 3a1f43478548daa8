package syncengine

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docsync/localstore"
)

// maxBatchBytes bounds a single BatchOps commit at roughly 5 MiB (§5: "writes
// are grouped into atomic batches bounded by 5 MiB").
const maxBatchBytes = 5 * 1024 * 1024

// BatchOps accumulates local-store writes across documents within a single
// namespace pass, flushing to the collection once the accumulated BSON size
// crosses maxBatchBytes or the caller explicitly flushes at the end of a
// pass. Grounded on the teacher's storage_impl.go batched bulk-write commit
// at the end of a reconciliation cycle.
type BatchOps struct {
	coll      localstore.Collection
	ops       []localstore.WriteOp
	touchedID []primitive.ObjectID
	size      int
}

// NewBatchOps creates an empty batch targeting coll.
func NewBatchOps(coll localstore.Collection) *BatchOps {
	return &BatchOps{coll: coll}
}

func (b *BatchOps) estimate(v interface{}) int {
	data, err := bson.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// Upsert stages a findOneAndReplace-style upsert of doc keyed by id.
func (b *BatchOps) Upsert(id primitive.ObjectID, doc bson.M) {
	b.ops = append(b.ops, localstore.WriteOp{
		ReplaceOne: &localstore.ReplaceOneOp{
			Filter:      bson.M{"_id": id},
			Replacement: doc,
			Upsert:      true,
		},
	})
	b.touchedID = append(b.touchedID, id)
	b.size += b.estimate(doc)
}

// Delete stages a delete keyed by id.
func (b *BatchOps) Delete(id primitive.ObjectID) {
	b.ops = append(b.ops, localstore.WriteOp{
		DeleteOne: &localstore.DeleteOneOp{Filter: bson.M{"_id": id}},
	})
	b.touchedID = append(b.touchedID, id)
	b.size += 64
}

// ShouldFlush reports whether the accumulated batch has crossed the 5 MiB
// threshold and should be committed before continuing to accumulate.
func (b *BatchOps) ShouldFlush() bool {
	return b.size >= maxBatchBytes
}

// Len reports how many operations are currently staged.
func (b *BatchOps) Len() int { return len(b.ops) }

// Flush commits every staged operation via a single BulkWrite call and
// resets the batch. Per §6, the bulk as a whole need not be atomic, but each
// individual document write must be.
func (b *BatchOps) Flush(ctx context.Context) error {
	if len(b.ops) == 0 {
		return nil
	}
	if _, err := b.coll.BulkWrite(ctx, b.ops); err != nil {
		return fmt.Errorf("flush batch of %d ops: %w", len(b.ops), err)
	}
	b.ops = nil
	b.touchedID = nil
	b.size = 0
	return nil
}

// TouchedIDs returns every document id staged in the current (unflushed)
// batch, used to bracket undo-journal clearing around the flush.
func (b *BatchOps) TouchedIDs() []primitive.ObjectID {
	return append([]primitive.ObjectID(nil), b.touchedID...)
}
