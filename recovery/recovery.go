// Package recovery implements the crash-recovery pass run once at startup
// before normal synchronization resumes (§4.8): any undo-journal entry
// still present means a local mutation was interrupted somewhere between
// its pre-image being recorded and the undo row being cleared, so the
// local store is rolled back to the pre-image. A document's own pending
// write metadata survives this rollback untouched unless the mutation was
// its first INSERT, in which case there is nothing left worth tracking and
// the document is desynced outright. A final sweep deletes any local
// document left over with no corresponding config row at all.
//
// Grounded on the teacher's storage_impl.go startup reconciliation (replay
// any WAL-like side state left over from an unclean shutdown before
// serving new requests), generalized here from a single collection's undo
// log to one undo.Journal per configured namespace.
package recovery

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/configstore"
	"docsync/localstore"
	"docsync/undo"
)

// Recover replays the undo journal for every namespace already configured
// on instance, rolling back any interrupted local mutation before the
// caller starts the periodic sync runner.
func Recover(ctx context.Context, instance *config.InstanceConfig, local localstore.Store, cs *configstore.Store, logger *zap.Logger) error {
	for _, nc := range instance.Namespaces() {
		if err := recoverNamespace(ctx, nc, local, cs, logger); err != nil {
			return fmt.Errorf("recover namespace %s: %w", nc.Namespace, err)
		}
	}
	return nil
}

func recoverNamespace(ctx context.Context, nc *config.NamespaceConfig, local localstore.Store, cs *configstore.Store, logger *zap.Logger) error {
	j := undo.New(local, nc.Namespace, logger)
	coll := local.Collection(nc.Namespace.Database, nc.Namespace.UserCollectionName())

	entries, err := j.All(ctx)
	if err != nil {
		return fmt.Errorf("scan undo journal: %w", err)
	}

	for _, entry := range entries {
		if entry.Existed {
			replacement := entry.PreImage
			if replacement == nil {
				replacement = bson.M{"_id": entry.DocumentID}
			}
			if _, err := coll.FindOneAndReplace(ctx, bson.M{"_id": entry.DocumentID}, replacement, true); err != nil {
				return fmt.Errorf("restore pre-image for %s: %w", entry.DocumentID.Hex(), err)
			}
		} else {
			if err := coll.DeleteOne(ctx, bson.M{"_id": entry.DocumentID}); err != nil && err != localstore.ErrNotFound {
				return fmt.Errorf("delete orphaned insert for %s: %w", entry.DocumentID.Hex(), err)
			}
		}

		if dc := nc.Document(entry.DocumentID); dc != nil && !entry.Existed {
			// The document never had a committed remote existence either:
			// the interrupted mutation was its first INSERT, so there is
			// nothing left worth tracking — clear and desync outright.
			dc.SetPendingEvent(nil)
			nc.Desync(entry.DocumentID)
			if cs != nil {
				if err := cs.DeleteDocument(ctx, entry.DocumentID); err != nil {
					logger.Warn("delete orphaned document config row failed",
						zap.String("document_id", entry.DocumentID.Hex()), zap.Error(err))
				}
			}
		}
		// entry.Existed: the pre-image is restored above, but any pending
		// write metadata on the document config is left untouched — it may
		// already have been staged by the CRUD call that was interrupted,
		// and must survive recovery so the next sync pass still replays it
		// (§8 S3: a crash mid-delete restores the local document but keeps
		// its pending DELETE intact).

		if err := j.Clear(ctx, entry.DocumentID); err != nil {
			return fmt.Errorf("clear undo entry for %s: %w", entry.DocumentID.Hex(), err)
		}

		logger.Info("recovered interrupted local mutation",
			zap.String("namespace", nc.Namespace.String()),
			zap.String("document_id", entry.DocumentID.Hex()),
			zap.Bool("existed", entry.Existed))
	}

	return pruneUnreferencedDocuments(ctx, nc, coll, logger)
}

// pruneUnreferencedDocuments implements §4.8 step 4: delete any local
// document whose id is not referenced by any config in nc, covering a
// crashed insert/upsert (the undo row for it was already cleared, or never
// written because the crash landed before Record ran) and a desync whose
// local cleanup never completed. Idempotent and safe to run on every
// startup, not just when the undo journal was non-empty.
func pruneUnreferencedDocuments(ctx context.Context, nc *config.NamespaceConfig, coll localstore.Collection, logger *zap.Logger) error {
	docs, err := coll.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("scan local collection for orphans: %w", err)
	}
	for _, doc := range docs {
		id, ok := localstore.DocumentID(doc)
		if !ok {
			continue
		}
		if nc.Document(id) != nil {
			continue
		}
		if err := coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil && err != localstore.ErrNotFound {
			return fmt.Errorf("delete unreferenced document %s: %w", id.Hex(), err)
		}
		logger.Info("deleted local document with no synchronization config",
			zap.String("namespace", nc.Namespace.String()),
			zap.String("document_id", id.Hex()))
	}
	return nil
}
