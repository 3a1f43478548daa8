package syncengine

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/config"
	"docsync/listenerpool"
	"docsync/localstore"
	"docsync/metrics"
	"docsync/nsync"
	"docsync/remote"
	"docsync/undo"
	"docsync/version"
)

// Engine is the reconciliation engine: one per synchronizing instance. It
// owns the engine-wide syncLock (§5 lock 1) and drives the R2L/L2R passes
// for every configured namespace.
type Engine struct {
	syncMu sync.Mutex // syncLock, §5 lock 1

	instance  *config.InstanceConfig
	pool      *listenerpool.Pool
	local     localstore.Store
	remote    remote.Service
	logger    *zap.Logger
	committed *version.CommittedCache

	undoJournals map[nsync.Namespace]*undo.Journal
	undoMu       sync.Mutex

	recorder *metrics.Recorder
}

// Option configures optional Engine behavior, the functional-options shape
// the teacher uses throughout eventsync/nodestorage (WithClientID,
// WithVectorClockManager) rather than a growing constructor parameter list.
type Option func(*Engine)

// WithCommittedCache installs a bounded fast-path cache consulted by the
// R2L decision tree before falling back to the authoritative
// version.HasCommittedVersion check (version/committed_cache.go).
func WithCommittedCache(c *version.CommittedCache) Option {
	return func(e *Engine) { e.committed = c }
}

// WithMetrics installs the recorder every pass, conflict, pause, and
// desync event is reported through. Without this option the engine simply
// does not record metrics, rather than recording into a disconnected
// no-op recorder of its own.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// New wires an Engine from its collaborators. instance holds the in-memory
// synchronization state; pool owns the per-namespace change-stream
// listeners; local and remoteSvc are the two document stores being
// reconciled.
func New(instance *config.InstanceConfig, pool *listenerpool.Pool, local localstore.Store, remoteSvc remote.Service, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		instance:     instance,
		pool:         pool,
		local:        local,
		remote:       remoteSvc,
		logger:       logger,
		undoJournals: make(map[nsync.Namespace]*undo.Journal),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// recordCommitted remembers v as committed for id in the fast-path cache, a
// no-op when no cache was installed.
func (e *Engine) recordCommitted(id primitive.ObjectID, v *version.DocumentVersion) {
	if e.committed == nil || v == nil {
		return
	}
	e.committed.Record(id, *v)
}

// forgetCommitted drops id from the fast-path cache, called on desync so a
// stale cached version never outlives the document config it describes.
func (e *Engine) forgetCommitted(id primitive.ObjectID) {
	if e.committed == nil {
		return
	}
	e.committed.Forget(id)
}

func (e *Engine) undoJournal(ns nsync.Namespace) *undo.Journal {
	e.undoMu.Lock()
	defer e.undoMu.Unlock()
	j, ok := e.undoJournals[ns]
	if !ok {
		j = undo.New(e.local, ns, e.logger)
		e.undoJournals[ns] = j
	}
	return j
}

func (e *Engine) userCollection(ns nsync.Namespace) localstore.Collection {
	return e.local.Collection(ns.Database, ns.UserCollectionName())
}

// RunPass performs one full reconciliation cycle across every configured
// namespace: R2L first (apply what the remote side changed), then L2R
// (push what was changed locally). The syncLock is held only for the
// bookkeeping portions of each pass; it is released before any remote I/O,
// per §5 ("The engine never holds the syncLock while doing remote I/O").
func (e *Engine) RunPass(ctx context.Context) error {
	logicalT := e.instance.Clock.Next()

	var firstErr error
	for _, nc := range e.instance.Namespaces() {
		l := e.pool.Get(nc.Namespace)
		if l == nil {
			continue
		}
		if err := e.runR2LPass(ctx, nc, l); err != nil {
			e.logger.Error("r2l pass failed", zap.String("namespace", nc.Namespace.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.runL2RPass(ctx, nc, l, logicalT); err != nil {
			e.logger.Error("l2r pass failed", zap.String("namespace", nc.Namespace.String()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// pauseDocument freezes dc, notifies the namespace's error listeners, and
// reports the error upward per §7 ("per-document errors are reported to the
// user's exception listener, the document is paused").
func (e *Engine) pauseDocument(nc *config.NamespaceConfig, dc *config.DocumentConfig, err error) Decision {
	dc.Pause()
	nc.EmitError(dc.DocumentID, err)
	if e.recorder != nil {
		e.recorder.RecordPaused(context.Background(), nc.Namespace.String())
	}
	return pausedError(err)
}

// applyLocalUpsert stages a local replace-or-upsert of fullDoc (which must
// already carry its version vector) into batch.
func (e *Engine) applyLocalUpsert(batch *BatchOps, id primitive.ObjectID, fullDoc bson.Raw) error {
	var doc bson.M
	if err := bson.Unmarshal(fullDoc, &doc); err != nil {
		return fmt.Errorf("unmarshal remote document %s: %w", id.Hex(), err)
	}
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = id
	}
	batch.Upsert(id, doc)
	return nil
}

func (e *Engine) applyLocalDelete(batch *BatchOps, id primitive.ObjectID) {
	batch.Delete(id)
}

func idFilter(id primitive.ObjectID) bson.M {
	return bson.M{"_id": id}
}

func idInFilter(ids []primitive.ObjectID) bson.M {
	vals := make(bson.A, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	return bson.M{"_id": bson.M{"$in": vals}}
}
