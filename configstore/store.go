// Package configstore persists the synchronization state held in package
// config to the local embedded store, at the three collections named in §6:
// sync_config<instanceKey>.instances, .namespaces, and .documents. Grounded
// on the teacher's MongoVectorClockManager (one logical collection per
// state kind, upsert-on-write, indexed lookup by id) but adapted to persist
// through localstore.Store instead of a raw *mongo.Collection, since this
// state is local-side per the spec's own persisted-layout section.
package configstore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docsync/config"
	"docsync/localstore"
	"docsync/nsync"
	"docsync/version"
)

// Store persists InstanceConfig/NamespaceConfig/DocumentConfig rows for a
// single instance key.
type Store struct {
	instanceKey string
	local       localstore.Store
}

// New creates a configstore.Store scoped to instanceKey, the suffix used to
// namespace this instance's config rows from any other instance sharing the
// same local store.
func New(local localstore.Store, instanceKey string) *Store {
	return &Store{instanceKey: instanceKey, local: local}
}

func (s *Store) database() string {
	return fmt.Sprintf("sync_config%s", s.instanceKey)
}

func (s *Store) instances() localstore.Collection  { return s.local.Collection(s.database(), "instances") }
func (s *Store) namespaces() localstore.Collection { return s.local.Collection(s.database(), "namespaces") }
func (s *Store) documents() localstore.Collection  { return s.local.Collection(s.database(), "documents") }

// instanceRow is the single persisted InstanceSynchronizationConfig row.
type instanceRow struct {
	ID         string `bson:"_id"`
	InstanceID string `bson:"instanceId"`
}

// namespaceRow is one persisted row per configured namespace.
type namespaceRow struct {
	ID         string `bson:"_id"`
	Database   string `bson:"database"`
	Collection string `bson:"collection"`
	Stale      bool   `bson:"stale"`
}

// documentRow is one persisted row per synchronized document
// (CoreDocumentSynchronizationConfig).
type documentRow struct {
	ID                         primitive.ObjectID      `bson:"_id"`
	Namespace                  string                  `bson:"namespace"`
	LastKnownRemoteVersion     *version.DocumentVersion `bson:"lastKnownRemoteVersion,omitempty"`
	LastUncommittedChangeEvent bson.Raw                `bson:"lastUncommittedChangeEvent,omitempty"`
	LastResolution             int64                   `bson:"lastResolution"`
	IsStale                    bool                    `bson:"isStale"`
	IsPaused                   bool                    `bson:"isPaused"`
	HasUncommittedWrites       bool                    `bson:"hasUncommittedWrites"`
}

func nsKey(ns nsync.Namespace) string { return ns.String() }

// SaveInstance upserts the single instance row.
func (s *Store) SaveInstance(ctx context.Context, ic *config.InstanceConfig) error {
	row := instanceRow{ID: "singleton", InstanceID: ic.InstanceID}
	doc, err := toDocument(row)
	if err != nil {
		return err
	}
	_, err = s.instances().FindOneAndReplace(ctx, bson.M{"_id": "singleton"}, doc, true)
	return err
}

// LoadInstance reads the persisted instance row, or creates a fresh
// InstanceConfig with the given default instance id if none is persisted
// yet (first run).
func (s *Store) LoadInstance(ctx context.Context, defaultInstanceID string) (*config.InstanceConfig, error) {
	doc, err := s.instances().FindOne(ctx, bson.M{"_id": "singleton"})
	if err != nil {
		if err == localstore.ErrNotFound {
			return config.NewInstanceConfig(defaultInstanceID), nil
		}
		return nil, err
	}
	var row instanceRow
	if err := fromDocument(doc, &row); err != nil {
		return nil, fmt.Errorf("decode instance row: %w", err)
	}
	return config.NewInstanceConfig(row.InstanceID), nil
}

// SaveNamespace upserts a namespace's row (its staleness flag; document
// configs are persisted separately by SaveDocument).
func (s *Store) SaveNamespace(ctx context.Context, nc *config.NamespaceConfig) error {
	ns := nc.Namespace
	row := namespaceRow{ID: nsKey(ns), Database: ns.Database, Collection: ns.Collection, Stale: nc.IsStale()}
	doc, err := toDocument(row)
	if err != nil {
		return err
	}
	_, err = s.namespaces().FindOneAndReplace(ctx, bson.M{"_id": row.ID}, doc, true)
	return err
}

// LoadNamespaces returns every persisted namespace as a bare nsync.Namespace
// (the stale flag is not returned); the caller (client.New) is responsible
// for re-populating each namespace's document configs via LoadDocuments.
func (s *Store) LoadNamespaces(ctx context.Context) ([]nsync.Namespace, error) {
	docs, err := s.namespaces().Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	out := make([]nsync.Namespace, 0, len(docs))
	for _, d := range docs {
		var row namespaceRow
		if err := fromDocument(d, &row); err != nil {
			return nil, fmt.Errorf("decode namespace row: %w", err)
		}
		out = append(out, nsync.Namespace{Database: row.Database, Collection: row.Collection})
	}
	return out, nil
}

// SaveDocument upserts a single document's config row.
func (s *Store) SaveDocument(ctx context.Context, dc *config.DocumentConfig) error {
	snap := dc.Snapshot()

	var evRaw bson.Raw
	if snap.LastUncommittedChangeEvent != nil {
		b, err := bson.Marshal(snap.LastUncommittedChangeEvent)
		if err != nil {
			return fmt.Errorf("marshal pending event: %w", err)
		}
		evRaw = b
	}

	row := documentRow{
		ID:                         snap.DocumentID,
		Namespace:                  nsKey(snap.Namespace),
		LastKnownRemoteVersion:     snap.LastKnownRemoteVersion,
		LastUncommittedChangeEvent: evRaw,
		LastResolution:             snap.LastResolution,
		IsStale:                    snap.IsStale,
		IsPaused:                   snap.IsPaused,
		HasUncommittedWrites:       snap.HasUncommittedWrites,
	}
	doc, err := toDocument(row)
	if err != nil {
		return err
	}
	_, err = s.documents().FindOneAndReplace(ctx, bson.M{"_id": row.ID}, doc, true)
	return err
}

// DeleteDocument removes a document's persisted config row, the persisted
// counterpart of config.NamespaceConfig.Desync.
func (s *Store) DeleteDocument(ctx context.Context, id primitive.ObjectID) error {
	return s.documents().DeleteOne(ctx, bson.M{"_id": id})
}

// LoadDocuments returns every persisted document config row for the given
// namespace, reconstructed as live *config.DocumentConfig values.
func (s *Store) LoadDocuments(ctx context.Context, ns nsync.Namespace) ([]*config.DocumentConfig, error) {
	docs, err := s.documents().Find(ctx, bson.M{"namespace": nsKey(ns)})
	if err != nil {
		return nil, err
	}
	out := make([]*config.DocumentConfig, 0, len(docs))
	for _, d := range docs {
		var row documentRow
		if err := fromDocument(d, &row); err != nil {
			return nil, fmt.Errorf("decode document row: %w", err)
		}
		dc := config.NewDocumentConfig(ns, row.ID)
		dc.LastResolution = row.LastResolution
		dc.SetRemoteVersion(row.LastKnownRemoteVersion)
		dc.SetStale(row.IsStale)
		if row.IsPaused {
			dc.Pause()
		}
		if len(row.LastUncommittedChangeEvent) > 0 {
			var ev version.ChangeEvent
			if err := bson.Unmarshal(row.LastUncommittedChangeEvent, &ev); err != nil {
				return nil, fmt.Errorf("decode pending event: %w", err)
			}
			dc.SetPendingEvent(&ev)
		}
		out = append(out, dc)
	}
	return out, nil
}

func toDocument(v interface{}) (localstore.Document, error) {
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	var doc localstore.Document
	if err := bson.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal row to document: %w", err)
	}
	return doc, nil
}

func fromDocument(doc localstore.Document, v interface{}) error {
	b, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(b, v)
}
