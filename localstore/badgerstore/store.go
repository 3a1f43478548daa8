// Package badgerstore adapts github.com/dgraph-io/badger/v4 to the
// localstore.Store contract, giving the sync engine a real, persistent local
// embedded document store instead of a bare interface. Grounded on the
// teacher's nodestorage/v2/cache/badger.go (key-per-document, BSON-encoded
// values, background value-log GC); generalized here from a single typed
// cache keyed by document id to a multi-collection store keyed by
// database/collection/id, since badger itself has no notion of collections.
package badgerstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"docsync/localstore"
)

// Store is a badger-backed localstore.Store. A single badger database
// backs every collection; collections are distinguished by key prefix.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	stopGC chan struct{}
}

// Open opens (or creates) a badger database at dbPath and starts its
// background value-log GC loop, the way NewBadgerCache does.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: logger, stopGC: make(chan struct{})}
	go s.runGC()
	return s, nil
}

func (s *Store) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
		again:
			if err := s.db.RunValueLogGC(0.5); err == nil {
				goto again
			}
		}
	}
}

// Collection returns a collection handle scoped to database/name.
func (s *Store) Collection(database, name string) localstore.Collection {
	return &collection{db: s.db, prefix: []byte(database + "\x00" + name + "\x00")}
}

// Close stops the GC loop and closes the underlying badger database.
func (s *Store) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

type collection struct {
	db     *badger.DB
	prefix []byte
}

func (c *collection) key(id string) []byte {
	return append(append([]byte{}, c.prefix...), []byte(id)...)
}

func docID(doc localstore.Document) (string, bool) {
	raw, ok := doc["_id"]
	if !ok {
		return "", false
	}
	switch raw.(type) {
	case primitive.ObjectID, string:
		return idString(raw), true
	}
	return "", false
}

func (c *collection) get(txn *badger.Txn, id string) (localstore.Document, error) {
	item, err := txn.Get(c.key(id))
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, localstore.ErrNotFound
		}
		return nil, err
	}
	var doc localstore.Document
	err = item.Value(func(val []byte) error {
		return bson.Unmarshal(val, &doc)
	})
	return doc, err
}

func (c *collection) put(txn *badger.Txn, id string, doc localstore.Document) error {
	val, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return txn.Set(c.key(id), val)
}

// scanAll iterates every document stored under this collection's prefix.
func (c *collection) scanAll(txn *badger.Txn, fn func(doc localstore.Document) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(c.prefix); it.ValidForPrefix(c.prefix); it.Next() {
		item := it.Item()
		var doc localstore.Document
		if err := item.Value(func(val []byte) error {
			return bson.Unmarshal(val, &doc)
		}); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func matches(doc localstore.Document, filter bson.M) bool {
	for k, want := range filter {
		if k == "_id" {
			id, ok := localstore.DocumentID(doc)
			if !ok || id != want {
				return false
			}
			continue
		}
		got, ok := doc[k]
		if !ok {
			return false
		}
		wantBytes, _ := bson.Marshal(bson.M{"v": want})
		gotBytes, _ := bson.Marshal(bson.M{"v": got})
		if !bytes.Equal(wantBytes, gotBytes) {
			return false
		}
	}
	return true
}

func (c *collection) Find(ctx context.Context, filter bson.M) ([]localstore.Document, error) {
	var out []localstore.Document
	err := c.db.View(func(txn *badger.Txn) error {
		return c.scanAll(txn, func(doc localstore.Document) error {
			if matches(doc, filter) {
				out = append(out, doc)
			}
			return nil
		})
	})
	return out, err
}

func (c *collection) FindOne(ctx context.Context, filter bson.M) (localstore.Document, error) {
	if id, ok := filter["_id"]; ok && len(filter) == 1 {
		var doc localstore.Document
		err := c.db.View(func(txn *badger.Txn) error {
			d, err := c.get(txn, idString(id))
			doc = d
			return err
		})
		return doc, err
	}

	docs, err := c.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, localstore.ErrNotFound
	}
	return docs[0], nil
}

func idString(v interface{}) string {
	if oid, ok := v.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprintf("%v", v)
}

func (c *collection) FindOneAndUpdate(ctx context.Context, filter, update bson.M, upsert bool) (localstore.Document, error) {
	var result localstore.Document
	err := c.db.Update(func(txn *badger.Txn) error {
		existing, err := c.findOneTxn(txn, filter)
		if err != nil {
			if err == localstore.ErrNotFound && upsert {
				existing = localstore.Document{}
				if id, ok := filter["_id"]; ok {
					existing["_id"] = id
				}
			} else {
				return err
			}
		}
		applyUpdate(existing, update)
		result = existing
		id, _ := docID(result)
		return c.put(txn, id, result)
	})
	return result, err
}

func (c *collection) FindOneAndReplace(ctx context.Context, filter bson.M, replacement localstore.Document, upsert bool) (localstore.Document, error) {
	var result localstore.Document
	err := c.db.Update(func(txn *badger.Txn) error {
		_, err := c.findOneTxn(txn, filter)
		if err != nil {
			if !(err == localstore.ErrNotFound && upsert) {
				return err
			}
		}
		result = replacement
		id, ok := docID(result)
		if !ok {
			return fmt.Errorf("replacement document missing _id")
		}
		return c.put(txn, id, result)
	})
	return result, err
}

func (c *collection) findOneTxn(txn *badger.Txn, filter bson.M) (localstore.Document, error) {
	if id, ok := filter["_id"]; ok && len(filter) == 1 {
		return c.get(txn, idString(id))
	}
	var found localstore.Document
	err := c.scanAll(txn, func(doc localstore.Document) error {
		if found == nil && matches(doc, filter) {
			found = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, localstore.ErrNotFound
	}
	return found, nil
}

func (c *collection) InsertOne(ctx context.Context, doc localstore.Document) error {
	id, ok := docID(doc)
	if !ok {
		return fmt.Errorf("document missing _id")
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return c.put(txn, id, doc)
	})
}

func (c *collection) InsertMany(ctx context.Context, docs []localstore.Document) error {
	for _, doc := range docs {
		if err := c.InsertOne(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

func (c *collection) DeleteOne(ctx context.Context, filter bson.M) error {
	return c.db.Update(func(txn *badger.Txn) error {
		doc, err := c.findOneTxn(txn, filter)
		if err != nil {
			if err == localstore.ErrNotFound {
				return nil
			}
			return err
		}
		id, _ := docID(doc)
		return txn.Delete(c.key(id))
	})
}

func (c *collection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	var deleted int64
	err := c.db.Update(func(txn *badger.Txn) error {
		var toDelete []string
		if err := c.scanAll(txn, func(doc localstore.Document) error {
			if matches(doc, filter) {
				if id, ok := docID(doc); ok {
					toDelete = append(toDelete, id)
				}
			}
			return nil
		}); err != nil {
			return err
		}
		for _, id := range toDelete {
			if err := txn.Delete(c.key(id)); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (c *collection) BulkWrite(ctx context.Context, ops []localstore.WriteOp) (*localstore.BulkResult, error) {
	result := &localstore.BulkResult{}
	err := c.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			switch {
			case op.InsertOne != nil:
				id, ok := docID(*op.InsertOne)
				if !ok {
					return fmt.Errorf("insert document missing _id")
				}
				if err := c.put(txn, id, *op.InsertOne); err != nil {
					return err
				}
				result.InsertedCount++
			case op.ReplaceOne != nil:
				r := op.ReplaceOne
				_, err := c.findOneTxn(txn, r.Filter)
				found := err == nil
				if err != nil && !(err == localstore.ErrNotFound && r.Upsert) {
					return err
				}
				id, ok := docID(r.Replacement)
				if !ok {
					return fmt.Errorf("replacement document missing _id")
				}
				if err := c.put(txn, id, r.Replacement); err != nil {
					return err
				}
				if found {
					result.MatchedCount++
					result.ModifiedCount++
				} else {
					result.UpsertedCount++
				}
			case op.UpdateOne != nil:
				u := op.UpdateOne
				existing, err := c.findOneTxn(txn, u.Filter)
				found := err == nil
				if err != nil {
					if !(err == localstore.ErrNotFound && u.Upsert) {
						return err
					}
					existing = localstore.Document{}
					if id, ok := u.Filter["_id"]; ok {
						existing["_id"] = id
					}
				}
				applyUpdate(existing, u.Update)
				id, _ := docID(existing)
				if err := c.put(txn, id, existing); err != nil {
					return err
				}
				if found {
					result.MatchedCount++
					result.ModifiedCount++
				} else {
					result.UpsertedCount++
				}
			case op.DeleteOne != nil:
				doc, err := c.findOneTxn(txn, op.DeleteOne.Filter)
				if err != nil {
					if err == localstore.ErrNotFound {
						continue
					}
					return err
				}
				id, _ := docID(doc)
				if err := txn.Delete(c.key(id)); err != nil {
					return err
				}
				result.DeletedCount++
			}
		}
		return nil
	})
	return result, err
}

func (c *collection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	docs, err := c.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// Aggregate supports only the subset of aggregation this engine needs: a
// leading $match stage (equivalent to Find), since the sync engine never
// issues multi-stage pipelines against the local store.
func (c *collection) Aggregate(ctx context.Context, pipeline []bson.M) ([]localstore.Document, error) {
	filter := bson.M{}
	for _, stage := range pipeline {
		if match, ok := stage["$match"].(bson.M); ok {
			for k, v := range match {
				filter[k] = v
			}
		}
	}
	return c.Find(ctx, filter)
}

// applyUpdate applies a minimal subset of MongoDB update operators ($set,
// $unset) to doc in place, the only operators the sync engine issues
// against the local store (§4.6's UPDATE translation).
func applyUpdate(doc localstore.Document, update bson.M) {
	if set, ok := update["$set"].(bson.M); ok {
		for k, v := range set {
			doc[k] = v
		}
	}
	if unset, ok := update["$unset"].(bson.M); ok {
		for k := range unset {
			delete(doc, k)
		}
	}
}
