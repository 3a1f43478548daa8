// Package localstore defines the local embedded document store contract
// consumed by the sync engine (§6 Local store contract) and a concrete
// on-disk implementation backed by badger. The interface is intentionally
// collection-shaped rather than typed-generic: unlike the teacher's
// nodestorage/v2.Storage[T], the documents flowing through sync_user_*,
// sync_undo_*, and sync_config* collections are arbitrary user documents of
// unknown static type, so every operation here works in terms of bson.M /
// bson.Raw the way the spec's own external local-store contract does.
package localstore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("localstore: document not found")

// ErrClosed names the closed-store condition. The badgerstore implementation
// does not return it; operations on a closed badger store return badger's
// own error.
var ErrClosed = errors.New("localstore: store is closed")

// Document is the generic on-disk representation: a decoded BSON map. Every
// document carries an "_id" key: synchronized user documents use a
// primitive.ObjectID, while configstore's instance and namespace rows use a
// string.
type Document = bson.M

// WriteOp is a single write within a BulkWrite call, mirroring the
// insert/update/delete verbs the spec's local store contract requires to be
// atomic per document even when the bulk as a whole is not.
type WriteOp struct {
	InsertOne  *Document
	ReplaceOne *ReplaceOneOp
	UpdateOne  *UpdateOneOp
	DeleteOne  *DeleteOneOp
}

// ReplaceOneOp replaces the document matching Filter with Replacement,
// optionally upserting.
type ReplaceOneOp struct {
	Filter      bson.M
	Replacement Document
	Upsert      bool
}

// UpdateOneOp applies a MongoDB-style update document ($set/$unset/...) to
// the document matching Filter, optionally upserting.
type UpdateOneOp struct {
	Filter bson.M
	Update bson.M
	Upsert bool
}

// DeleteOneOp deletes the document matching Filter.
type DeleteOneOp struct {
	Filter bson.M
}

// BulkResult reports how many documents each kind of operation affected.
type BulkResult struct {
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	UpsertedCount int64
	DeletedCount  int64
}

// Collection is a single logical local collection, addressed by
// database+name the way the spec's getCollection(db, coll) does.
type Collection interface {
	// Find returns every document matching filter.
	Find(ctx context.Context, filter bson.M) ([]Document, error)

	// FindOne returns the document matching filter, or ErrNotFound.
	FindOne(ctx context.Context, filter bson.M) (Document, error)

	// FindOneAndUpdate applies update to the first document matching
	// filter and returns the resulting document.
	FindOneAndUpdate(ctx context.Context, filter, update bson.M, upsert bool) (Document, error)

	// FindOneAndReplace replaces the first document matching filter,
	// optionally upserting, and returns the resulting document.
	FindOneAndReplace(ctx context.Context, filter bson.M, replacement Document, upsert bool) (Document, error)

	// InsertOne inserts a single document.
	InsertOne(ctx context.Context, doc Document) error

	// InsertMany inserts multiple documents. Each insert is atomic
	// individually; the batch as a whole need not be.
	InsertMany(ctx context.Context, docs []Document) error

	// DeleteOne deletes the first document matching filter.
	DeleteOne(ctx context.Context, filter bson.M) error

	// DeleteMany deletes every document matching filter.
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)

	// BulkWrite executes a sequence of write ops. Atomic per document, not
	// necessarily atomic across the whole batch (§6).
	BulkWrite(ctx context.Context, ops []WriteOp) (*BulkResult, error)

	// CountDocuments returns the number of documents matching filter.
	CountDocuments(ctx context.Context, filter bson.M) (int64, error)

	// Aggregate runs a MongoDB-style aggregation pipeline against the
	// collection and returns the resulting documents.
	Aggregate(ctx context.Context, pipeline []bson.M) ([]Document, error)
}

// Store opens named collections within the local embedded database.
type Store interface {
	// Collection returns the named collection, creating it on first use.
	Collection(database, name string) Collection

	// Close releases any resources held by the store.
	Close() error
}

// DocumentID extracts the "_id" field from a document as an
// primitive.ObjectID, the id type every synchronized document uses.
func DocumentID(doc Document) (primitive.ObjectID, bool) {
	raw, ok := doc["_id"]
	if !ok {
		return primitive.ObjectID{}, false
	}
	id, ok := raw.(primitive.ObjectID)
	return id, ok
}
