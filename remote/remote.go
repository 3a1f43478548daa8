// Package remote defines the external collaborators the sync engine
// consumes but does not own end-to-end: an authentication client and a
// remote document service (§1's out-of-scope list). Both are interfaces
// only, mirroring the teacher's eventsync.SyncClient/SyncService shape,
// which separate "the thing the engine talks to" from "how it's
// implemented" so the engine can be tested against fakes.
package remote

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docsync/nsync"
	"docsync/version"
)

// AuthClient is the capability surface the engine needs from whatever
// authenticates its remote connection: am I logged in, can I perform an
// authenticated request, and when did I last transition from logged-out to
// logged-in. A real implementation (HTTP auth server, token refresh loop)
// lives outside this repo's scope per §1.
type AuthClient interface {
	IsLoggedIn(ctx context.Context) bool
	RefreshToken(ctx context.Context) error
	// OnLoggedIn returns a channel that receives a value on every
	// logged-out→logged-in transition (§4.2's "auth up-edge"), mirroring
	// NetworkMonitor.OnUp.
	OnLoggedIn() <-chan struct{}
}

// NetworkMonitor reports reachability edges the periodic runner and stream
// listeners react to (§4.2 restart policy, §5 wake-on-network-up).
type NetworkMonitor interface {
	// IsOnline reports current reachability.
	IsOnline() bool
	// OnUp returns a channel that receives a value on every up-edge.
	OnUp() <-chan struct{}
}

// UpdateResult reports how many documents an update affected, mirroring
// the remote service's matchedCount (§6).
type UpdateResult struct {
	MatchedCount int64
}

// DeleteResult reports how many documents a delete affected.
type DeleteResult struct {
	DeletedCount int64
}

// DuplicateKeyError is returned by Insert when the remote service rejects
// an insert due to a colliding _id, detected per §6 by error code
// MONGODB_ERROR with message containing "E11000".
type DuplicateKeyError struct {
	Err error
}

func (e *DuplicateKeyError) Error() string { return "duplicate key: " + e.Err.Error() }
func (e *DuplicateKeyError) Unwrap() error { return e.Err }

// Service is the remote document service contract consumed by the sync
// engine's L2R pass and R2L catch-up fetch (§6 Remote service contract).
type Service interface {
	// InsertOne inserts doc, which must already carry its version vector.
	// Returns *DuplicateKeyError on a colliding _id.
	InsertOne(ctx context.Context, ns nsync.Namespace, doc bson.M) error

	// UpdateOne applies update (a MongoDB update document) to the single
	// document matching filter.
	UpdateOne(ctx context.Context, ns nsync.Namespace, filter, update bson.M) (*UpdateResult, error)

	// ReplaceOne replaces the single document matching filter with
	// replacement.
	ReplaceOne(ctx context.Context, ns nsync.Namespace, filter bson.M, replacement bson.M) (*UpdateResult, error)

	// DeleteOne deletes the single document matching filter.
	DeleteOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (*DeleteResult, error)

	// Find returns every remote document matching filter, used by the R2L
	// pass's batched stale-id catch-up fetch.
	Find(ctx context.Context, ns nsync.Namespace, filter bson.M) ([]bson.Raw, error)

	// FindOne returns the single remote document matching filter, used by
	// the L2R pass's "fetch newest remote doc by id" conflict path.
	FindOne(ctx context.Context, ns nsync.Namespace, filter bson.M) (bson.Raw, error)

	// Watch opens a change-stream filtered to the given document ids within
	// ns (the wire request body of §6: {database, collection, ids}).
	Watch(ctx context.Context, ns nsync.Namespace, ids []primitive.ObjectID) (ChangeStream, error)
}

// ChangeStream is an open change-stream handle. NextEvent blocks until the
// next event or ctx cancellation/stream error.
type ChangeStream interface {
	NextEvent(ctx context.Context) (*version.ChangeEvent, error)
	Close(ctx context.Context) error
}

// IsDuplicateKey reports whether err represents a remote duplicate-key
// violation, the condition §6's INSERT conflict trigger checks for.
func IsDuplicateKey(err error) bool {
	_, ok := err.(*DuplicateKeyError)
	return ok
}
