// Package syncengine implements the reconciliation algorithm at the heart of
// the module (§4.5–§4.7): the remote→local pass, the local→remote pass,
// conflict resolution, and the batched local-store commit that backs both.
// Grounded on the teacher's storage_impl.go Watch/edit loop (version-gated
// apply, diff-then-patch) generalized from a single typed document to the
// untyped bson.M documents this protocol reconciles, and on
// mongo_vector_clock_manager.go's instanceId/counter comparison for version
// gating.
package syncengine

import (
	"go.mongodb.org/mongo-driver/bson"

	"docsync/version"
)

// Outcome tags what happened to a single document during a pass, replacing
// the exception-for-control-flow conflict signaling described in §9 with an
// explicit result every caller must switch on.
type Outcome int

const (
	// Applied means the event was applied (to the local store, in R2L; to
	// the remote service, in L2R) without conflict.
	Applied Outcome = iota
	// Dropped means the event was intentionally discarded: self-authored,
	// stale, or an empty no-op diff.
	Dropped
	// Conflict means a write/write conflict was detected and routed to the
	// resolver.
	Conflict
	// NeedsDesync means the document's config must be removed entirely
	// (malformed version, successful DELETE, insert-then-delete coalescence).
	NeedsDesync
	// PausedError means the document was frozen after an unrecoverable
	// error; the error listener has already been notified.
	PausedError
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Dropped:
		return "dropped"
	case Conflict:
		return "conflict"
	case NeedsDesync:
		return "needs_desync"
	case PausedError:
		return "paused_error"
	default:
		return "unknown"
	}
}

// Decision is the outcome of routing a single (docConfig, event) pair
// through the R2L or L2R decision tree.
type Decision struct {
	Outcome      Outcome
	RemoteEvent  *version.ChangeEvent // populated when Outcome == Conflict
	Err          error                // populated when Outcome == PausedError
}

func applied() Decision    { return Decision{Outcome: Applied} }
func dropped() Decision    { return Decision{Outcome: Dropped} }
func needsDesync() Decision { return Decision{Outcome: NeedsDesync} }
func pausedError(err error) Decision {
	return Decision{Outcome: PausedError, Err: err}
}
func conflict(remoteEvent *version.ChangeEvent) Decision {
	return Decision{Outcome: Conflict, RemoteEvent: remoteEvent}
}

// stampVersion writes v into doc's version field, returning a new map so the
// caller's original document is left untouched.
func stampVersion(doc bson.M, v *version.DocumentVersion) bson.M {
	out := bson.M{}
	for k, val := range doc {
		out[k] = val
	}
	out[version.FieldName] = v
	return out
}
