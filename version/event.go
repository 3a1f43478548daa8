package version

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docsync/nsync"
)

// Operation identifies the kind of change a ChangeEvent carries, mirroring
// the operationType field of a MongoDB change stream event.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
	OpDelete  Operation = "delete"
)

// UpdateDescription carries the updateDescription sub-document of a MongoDB
// update change event: the fields that changed and the fields that were
// removed, without restating the whole document.
type UpdateDescription struct {
	UpdatedFields map[string]interface{}
	RemovedFields []string
}

// ChangeEvent is the normalized representation of a single change, whether
// sourced from a real change stream or synthesized locally by the CRUD
// surface (§4.9) for a local-first write. ID is an opaque identifier for the
// event itself, distinct from DocumentID, the way the teacher's event store
// keys events separately from the documents they describe.
type ChangeEvent struct {
	ID                primitive.ObjectID
	Operation         Operation
	Namespace         nsync.Namespace
	DocumentID        primitive.ObjectID
	FullDocument      bson.Raw
	UpdateDescription *UpdateDescription

	// UncommittedWrites is true when this event was synthesized or observed
	// while the source document still had pending, unacknowledged local
	// writes against it — the sync engine must not let such an event
	// override those writes (§4.5).
	UncommittedWrites bool
}

// IsDelete reports whether this event represents the removal of a document.
func (e *ChangeEvent) IsDelete() bool {
	return e.Operation == OpDelete
}
