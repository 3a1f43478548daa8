// Package version implements the document version vector, the update
// description diff, and the change-event record described by the core sync
// protocol (§4.1). It is grounded on the teacher's mongo_vector_clock_manager.go
// version-as-subdocument pattern, generalized from a single monotonic counter
// per document to the full {protocolVersion, instanceId, counter} vector the
// sync engine needs to tell self-authored writes apart from remote ones.
package version

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

// FieldName is the top-level BSON field every synchronized remote document
// carries its version vector under.
const FieldName = "__stitch_sync_version"

// ProtocolVersion is the only syncProtocolVersion this engine emits or
// accepts. Any other value on an incoming document is a desync condition.
const ProtocolVersion int32 = 1

// DocumentVersion is the version vector embedded in remote documents at
// FieldName. Its absence on a document is meaningful and distinct from any
// present value — callers represent that with a nil *DocumentVersion rather
// than a zero-value struct.
type DocumentVersion struct {
	SyncProtocolVersion int32  `bson:"spv"`
	InstanceID          string `bson:"id"`
	VersionCounter      int64  `bson:"v"`
}

// FreshVersion mints a new version for a document being written for the
// first time by this instance: a newly-generated instance id at counter 0.
func FreshVersion() *DocumentVersion {
	return &DocumentVersion{
		SyncProtocolVersion: ProtocolVersion,
		InstanceID:          uuid.NewString(),
		VersionCounter:      0,
	}
}

// NextVersion returns the version that should be written after the given
// local version. If local is nil, it behaves like FreshVersion: the
// document has never been authored by this writer before.
func NextVersion(local *DocumentVersion) *DocumentVersion {
	if local == nil {
		return FreshVersion()
	}
	return &DocumentVersion{
		SyncProtocolVersion: ProtocolVersion,
		InstanceID:          local.InstanceID,
		VersionCounter:      local.VersionCounter + 1,
	}
}

// VersionParseError is returned when a document carries a __stitch_sync_version
// field that cannot be decoded as a DocumentVersion. The caller policy (per
// §4.1) is to desync the affected document, not abort the whole pass.
type VersionParseError struct {
	DocumentID interface{}
	Cause      error
}

func (e *VersionParseError) Error() string {
	return fmt.Sprintf("malformed document version for %v: %v", e.DocumentID, e.Cause)
}

func (e *VersionParseError) Unwrap() error { return e.Cause }

// GetRemoteVersionInfo extracts the version vector embedded in a raw BSON
// document. It returns (nil, nil) when the field is legitimately absent —
// the document was written by a non-sync client — and a *VersionParseError
// when the field is present but cannot be decoded.
func GetRemoteVersionInfo(docID interface{}, doc bson.Raw) (*DocumentVersion, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := doc.LookupErr(FieldName)
	if err != nil {
		// Field genuinely absent: not an error, just "no version".
		return nil, nil
	}

	var v DocumentVersion
	if err := raw.Unmarshal(&v); err != nil {
		return nil, &VersionParseError{DocumentID: docID, Cause: err}
	}
	return &v, nil
}

// GetLocalVersionInfo reads the last-known-remote-version recorded on a
// document config. This is a thin accessor kept here (rather than on the
// config type itself) so version.go owns every comparison the protocol makes
// between "local" and "remote" version vectors.
func GetLocalVersionInfo(lastKnownRemoteVersion *DocumentVersion) *DocumentVersion {
	return lastKnownRemoteVersion
}

// HasCommittedVersion reports whether the incoming remote version carries no
// information this instance has not already applied or authored itself: both
// sides have a version, they share an instanceId, and incoming's counter does
// not exceed local's.
func HasCommittedVersion(local, incoming *DocumentVersion) bool {
	if local == nil || incoming == nil {
		return false
	}
	if local.InstanceID != incoming.InstanceID {
		return false
	}
	return incoming.VersionCounter <= local.VersionCounter
}

// SameInstance reports whether two version vectors were authored by the same
// writer instance. Both must be non-nil.
func SameInstance(a, b *DocumentVersion) bool {
	if a == nil || b == nil {
		return false
	}
	return a.InstanceID == b.InstanceID
}
