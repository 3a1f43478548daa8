package syncengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docsync/version"
)

// TestRunPass_MalformedRemoteVersionDesyncsDocument exercises §4.1's
// malformed-version policy: a remote document whose version field is present
// but cannot be decoded must desync the document rather than abort the pass
// or propagate the decode error to the caller.
func TestRunPass_MalformedRemoteVersionDesyncsDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := primitive.NewObjectID()
	h.fake.mu.Lock()
	h.fake.docs[id] = bson.M{"_id": id, "x": "a", version.FieldName: "not-a-version-vector"}
	h.fake.mu.Unlock()

	dc := h.nc.EnsureDocument(id)
	dc.SetStale(true)

	require.NoError(t, h.engine.RunPass(ctx))

	assert.Nil(t, h.nc.Document(id), "document must be desynced after a malformed remote version")
}

// TestRunPass_UnsupportedProtocolVersionDesyncsDocument covers the sibling
// desync trigger: a well-formed version vector carrying a protocol version
// this engine does not speak.
func TestRunPass_UnsupportedProtocolVersionDesyncsDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := primitive.NewObjectID()
	h.fake.mu.Lock()
	h.fake.docs[id] = bson.M{"_id": id, "x": "a", version.FieldName: &version.DocumentVersion{
		SyncProtocolVersion: version.ProtocolVersion + 1,
		InstanceID:          "other-instance",
		VersionCounter:      0,
	}}
	h.fake.mu.Unlock()

	dc := h.nc.EnsureDocument(id)
	dc.SetStale(true)

	require.NoError(t, h.engine.RunPass(ctx))

	assert.Nil(t, h.nc.Document(id))
}
