package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestNextVersion_IncrementsCounterPreservesInstance(t *testing.T) {
	local := FreshVersion()

	next := NextVersion(local)

	assert.Equal(t, local.InstanceID, next.InstanceID)
	assert.Equal(t, local.VersionCounter+1, next.VersionCounter)
	assert.Equal(t, ProtocolVersion, next.SyncProtocolVersion)
}

func TestNextVersion_NilLocalBehavesAsFresh(t *testing.T) {
	next := NextVersion(nil)

	require.NotNil(t, next)
	assert.Equal(t, int64(0), next.VersionCounter)
	assert.NotEmpty(t, next.InstanceID)
}

func TestFreshVersion_DistinctInstanceIDs(t *testing.T) {
	a := FreshVersion()
	b := FreshVersion()

	assert.NotEqual(t, a.InstanceID, b.InstanceID)
}

func TestGetRemoteVersionInfo_AbsentFieldReturnsNilNil(t *testing.T) {
	doc, err := bson.Marshal(bson.M{"name": "alice"})
	require.NoError(t, err)

	v, err := GetRemoteVersionInfo("doc1", doc)

	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGetRemoteVersionInfo_PresentFieldDecodes(t *testing.T) {
	want := DocumentVersion{SyncProtocolVersion: ProtocolVersion, InstanceID: "inst-1", VersionCounter: 4}
	doc, err := bson.Marshal(bson.M{"name": "alice", FieldName: want})
	require.NoError(t, err)

	got, err := GetRemoteVersionInfo("doc1", doc)

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
}

func TestGetRemoteVersionInfo_MalformedFieldReturnsParseError(t *testing.T) {
	doc, err := bson.Marshal(bson.M{"name": "alice", FieldName: "not-a-version-document"})
	require.NoError(t, err)

	v, err := GetRemoteVersionInfo("doc1", doc)

	assert.Nil(t, v)
	require.Error(t, err)
	var parseErr *VersionParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestHasCommittedVersion(t *testing.T) {
	local := &DocumentVersion{InstanceID: "inst-1", VersionCounter: 5}

	cases := []struct {
		name     string
		incoming *DocumentVersion
		want     bool
	}{
		{"nil incoming", nil, false},
		{"same instance lower counter", &DocumentVersion{InstanceID: "inst-1", VersionCounter: 3}, true},
		{"same instance equal counter", &DocumentVersion{InstanceID: "inst-1", VersionCounter: 5}, true},
		{"same instance higher counter", &DocumentVersion{InstanceID: "inst-1", VersionCounter: 6}, false},
		{"different instance", &DocumentVersion{InstanceID: "inst-2", VersionCounter: 1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HasCommittedVersion(local, tc.incoming))
		})
	}
}

func TestHasCommittedVersion_NilLocal(t *testing.T) {
	assert.False(t, HasCommittedVersion(nil, FreshVersion()))
}
