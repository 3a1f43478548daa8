package version

import (
	"fmt"

	"github.com/jinzhu/copier"
	"go.mongodb.org/mongo-driver/bson"
)

// Sanitize returns a copy of doc with the version vector field removed, and
// never modifies doc itself. This resolves the open question of whether
// stripping the version field is safe to do in place: it is not, because
// callers of GetRemoteVersionInfo may still hold a reference to the same
// underlying map the CRUD surface later hands back to application code, and
// that caller should never observe __stitch_sync_version leaking through.
// Grounded on the teacher's own copy-before-mutate use of jinzhu/copier in
// nodestorage/v2/bsonpatch.go's deepCopyPointerValue.
func Sanitize(doc bson.M) (bson.M, error) {
	if doc == nil {
		return nil, nil
	}

	clone := bson.M{}
	if err := copier.CopyWithOption(&clone, &doc, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("deep copy document before sanitize: %w", err)
	}

	delete(clone, FieldName)
	return clone, nil
}

// SanitizeRaw is the bson.Raw-accepting variant of Sanitize, used directly
// on change-stream fullDocument payloads, which arrive as raw bytes rather
// than decoded maps.
func SanitizeRaw(doc bson.Raw) (bson.M, error) {
	if doc == nil {
		return nil, nil
	}
	var decoded bson.M
	if err := bson.Unmarshal(doc, &decoded); err != nil {
		return nil, fmt.Errorf("unmarshal raw document: %w", err)
	}
	return Sanitize(decoded)
}
