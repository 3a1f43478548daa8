package version

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"
	"go.mongodb.org/mongo-driver/bson"
)

// BsonPatch is a MongoDB update document expressed as separate $set/$unset
// operator maps, generated alongside the JSON merge patch representation.
// Grounded on the teacher's nodestorage/v2/bsonpatch.go BsonPatch type,
// trimmed to the two operators the sync engine actually issues against
// generic bson.Raw documents (array-element and $inc diffing is the
// teacher's typed-struct concern; this engine diffs untyped documents).
type BsonPatch struct {
	Set   bson.M `json:"set,omitempty"`
	Unset bson.M `json:"unset,omitempty"`
}

// MarshalBSON implements bson.Marshaler so a BsonPatch can be passed directly
// as a MongoDB update document.
func (p *BsonPatch) MarshalBSON() ([]byte, error) {
	update := bson.M{}
	if len(p.Set) > 0 {
		update["$set"] = p.Set
	}
	if len(p.Unset) > 0 {
		update["$unset"] = p.Unset
	}
	return bson.Marshal(update)
}

// IsEmpty reports whether the patch has no operations.
func (p *BsonPatch) IsEmpty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0
}

// Diff is the dual representation of a change between two document states:
// a JSON merge patch (RFC 7396), useful for transmitting the change to a
// non-MongoDB-aware observer, and a BsonPatch, issued directly as the
// MongoDB update document. Grounded on the teacher's own dual Diff
// (MergePatch + BsonPatch) shape in nodestorage/v2.
type Diff struct {
	MergePatch []byte
	BsonPatch  *BsonPatch
}

// HasChanges reports whether this diff carries any operation at all.
func (d *Diff) HasChanges() bool {
	if d == nil {
		return false
	}
	return !d.BsonPatch.IsEmpty()
}

// UpdateDescriptionDiff computes the Diff between two document states given
// as generic maps (the result of unmarshaling a bson.Raw / bson.M document).
// It flattens both documents to dotted-path key/value pairs one level at a
// time (matching how MongoDB's own UpdateDescription reports nested field
// changes) and classifies each differing path as $set or $unset.
func UpdateDescriptionDiff(oldDoc, newDoc bson.M) (*Diff, error) {
	oldFlat := flatten("", oldDoc)
	newFlat := flatten("", newDoc)

	patch := &BsonPatch{Set: bson.M{}, Unset: bson.M{}}

	for path, newVal := range newFlat {
		oldVal, existed := oldFlat[path]
		if !existed || !bsonEqual(oldVal, newVal) {
			patch.Set[path] = newVal
		}
	}
	for path := range oldFlat {
		if _, stillPresent := newFlat[path]; !stillPresent {
			patch.Unset[path] = ""
		}
	}

	mergePatch, err := buildMergePatch(oldDoc, newDoc)
	if err != nil {
		return nil, fmt.Errorf("build merge patch: %w", err)
	}

	return &Diff{MergePatch: mergePatch, BsonPatch: patch}, nil
}

// buildMergePatch generates an RFC 7396 JSON merge patch between two
// documents using evanphx/json-patch, the same library the teacher's pack
// sibling repos reach for whenever a JSON-level (rather than BSON-level)
// diff is needed.
func buildMergePatch(oldDoc, newDoc bson.M) ([]byte, error) {
	oldJSON, err := json.Marshal(oldDoc)
	if err != nil {
		return nil, fmt.Errorf("marshal old document: %w", err)
	}
	newJSON, err := json.Marshal(newDoc)
	if err != nil {
		return nil, fmt.Errorf("marshal new document: %w", err)
	}
	return jsonpatch.CreateMergePatch(oldJSON, newJSON)
}

// flatten walks a nested bson.M/map[string]interface{} document into a flat
// map of dotted paths to leaf values. Arrays and non-map leaf values are
// treated as opaque leaves, the way MongoDB's updateDescription does not
// further decompose array elements by default.
func flatten(prefix string, doc bson.M) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range doc {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch nested := v.(type) {
		case bson.M:
			for p, nv := range flatten(path, nested) {
				out[p] = nv
			}
		case map[string]interface{}:
			for p, nv := range flatten(path, bson.M(nested)) {
				out[p] = nv
			}
		default:
			out[path] = v
		}
	}
	return out
}

// bsonEqual compares two leaf values the way MongoDB would for change
// detection purposes: via their BSON-marshaled byte representation, which
// avoids false positives/negatives from Go type differences (int vs int32,
// map key ordering) that reflect.DeepEqual would trip on.
func bsonEqual(a, b interface{}) bool {
	aBytes, errA := bson.Marshal(bson.M{"v": a})
	bBytes, errB := bson.Marshal(bson.M{"v": b})
	if errA != nil || errB != nil {
		return false
	}
	return string(aBytes) == string(bBytes)
}
