package version

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CommittedCache is a bounded fast-path cache in front of HasCommittedVersion
// for documents this instance repeatedly touches within a single sync pass:
// rather than recomputing (and, upstream, re-fetching) the local version
// every time a self-authored change-stream event arrives for the same
// document, the R2L pass can consult this cache first. Grounded on the
// pack's use of hashicorp/golang-lru for bounded request-scoped caches
// (ipiton-alert-history-service).
type CommittedCache struct {
	mu    sync.Mutex
	cache *lru.Cache[primitive.ObjectID, DocumentVersion]
}

// NewCommittedCache creates a cache holding up to size entries. size must be
// positive.
func NewCommittedCache(size int) (*CommittedCache, error) {
	c, err := lru.New[primitive.ObjectID, DocumentVersion](size)
	if err != nil {
		return nil, err
	}
	return &CommittedCache{cache: c}, nil
}

// Record remembers the last version this instance knows to be committed for
// a document.
func (c *CommittedCache) Record(docID primitive.ObjectID, v DocumentVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(docID, v)
}

// HasCommittedVersion checks incoming against the cached version for docID.
// Returns false whenever the cache cannot confirm commitment, leaving the
// slower, authoritative check to the caller.
func (c *CommittedCache) HasCommittedVersion(docID primitive.ObjectID, incoming *DocumentVersion) bool {
	c.mu.Lock()
	cached, ok := c.cache.Get(docID)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return HasCommittedVersion(&cached, incoming)
}

// Forget drops a document from the cache, used when a document is desynced
// or deleted and its cached version would otherwise go stale.
func (c *CommittedCache) Forget(docID primitive.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(docID)
}
