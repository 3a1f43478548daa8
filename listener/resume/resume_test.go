package resume

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"docsync/nsync"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions("localhost:6379")
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "docsync:resume:", opts.Prefix)
	assert.Equal(t, defaultTTL, opts.TTL)
}

func TestOpen_RequiresOptions(t *testing.T) {
	_, err := Open(nil, nil)
	assert.Error(t, err)
}

func TestCache_KeysAreNamespacedAndSplitByPurpose(t *testing.T) {
	c := &Cache{prefix: "docsync:resume:", ttl: time.Minute}
	ns := nsync.Namespace{Database: "d", Collection: "c"}

	tokenKey := c.tokenKey(ns)
	staleKey := c.staleKey(ns)

	assert.NotEqual(t, tokenKey, staleKey)
	assert.Contains(t, tokenKey, "d.c")
	assert.Contains(t, staleKey, "d.c")
	assert.Contains(t, tokenKey, "token:")
	assert.Contains(t, staleKey, "stale:")
}
