package config

import (
	"sync"

	"docsync/nsync"
)

// InstanceConfig is the map namespace → namespace config described in §3's
// InstanceSynchronizationConfig, persisted via the local store's
// sync_config<instanceKey>.instances/.namespaces/.documents rows (see
// configstore for the persistence layer).
type InstanceConfig struct {
	mu         sync.RWMutex
	InstanceID string
	namespaces map[nsync.Namespace]*NamespaceConfig
	Clock      *LogicalClock
}

// NewInstanceConfig creates an empty instance config for the given instance
// id (the writer identity embedded in every DocumentVersion this instance
// mints).
func NewInstanceConfig(instanceID string) *InstanceConfig {
	return &InstanceConfig{
		InstanceID: instanceID,
		namespaces: make(map[nsync.Namespace]*NamespaceConfig),
		Clock:      &LogicalClock{},
	}
}

// EnsureNamespace returns the namespace config for ns, creating one if
// absent.
func (c *InstanceConfig) EnsureNamespace(ns nsync.Namespace) *NamespaceConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	nc, ok := c.namespaces[ns]
	if !ok {
		nc = NewNamespaceConfig(ns)
		c.namespaces[ns] = nc
	}
	return nc
}

// Namespace returns the namespace config for ns, or nil if it is not
// configured.
func (c *InstanceConfig) Namespace(ns nsync.Namespace) *NamespaceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namespaces[ns]
}

// RemoveNamespace drops a namespace entirely, used when the caller stops
// synchronizing an entire collection.
func (c *InstanceConfig) RemoveNamespace(ns nsync.Namespace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.namespaces, ns)
}

// Namespaces returns every currently configured namespace config.
func (c *InstanceConfig) Namespaces() []*NamespaceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*NamespaceConfig, 0, len(c.namespaces))
	for _, nc := range c.namespaces {
		out = append(out, nc)
	}
	return out
}
