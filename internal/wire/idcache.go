package wire

import "sync"

// IDCache memoizes the 36-byte ASCII encoding of a live ExternalConnId so
// per-port proxies don't re-encode the same string on every outbound frame
// (spec.md §4.1 "implementations SHOULD cache the encoded bytes per live
// ExternalConnId and evict on connection teardown"). Since ExternalConnId is
// already a string, "encoding" is just []byte(id); the cache's real job is
// handing out a stable, reusable backing array so repeated frame builds
// don't allocate a fresh conversion each time.
type IDCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewIDCache returns an empty cache.
func NewIDCache() *IDCache {
	return &IDCache{entries: make(map[string][]byte)}
}

// Encode returns the cached byte-slice encoding of connID, computing and
// storing it on first use.
func (c *IDCache) Encode(connID string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.entries[connID]; ok {
		return b
	}
	b := []byte(connID)
	c.entries[connID] = b
	return b
}

// Evict drops the cached encoding for connID, called on connection teardown.
func (c *IDCache) Evict(connID string) {
	c.mu.Lock()
	delete(c.entries, connID)
	c.mu.Unlock()
}

// Len reports the number of cached entries; used by tests and metrics.
func (c *IDCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
