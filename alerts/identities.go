package alerts

import "sync"

// Identities caches broadcaster id → the name tenants subscribed with. It is
// filled on subscribe and restore and never evicted.
type Identities struct {
	mu    sync.RWMutex
	names map[string]string
}

func NewIdentities() *Identities {
	return &Identities{names: make(map[string]string)}
}

func (c *Identities) Set(id, name string) {
	if id == "" || name == "" {
		return
	}
	c.mu.Lock()
	c.names[id] = name
	c.mu.Unlock()
}

// Name returns the cached name for id.
func (c *Identities) Name(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.names[id]
	return n, ok
}
