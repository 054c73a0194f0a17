package tracker

import "sync"

// cache is a keyed local mirror of remote rows. Values go in and come out
// through clone so callers never share memory with the cache.
type cache[V any] struct {
	mu    sync.RWMutex
	items map[string]V
	clone func(V) V
}

func newCache[V any](clone func(V) V) *cache[V] {
	if clone == nil {
		clone = func(v V) V { return v }
	}
	return &cache[V]{
		items: make(map[string]V),
		clone: clone,
	}
}

func (c *cache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if !ok {
		return v, false
	}
	return c.clone(v), true
}

func (c *cache[V]) set(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = c.clone(v)
}

func (c *cache[V]) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// replace swaps the whole content, used after a full refetch
func (c *cache[V]) replace(items map[string]V) {
	next := make(map[string]V, len(items))
	for k, v := range items {
		next[k] = c.clone(v)
	}
	c.mu.Lock()
	c.items = next
	c.mu.Unlock()
}

func (c *cache[V]) keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys
}

func (c *cache[V]) values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]V, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, c.clone(v))
	}
	return out
}

func (c *cache[V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
