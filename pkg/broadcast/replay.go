package broadcast

import "sync"

// LastValueCache keeps the most recent encoded frame per event.
type LastValueCache struct {
	mu     sync.RWMutex
	frames map[string][]byte
}

func NewLastValueCache() *LastValueCache {
	return &LastValueCache{frames: make(map[string][]byte)}
}

func (c *LastValueCache) Record(event string, frame []byte) {
	c.mu.Lock()
	c.frames[event] = frame
	c.mu.Unlock()
}

func (c *LastValueCache) Get(event string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.frames[event]
	return f, ok
}
