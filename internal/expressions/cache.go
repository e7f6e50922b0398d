package expressions

import "sync"

// programCache memoizes compiled programs by source text. Safe for
// concurrent use.
type programCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

func newProgramCache[T any]() *programCache[T] {
	return &programCache[T]{entries: make(map[string]T)}
}

func (c *programCache[T]) getOrCompile(src string, compile func(string) (T, error)) (T, error) {
	c.mu.RLock()
	prg, ok := c.entries[src]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := c.entries[src]; ok {
		return prg, nil
	}
	prg, err := compile(src)
	if err != nil {
		var zero T
		return zero, err
	}
	c.entries[src] = prg
	return prg, nil
}

func (c *programCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
