package cache

import (
	"context"
	"strings"
	"sync"
)

type memCache struct {
	entries []Entry
}

// MemProvider keeps all caches in process memory.
type MemProvider struct {
	mutex  *sync.RWMutex
	names  []string
	caches map[string]*memCache
}

func NewMemProvider() *MemProvider {
	return &MemProvider{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*memCache),
	}
}

func (m *MemProvider) CreateCache(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; ok {
		return false, nil
	}
	m.caches[name] = &memCache{}
	m.names = append(m.names, name)
	return true, nil
}

func (m *MemProvider) HasCache(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemProvider) CacheNames(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.names))
	copy(names, m.names)
	return names, nil
}

func (m *MemProvider) DeleteCache(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemProvider) Entries(ctx context.Context, name, prefix string) ([]Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]Entry, 0)
	c, ok := m.caches[name]
	if !ok {
		return entries, nil
	}
	for _, e := range c.entries {
		if strings.HasPrefix(e.Key, prefix) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *MemProvider) PutEntries(ctx context.Context, name string, entries []Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return ErrNoSuchCache
	}
	for _, e := range entries {
		c.remove(e.Key)
		c.entries = append(c.entries, Entry{Key: e.Key, Bytes: append([]byte(nil), e.Bytes...)})
	}
	return nil
}

func (m *MemProvider) DeleteEntries(ctx context.Context, name string, keys []string) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return 0, nil
	}
	removed := 0
	for _, key := range keys {
		if c.remove(key) {
			removed++
		}
	}
	return removed, nil
}

func (m *MemProvider) Close() error {
	return nil
}

func (c *memCache) remove(key string) bool {
	for i, e := range c.entries {
		if e.Key == key {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}
