package session

import (
	"sync"
	"time"
)

type memEntry struct {
	data    []byte
	expires time.Time
}

// MemStore is an in-process Store. Entries vanish at their expiry time.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]memEntry
	stop  chan struct{}
	once  sync.Once
}

func New() *MemStore {
	return NewWithCleanupInterval(time.Minute)
}

// NewWithCleanupInterval starts a sweeper every interval; 0 disables it and
// expired entries are only filtered on read.
func NewWithCleanupInterval(interval time.Duration) *MemStore {
	m := &MemStore{items: make(map[string]memEntry)}
	if interval > 0 {
		m.stop = make(chan struct{})
		go m.cleanup(interval)
	}
	return m
}

func (m *MemStore) Find(token string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.items[token]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false, nil
	}
	return e.data, true, nil
}

func (m *MemStore) Commit(token string, b []byte, expiry time.Time) error {
	cp := append([]byte(nil), b...)
	m.mu.Lock()
	m.items[token] = memEntry{data: cp, expires: expiry}
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Delete(token string) error {
	m.mu.Lock()
	delete(m.items, token)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) All() (map[string][]byte, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.items))
	for k, e := range m.items {
		if now.After(e.expires) {
			continue
		}
		out[k] = e.data
	}
	return out, nil
}

// StopCleanup ends the sweeper goroutine.
func (m *MemStore) StopCleanup() {
	m.once.Do(func() {
		if m.stop != nil {
			close(m.stop)
		}
	})
}

func (m *MemStore) cleanup(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.items {
				if now.After(e.expires) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}
