package storage

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memoryStore keeps everything in process. Locks only exclude goroutines of
// the same process.
type memoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	data  map[string]memEntry
	locks map[string]memEntry
}

type memEntry struct {
	value []byte
	exp   time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.exp.IsZero() && !now.Before(e.exp)
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return newMemory(time.Now)
}

func newMemory(now func() time.Time) *memoryStore {
	return &memoryStore{
		now:   now,
		data:  map[string]memEntry{},
		locks: map[string]memEntry{},
	}
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *memoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.exp = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	e, ok := m.data[key]
	if ok && !e.expired(m.now()) {
		v, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	} else {
		e = memEntry{}
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.data[key] = e
	return n, nil
}

func (m *memoryStore) Lock(name string, ttl time.Duration) Lock {
	return newLease(m, name, ttl)
}

func (m *memoryStore) tryLock(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.locks[name]; ok && !e.expired(now) {
		return false, nil
	}
	m.locks[name] = memEntry{value: []byte(owner), exp: now.Add(ttl)}
	return true, nil
}

func (m *memoryStore) unlock(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[name]; ok && string(e.value) == owner {
		delete(m.locks, name)
	}
	return nil
}

func (m *memoryStore) Close() error { return nil }
