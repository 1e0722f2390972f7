// ABOUTME: Sharded per-key mutex with context-bounded acquisition.
// ABOUTME: Serializes state transitions per conversation without a global lock.

package keylock

import (
	"context"
	"sync"
)

// entry is the serialization point for one key. The channel holds a token
// while the key is locked; refs counts holders plus waiters so idle entries
// can be dropped.
type entry struct {
	token chan struct{}
	refs  int
}

// Map hands out one lock per key. The zero value is not usable; call New.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Map.
func New() *Map {
	return &Map{entries: make(map[string]*entry)}
}

// Lock acquires the lock for key, waiting until it is free or ctx is done.
// On success it returns an unlock function that is safe to call more than once.
// On failure it returns ctx.Err().
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{token: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	// Prefer the lock over an already-cancelled context only when it is free right now
	select {
	case e.token <- struct{}{}:
	default:
		select {
		case e.token <- struct{}{}:
		case <-ctx.Done():
			m.release(key, e)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.token
			m.release(key, e)
		})
	}, nil
}

// release drops one reference and forgets the entry when nobody holds or waits on it.
func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
