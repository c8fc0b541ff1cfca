// Package keylock serializes work per key with lazily created mutexes.
package keylock

import "sync"

// Key names one branch of one storage.
type Key struct {
	Storage string
	Branch  string
}

// Manager hands out one mutex per key. The registry is guarded by a single
// mutex that is only held while looking up or creating a key's mutex, so
// two callers can never end up with different mutexes for the same key.
//
// Lock waits have no timeout. A holder that never unlocks stalls every
// later caller for that key.
type Manager struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

func NewManager() *Manager {
	return &Manager{locks: make(map[Key]*sync.Mutex)}
}

func (m *Manager) get(k Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// Lock blocks until k is free and returns the function that releases it.
func (m *Manager) Lock(k Key) (unlock func()) {
	l := m.get(k)
	l.Lock()
	return l.Unlock
}

// Do runs fn while holding k.
func (m *Manager) Do(k Key, fn func() error) error {
	unlock := m.Lock(k)
	defer unlock()
	return fn()
}

// Len reports how many keys have a mutex.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
