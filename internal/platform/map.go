package platform

import (
	"sync"
)

// Map is a thread-safe generic map with add and delete hooks.
// Hooks run under the map lock and must not call back into the map.
type Map[K comparable, V any] struct {
	mutex sync.RWMutex
	data  map[K]V

	onAdd    []func(key K, value V)
	onDelete []func(key K, value V)
}

// NewMap creates a new thread-safe generic map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		data: make(map[K]V),
	}
}

// Get retrieves a value from the map.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	val, ok := m.data[key]
	return val, ok
}

// PutNew stores a value only if the key is not present yet.
// It reports whether the value was stored.
func (m *Map[K, V]) PutNew(key K, val V) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.data[key]; exists {
		return false
	}

	m.data[key] = val
	for _, fn := range m.onAdd {
		fn(key, val)
	}

	return true
}

// Delete removes a value from the map and returns it.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	val, exists := m.data[key]
	if !exists {
		return val, false
	}

	delete(m.data, key)
	for _, fn := range m.onDelete {
		fn(key, val)
	}

	return val, true
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.data)
}

// Drain removes all entries and returns their values.
func (m *Map[K, V]) Drain() []V {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	values := make([]V, 0, len(m.data))
	for k, v := range m.data {
		values = append(values, v)
		delete(m.data, k)
		for _, fn := range m.onDelete {
			fn(k, v)
		}
	}

	return values
}

// NotifyAdd adds a hook function to be called when a new key is added.
func (m *Map[K, V]) NotifyAdd(fn func(key K, value V)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.onAdd = append(m.onAdd, fn)
}

// NotifyDelete adds a hook function to be called when a key is deleted.
func (m *Map[K, V]) NotifyDelete(fn func(key K, value V)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.onDelete = append(m.onDelete, fn)
}

// Set2 is a thread-safe set of secondary keys grouped by a primary key.
// A primary key disappears together with its last secondary key.
type Set2[K1, K2 comparable] struct {
	mutex sync.RWMutex
	data  map[K1]map[K2]struct{}
}

// NewSet2 creates an empty Set2.
func NewSet2[K1, K2 comparable]() *Set2[K1, K2] {
	return &Set2[K1, K2]{
		data: make(map[K1]map[K2]struct{}),
	}
}

// Has reports whether the pair is in the set.
func (s *Set2[K1, K2]) Has(key1 K1, key2 K2) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	_, ok := s.data[key1][key2]
	return ok
}

// Add adds the pair and reports whether it was absent.
func (s *Set2[K1, K2]) Add(key1 K1, key2 K2) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sub, ok := s.data[key1]
	if !ok {
		sub = make(map[K2]struct{})
		s.data[key1] = sub
	}

	if _, exists := sub[key2]; exists {
		return false
	}

	sub[key2] = struct{}{}
	return true
}

// Remove removes the pair and reports whether it was present.
func (s *Set2[K1, K2]) Remove(key1 K1, key2 K2) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sub, ok := s.data[key1]
	if !ok {
		return false
	}
	if _, exists := sub[key2]; !exists {
		return false
	}

	delete(sub, key2)
	if len(sub) == 0 {
		delete(s.data, key1)
	}

	return true
}

// Keys returns all secondary keys for a primary key.
func (s *Set2[K1, K2]) Keys(key1 K1) []K2 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	keys := make([]K2, 0, len(s.data[key1]))
	for k := range s.data[key1] {
		keys = append(keys, k)
	}

	return keys
}

// Len returns the number of primary keys.
func (s *Set2[K1, K2]) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.data)
}

// Clear removes everything.
func (s *Set2[K1, K2]) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	clear(s.data)
}
