// Package syncmap provides a small generic thread-safe map for
// concurrently-accessed lookup tables, such as the clearing-house's peer
// table.
package syncmap

import "sync"

type Map[K comparable, V any] struct {
	mut  sync.RWMutex
	data map[K]V
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{data: make(map[K]V)}
}

func (m *Map[K, V]) Put(key K, val V) {
	m.mut.Lock()
	m.data[key] = val
	m.mut.Unlock()
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mut.RLock()
	val, exists := m.data[key]
	m.mut.RUnlock()
	return val, exists
}

func (m *Map[K, V]) Delete(keys ...K) {
	m.mut.Lock()
	for _, key := range keys {
		delete(m.data, key)
	}
	m.mut.Unlock()
}

func (m *Map[K, V]) Len() int {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return len(m.data)
}

// Keys returns a snapshot of the current keys, in no particular order.
func (m *Map[K, V]) Keys() []K {
	m.mut.RLock()
	defer m.mut.RUnlock()
	keys := make([]K, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

// Range calls f for every entry present at the time of the call. f must
// not call back into the map.
func (m *Map[K, V]) Range(f func(K, V) bool) {
	m.mut.RLock()
	defer m.mut.RUnlock()
	for k, v := range m.data {
		if !f(k, v) {
			return
		}
	}
}
