package server

import "sync"

// OneToManyMap indexes each source file with the URLs it is served at, and
// each URL back to its file.
type OneToManyMap struct {
	mu          sync.RWMutex
	keyToValues map[string][]string
	valueToKey  map[string]string
}

// NewOneToManyMap creates an empty map.
func NewOneToManyMap() *OneToManyMap {
	return &OneToManyMap{
		keyToValues: map[string][]string{},
		valueToKey:  map[string]string{},
	}
}

// Add records values under key, replacing what key held before.
func (m *OneToManyMap) Add(key string, values []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
	m.keyToValues[key] = append([]string(nil), values...)
	for _, v := range values {
		m.valueToKey[v] = key
	}
}

// Delete removes key and its values.
func (m *OneToManyMap) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(key)
}

func (m *OneToManyMap) deleteLocked(key string) {
	for _, v := range m.keyToValues[key] {
		if m.valueToKey[v] == key {
			delete(m.valueToKey, v)
		}
	}
	delete(m.keyToValues, key)
}

// Key returns the key value is recorded under.
func (m *OneToManyMap) Key(value string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.valueToKey[value]
	return key, ok
}

// Values returns the values recorded under key.
func (m *OneToManyMap) Values(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.keyToValues[key]...)
}

// Len returns the number of keys.
func (m *OneToManyMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyToValues)
}
