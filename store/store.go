// Package store is the local persistence bridge of the onchat SDK: a small
// namespaced key-value contract with memory, Pebble and SQLite backends, plus
// a typed Bridge that knows which keys the session keeps.
package store

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by Load when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// Global is the namespace for values needed before an identity is confirmed.
const Global = ""

// Backend is a durable namespaced key-value store.
type Backend interface {
	Save(namespace, key string, value []byte) error
	Load(namespace, key string) ([]byte, error)
	Delete(namespace, key string) error
	// Clear drops every key of namespace.
	Clear(namespace string) error
	Close() error
}

// Memory is an in-process Backend, used by tests and when no data path is set.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) Save(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Load(namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	return nil
}

func (m *Memory) Clear(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespace)
	return nil
}

func (m *Memory) Close() error { return nil }

// Open returns the backend named kind ("memory", "pebble" or "sqlite") at path.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case "", "memory":
		return NewMemory(), nil
	case "pebble":
		p, err := OpenPebble(path)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "sqlite":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", kind)
	}
}
