// Package store implements the typed key-value stores gantry keeps its
// bookkeeping in: an in-memory map and a JSON file backed variant.
package store

import (
	"errors"
	"maps"
	"slices"
	"sync"
)

var (
	ErrKeyExists      = errors.New("store: key already exists")
	ErrKeyDoesntExist = errors.New("store: key does not exist")
)

// Store is a typed key-value store. Set fails on existing keys, Update on
// missing ones.
type Store[V any] interface {
	Set(key string, value V) error
	Get(key string) (V, error)
	Delete(key string) error
	Update(key string, value V) error
	Keys() []string
}

// MemStore keeps entries in memory. Safe for concurrent use.
type MemStore[V any] struct {
	mu    sync.Mutex
	store map[string]V
}

func NewMemStore[V any]() *MemStore[V] {
	return &MemStore[V]{store: make(map[string]V)}
}

// Set stores value under key, failing if the key already exists.
func (m *MemStore[V]) Set(key string, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.store[key]; ok {
		return ErrKeyExists
	}
	m.store[key] = value
	return nil
}

// Get returns the value stored under key.
func (m *MemStore[V]) Get(key string) (V, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, ok := m.store[key]
	if !ok {
		var zero V
		return zero, ErrKeyDoesntExist
	}
	return value, nil
}

// Delete removes the key and its value.
func (m *MemStore[V]) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	delete(m.store, key)
	return nil
}

// Update replaces the value of an existing key.
func (m *MemStore[V]) Update(key string, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	m.store[key] = value
	return nil
}

// Keys returns all keys in sorted order.
func (m *MemStore[V]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.store))
}
