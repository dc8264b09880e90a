package store

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"
)

// FileStore persists entries to a JSON file on every mutation. It guards
// against concurrent use within one process only.
type FileStore[V any] struct {
	mu    sync.Mutex
	path  string
	store map[string]V
}

// NewFileStore opens or creates the store file at path, creating parent
// directories as needed.
func NewFileStore[V any](path string) (*FileStore[V], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create store dir: %w", err)
	}
	f := &FileStore[V]{path: path, store: make(map[string]V)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not open store file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f.store); err != nil {
			return nil, fmt.Errorf("could not parse store file %s: %w", path, err)
		}
	}
	return f, nil
}

// Set stores value under key, failing if the key already exists.
func (f *FileStore[V]) Set(key string, value V) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.store[key]; ok {
		return ErrKeyExists
	}
	f.store[key] = value
	return f.save()
}

// Get returns the value stored under key.
func (f *FileStore[V]) Get(key string) (V, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	value, ok := f.store[key]
	if !ok {
		var zero V
		return zero, ErrKeyDoesntExist
	}
	return value, nil
}

// Delete removes the key and its value.
func (f *FileStore[V]) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	delete(f.store, key)
	return f.save()
}

// Update replaces the value of an existing key.
func (f *FileStore[V]) Update(key string, value V) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	f.store[key] = value
	return f.save()
}

// Keys returns all keys in sorted order.
func (f *FileStore[V]) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.store))
}

// save writes the store through a temp file so readers never see a partial
// index.
func (f *FileStore[V]) save() error {
	data, err := json.MarshalIndent(f.store, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode store: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("could not write store file: %w", err)
	}
	return os.Rename(tmp, f.path)
}
