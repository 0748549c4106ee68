package tokenstore

import (
	"context"
	"sync"
)

// MemoryMedium is an in-process medium intended for tests and dev runs.
type MemoryMedium struct {
	mutex  sync.Mutex
	values map[string]string
}

// NewMemoryMedium creates an empty in-memory medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (medium *MemoryMedium) Get(ctx context.Context, key string) (string, bool, error) {
	medium.mutex.Lock()
	defer medium.mutex.Unlock()
	value, ok := medium.values[key]
	return value, ok, nil
}

// Set replaces the value stored under key.
func (medium *MemoryMedium) Set(ctx context.Context, key string, value string) error {
	medium.mutex.Lock()
	defer medium.mutex.Unlock()
	medium.values[key] = value
	return nil
}

// Delete removes the given keys; missing keys are ignored.
func (medium *MemoryMedium) Delete(ctx context.Context, keys ...string) error {
	medium.mutex.Lock()
	defer medium.mutex.Unlock()
	for _, key := range keys {
		delete(medium.values, key)
	}
	return nil
}

// Len returns the number of stored keys.
func (medium *MemoryMedium) Len() int {
	medium.mutex.Lock()
	defer medium.mutex.Unlock()
	return len(medium.values)
}
