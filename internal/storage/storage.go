// Package storage defines the durable key/value layer the offline queue persists into.
package storage

import (
	"context"
	"sync"

	"github.com/and161185/fieldsync/internal/errs"
)

// Storage holds opaque values under string keys. Save overwrites wholesale.
type Storage interface {
	// Load returns the value stored under key or errs.ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save atomically replaces the value under key.
	Save(ctx context.Context, key string, value []byte) error
}

// Memory is a process-local Storage, used for tests and the "memory" driver.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty Memory storage.
func NewMemory() *Memory { return &Memory{data: map[string][]byte{}} }

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}
