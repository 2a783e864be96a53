package storage

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/chatlink/connector/pkg/errors"
)

// MemoryStore is an in-process Store used in tests and local development.
// It implements the same etag semantics as the platform storage API, and its
// GetAndDelete gives the atomic consume primitive the link protocol prefers.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[key]
	if !ok {
		return nil, errors.NewNotFoundError("no record stored under "+key, nil)
	}
	copied := record
	return &copied, nil
}

// GetAndDelete atomically reads and removes the record stored under key.
func (m *MemoryStore) GetAndDelete(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[key]
	if !ok {
		return nil, errors.NewNotFoundError("no record stored under "+key, nil)
	}
	delete(m.records, key)
	copied := record
	return &copied, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, data any, etag string) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal storage payload", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if etag != "" {
		current, ok := m.records[key]
		if !ok || current.ETag != etag {
			return "", errors.NewInternalError("storage write precondition failed for "+key, nil)
		}
	}
	newETag := uuid.NewString()
	m.records[key] = Record{Data: payload, ETag: newETag}
	return newETag, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// DeleteAll implements Store.
func (m *MemoryStore) DeleteAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record)
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.records {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
