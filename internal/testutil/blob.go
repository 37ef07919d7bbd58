package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/receiptwise/pipeline/internal/blob"
	"github.com/receiptwise/pipeline/internal/common"
)

// MemoryBlobStore implements blob.Store for testing.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// PutErr and GetErr, when set, are returned by the respective calls.
	PutErr error
	GetErr error
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

func (m *MemoryBlobStore) PutIfAbsent(_ context.Context, key string, data []byte, _ string) error {
	if m.PutErr != nil {
		return m.PutErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; ok {
		return common.NewAppError("BLOB_EXISTS", key, common.ErrAlreadyExists)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[key] = cp
	return nil
}

func (m *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return data, nil
}

func (m *MemoryBlobStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", common.ErrNotFound
	}
	return fmt.Sprintf("https://blob.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

// Keys returns the stored object keys.
func (m *MemoryBlobStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of stored objects.
func (m *MemoryBlobStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Ensure MemoryBlobStore implements blob.Store
var _ blob.Store = (*MemoryBlobStore)(nil)
