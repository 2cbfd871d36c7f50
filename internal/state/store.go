package state

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/pkg/schema"
)

// Store is the key-value storage backend for persisted state values.
// Values are JSON-shaped trees (maps, slices, strings, numbers, bools, nil).
type Store interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// NotFound builds the error Get returns for a missing key.
func NotFound(key string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "state key %q not found", key)
}

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool {
	return schema.IsCode(err, schema.ErrCodeNotFound)
}

// MemoryStore is an in-process Store. Values are cloned on the way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]any)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, NotFound(key)
	}
	return dotpath.Clone(v), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value any) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "state key is empty")
	}
	m.mu.Lock()
	m.data[key] = dotpath.Clone(dotpath.Normalize(value))
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*MemoryStore)(nil)

// WorkflowKey builds the namespaced key for a workflow-scoped value.
func WorkflowKey(workflowID, key string) string {
	return "workflow:" + workflowID + ":" + key
}

// ExecutionKey builds the key under which a finished execution is persisted.
func ExecutionKey(executionID string) string {
	return "execution:" + executionID
}
