package bridge

import (
	"context"
	"strings"

	"github.com/rendis/agentscript/internal/state"
	"github.com/rendis/agentscript/pkg/schema"
)

// StateNamespace is the State global of one workflow. Keys are stored as
// workflow:{id}:{key} so workflows never see each other's values.
type StateNamespace struct {
	store      state.Store
	workflowID string
}

// WorkflowID returns the scope of the namespace.
func (s *StateNamespace) WorkflowID() string { return s.workflowID }

func (s *StateNamespace) key(key string) (string, error) {
	if key == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "state key is required")
	}
	return state.WorkflowKey(s.workflowID, key), nil
}

// Get returns the value of key, or nil when it was never set.
func (s *StateNamespace) Get(ctx context.Context, key string) (any, error) {
	k, err := s.key(key)
	if err != nil {
		return nil, err
	}
	v, err := s.store.Get(ctx, k)
	if state.IsNotFound(err) {
		return nil, nil
	}
	return v, err
}

// Set stores value under key. A nil value deletes the key.
func (s *StateNamespace) Set(ctx context.Context, key string, value any) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	if value == nil {
		return s.store.Delete(ctx, k)
	}
	return s.store.Set(ctx, k, value)
}

// Delete removes key.
func (s *StateNamespace) Delete(ctx context.Context, key string) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, k)
}

// Keys lists the keys of the workflow without their prefix.
func (s *StateNamespace) Keys(ctx context.Context) ([]string, error) {
	prefix := state.WorkflowKey(s.workflowID, "")
	keys, err := s.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, prefix)
	}
	return out, nil
}
