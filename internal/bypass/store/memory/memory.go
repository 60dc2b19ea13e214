package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/voucher-bypass/internal/bypass/types"
)

// BindingStore keeps the binding set in memory.  It is intended for use in
// tests and dev environments.
type BindingStore struct {
	mu        sync.RWMutex
	data      types.Bindings
	updatedAt time.Time

	// FailSave, when set, is returned by Save without replacing anything.
	FailSave error
}

func NewBindingStore() *BindingStore {
	return &BindingStore{data: make(types.Bindings)}
}

func (s *BindingStore) Load(_ context.Context) (types.Bindings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone(), nil
}

func (s *BindingStore) Save(_ context.Context, bs types.Bindings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	s.data = bs.Clone()
	s.updatedAt = time.Now().UTC()
	return nil
}

func (s *BindingStore) UpdatedAt(_ context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt, nil
}

// Snapshot returns the current contents.  Test-only helper.
func (s *BindingStore) Snapshot() types.Bindings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone()
}
