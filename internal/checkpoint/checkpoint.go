// Package checkpoint stores the latest snapshot of each flow run so a run can
// be inspected and resumed after its process stops.
package checkpoint

import (
	"context"
	"sort"
	"sync"

	"artledger/internal/domain"
)

var ErrNotFound = domain.ErrNotFound

// Store persists checkpoints keyed by run id.
type Store interface {
	Save(ctx context.Context, cp domain.Checkpoint) error
	Load(ctx context.Context, runID string) (domain.Checkpoint, error)
	Delete(ctx context.Context, runID string) error
	List(ctx context.Context) ([]string, error)
}

// MemoryStore keeps checkpoints in process.
type MemoryStore struct {
	mu  sync.RWMutex
	cps map[string]domain.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: map[string]domain.Checkpoint{}}
}

func (m *MemoryStore) Save(_ context.Context, cp domain.Checkpoint) error {
	cp.Signatures = cp.Signatures.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.RunID] = cp
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID string) (domain.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.cps[runID]
	if !ok {
		return domain.Checkpoint{}, ErrNotFound
	}
	cp.Signatures = cp.Signatures.Clone()
	return cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, runID)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.cps))
	for id := range m.cps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
