package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"artledger/internal/domain"
)

// UnlockFunc releases a distributed lock.
type UnlockFunc func(ctx context.Context) error

// Locker coordinates access to a run across processes sharing a store.
type Locker interface {
	// Lock blocks until the lock for key is held or ctx is done. The lock
	// expires after ttl if it is never released.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager serialises checkpoint access per run id. Entries are ref-counted so
// finished runs do not leave mutexes behind.
type Manager struct {
	store Store

	mu    sync.Mutex
	locks map[string]*lockEntry

	locker  Locker
	lockTTL time.Duration
	logger  *zap.Logger
}

type Option func(*Manager)

// WithLocker adds a distributed lock around every store operation.
func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = locker
		if ttl > 0 {
			m.lockTTL = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		locks:   map[string]*lockEntry{},
		lockTTL: 30 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) acquire(runID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[runID]
	if !ok {
		e = &lockEntry{}
		m.locks[runID] = e
	}
	e.refs++
	return e
}

func (m *Manager) release(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[runID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.locks, runID)
	}
}

// WithLock runs fn while holding the run's lock.
func (m *Manager) WithLock(ctx context.Context, runID string, fn func(context.Context) error) error {
	e := m.acquire(runID)
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		m.release(runID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, runID, m.lockTTL)
		if err != nil {
			return fmt.Errorf("acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("release distributed lock failed, it will expire",
					zap.String("run_id", runID), zap.Error(err))
			}
		}()
	}
	return fn(ctx)
}

func (m *Manager) Save(ctx context.Context, cp domain.Checkpoint) error {
	return m.WithLock(ctx, cp.RunID, func(ctx context.Context) error {
		return m.store.Save(ctx, cp)
	})
}

func (m *Manager) Load(ctx context.Context, runID string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := m.WithLock(ctx, runID, func(ctx context.Context) error {
		var err error
		cp, err = m.store.Load(ctx, runID)
		return err
	})
	return cp, err
}

func (m *Manager) Delete(ctx context.Context, runID string) error {
	return m.WithLock(ctx, runID, func(ctx context.Context) error {
		return m.store.Delete(ctx, runID)
	})
}

func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// Pending returns checkpoints of runs that have not reached a terminal state.
func (m *Manager) Pending(ctx context.Context) ([]domain.Checkpoint, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Checkpoint
	for _, id := range ids {
		cp, err := m.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !cp.State.Terminal() {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *Manager) Store() Store { return m.store }
