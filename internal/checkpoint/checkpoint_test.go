package checkpoint_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artledger/internal/checkpoint"
	"artledger/internal/checkpoint/checkpointtest"
	"artledger/internal/db"
	"artledger/internal/domain"
	"artledger/internal/migrate"
	"artledger/internal/repo"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestMemoryStoreContract(t *testing.T) {
	checkpointtest.RunStoreContract(t, checkpoint.NewMemoryStore())
}

func TestRedisStoreContract(t *testing.T) {
	_, client := newRedis(t)
	checkpointtest.RunStoreContract(t, checkpoint.NewRedisStoreFromClient(client, checkpoint.WithPrefix("test:run:")))
}

func TestSQLStoreContract(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "PartyA"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	checkpointtest.RunStoreContract(t, checkpoint.SQLStore{Repo: repo.Repo{DB: conn}})
}

func TestRedisStoreExpiresCheckpoints(t *testing.T) {
	mr, client := newRedis(t)
	store := checkpoint.NewRedisStoreFromClient(client, checkpoint.WithPrefix("p:"), checkpoint.WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, domain.Checkpoint{RunID: "r1", State: domain.StateSigning}))
	assert.Equal(t, time.Minute, mr.TTL("p:r1"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Load(ctx, "r1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

// exclusiveStore fails the test if two saves of the same run overlap.
type exclusiveStore struct {
	*checkpoint.MemoryStore
	t      *testing.T
	active int32
}

func (s *exclusiveStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	if atomic.AddInt32(&s.active, 1) != 1 {
		s.t.Errorf("concurrent save of %s", cp.RunID)
	}
	time.Sleep(time.Millisecond)
	atomic.AddInt32(&s.active, -1)
	return s.MemoryStore.Save(ctx, cp)
}

func TestManagerSerialisesPerRun(t *testing.T) {
	store := &exclusiveStore{MemoryStore: checkpoint.NewMemoryStore(), t: t}
	m := checkpoint.NewManager(store)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Save(context.Background(), domain.Checkpoint{RunID: "r1", State: domain.StateSigning}))
		}()
	}
	wg.Wait()

	cp, err := m.Load(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSigning, cp.State)
}

func TestManagerPending(t *testing.T) {
	ctx := context.Background()
	m := checkpoint.NewManager(checkpoint.NewMemoryStore())
	require.NoError(t, m.Save(ctx, domain.Checkpoint{RunID: "done", State: domain.StateCommitted}))
	require.NoError(t, m.Save(ctx, domain.Checkpoint{RunID: "stuck", State: domain.StateFinalizing}))
	require.NoError(t, m.Save(ctx, domain.Checkpoint{RunID: "gone", State: domain.StateAborted}))

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stuck", pending[0].RunID)
}

func TestManagerWithRedsyncLocker(t *testing.T) {
	_, client := newRedis(t)
	locker := checkpoint.NewRedsyncLocker(client, "test:")
	m := checkpoint.NewManager(checkpoint.NewRedisStoreFromClient(client), checkpoint.WithLocker(locker, 5*time.Second))
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, domain.Checkpoint{RunID: "r1", State: domain.StateValidating}))
	cp, err := m.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateValidating, cp.State)

	// The distributed lock is released after each operation.
	unlock, err := locker.Lock(ctx, "r1", time.Second)
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
}

func TestRedsyncLockerExcludes(t *testing.T) {
	_, client := newRedis(t)
	locker := checkpoint.NewRedsyncLocker(client, "test:")
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "r1", 10*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(short, "r1", 10*time.Second)
	assert.Error(t, err)

	require.NoError(t, unlock(ctx))
	assert.Error(t, unlock(ctx), "second unlock finds the lock gone")
}
