// Package checkpointtest holds the behaviour every checkpoint.Store must share.
package checkpointtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artledger/internal/checkpoint"
	"artledger/internal/domain"
)

func sample(runID string, state domain.RunState) domain.Checkpoint {
	return domain.Checkpoint{
		RunID:          runID,
		Role:           domain.RoleInitiator,
		State:          state,
		Self:           "PartyA",
		Counterparties: []string{"PartyB"},
		Hash:           "abc",
		Signatures: domain.NewSignatureSet(domain.Signature{
			Signer: "PartyA", PublicKey: "key-a", Value: "sig-a",
		}),
		UpdatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// RunStoreContract exercises store against the Store contract.
func RunStoreContract(t *testing.T, store checkpoint.Store) {
	ctx := context.Background()
	runID := "contract-run-" + time.Now().Format("20060102150405.000000000")

	t.Run("save and load", func(t *testing.T) {
		cp := sample(runID, domain.StateCollectingSignatures)
		require.NoError(t, store.Save(ctx, cp))

		got, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, cp.State, got.State)
		assert.Equal(t, cp.Counterparties, got.Counterparties)
		assert.Equal(t, "sig-a", got.Signatures["key-a"].Value)
		assert.True(t, cp.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("save overwrites", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sample(runID, domain.StateCommitted)))
		got, err := store.Load(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateCommitted, got.State)
	})

	t.Run("load missing", func(t *testing.T) {
		_, err := store.Load(ctx, "missing-"+runID)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sample(runID, domain.StateAborted)))
		require.NoError(t, store.Delete(ctx, runID))
		_, err := store.Load(ctx, runID)
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		id1, id2 := runID+"-1", runID+"-2"
		require.NoError(t, store.Save(ctx, sample(id1, domain.StateSigning)))
		require.NoError(t, store.Save(ctx, sample(id2, domain.StateFinalizing)))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
		assert.NotContains(t, ids, runID)
	})
}
