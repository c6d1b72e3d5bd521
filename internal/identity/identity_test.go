package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artledger/internal/domain"
)

func TestNetworkMap(t *testing.T) {
	m := NewNetworkMap()
	require.NoError(t, m.Add(domain.Party{Name: "PartyB", PublicKey: "bb"}, false))
	require.NoError(t, m.Add(domain.Party{Name: "PartyA", PublicKey: "aa"}, false))
	require.NoError(t, m.Add(domain.Party{Name: "Notary", PublicKey: "nn"}, true))

	ctx := context.Background()
	p, err := m.Resolve(ctx, "PartyA")
	require.NoError(t, err)
	assert.Equal(t, "aa", p.PublicKey)

	_, err = m.Resolve(ctx, "Nobody")
	assert.ErrorIs(t, err, domain.ErrPartyNotFound)

	p, err = m.ResolveKey(ctx, "bb")
	require.NoError(t, err)
	assert.Equal(t, "PartyB", p.Name)

	assert.Equal(t, []domain.Party{{Name: "PartyB", PublicKey: "bb"}}, m.Peers("PartyA"))
	assert.Equal(t, []domain.Party{{Name: "Notary", PublicKey: "nn"}}, m.Notaries())
	assert.True(t, m.IsNotary("Notary"))
	assert.Len(t, m.All(), 3)
	assert.Equal(t, "PartyB", m.All()[0].Name)
}

func TestNetworkMapRejectsSharedKeys(t *testing.T) {
	m := NewNetworkMap()
	require.NoError(t, m.Add(domain.Party{Name: "PartyA", PublicKey: "aa"}, false))
	assert.Error(t, m.Add(domain.Party{Name: "PartyB", PublicKey: "aa"}, false))
	assert.Error(t, m.Add(domain.Party{Name: "", PublicKey: "cc"}, false))

	require.NoError(t, m.Add(domain.Party{Name: "PartyA", PublicKey: "a2"}, false))
	_, err := m.ResolveKey(context.Background(), "aa")
	assert.ErrorIs(t, err, domain.ErrPartyNotFound)
}
