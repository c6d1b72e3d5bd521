package signatures

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artledger/internal/domain"
	"artledger/internal/identity"
	"artledger/internal/keys"
	"artledger/internal/session"
)

type fixture struct {
	seller, buyer, mallory *keys.KeyPair
	network                *identity.NetworkMap
	stx                    domain.SignedTransaction
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	seller, err := keys.Generate("Seller")
	require.NoError(t, err)
	buyer, err := keys.Generate("Buyer")
	require.NoError(t, err)
	mallory, err := keys.Generate("Mallory")
	require.NoError(t, err)
	network := identity.NewNetworkMap()
	require.NoError(t, network.Add(seller.Party(), false))
	require.NoError(t, network.Add(buyer.Party(), false))

	hash := "0f0e0d"
	stx := domain.SignedTransaction{
		Hash: hash,
		Proposal: domain.Proposal{
			Command: domain.Command{Kind: domain.CommandCreate, Signers: []string{seller.PublicKey(), buyer.PublicKey()}},
		},
		Signatures: domain.NewSignatureSet(Sign(hash, seller)),
	}
	return fixture{seller: seller, buyer: buyer, mallory: mallory, network: network, stx: stx}
}

// respond runs a fake counterparty that answers the first message with reply.
func respond(remote session.Session, reply func(m session.Message) *session.Message) {
	go func() {
		ctx := context.Background()
		m, err := remote.Receive(ctx)
		if err != nil {
			return
		}
		if r := reply(m); r != nil {
			_ = remote.Send(ctx, *r)
		}
	}()
}

func TestCollectMergesVerifiedSignature(t *testing.T) {
	f := newFixture(t)
	local, remote := session.Pair("s1", f.seller.Party(), f.buyer.Party())
	respond(remote, func(m session.Message) *session.Message {
		reply := session.CounterSignature(m.RunID, Sign(m.Transaction.Hash, f.buyer))
		return &reply
	})

	c := Collector{Resolver: f.network, Timeout: time.Second}
	set, err := c.Collect(context.Background(), "run-1", f.stx, []session.Session{local})
	require.NoError(t, err)
	assert.True(t, set.Complete(f.stx.Proposal.Command.Signers))
	assert.NoError(t, VerifyRequired(f.stx.Hash, set, f.stx.Proposal.Command.Signers))
	assert.Len(t, f.stx.Signatures, 1, "input set must not be mutated")
}

func TestCollectRejectsForeignSignature(t *testing.T) {
	f := newFixture(t)
	local, remote := session.Pair("s1", f.seller.Party(), f.buyer.Party())
	respond(remote, func(m session.Message) *session.Message {
		sig := Sign(m.Transaction.Hash, f.mallory)
		reply := session.CounterSignature(m.RunID, sig)
		return &reply
	})

	c := Collector{Resolver: f.network, Timeout: time.Second}
	set, err := c.Collect(context.Background(), "run-1", f.stx, []session.Session{local})
	assert.ErrorIs(t, err, domain.ErrUntrustedSignature)
	assert.Nil(t, set)
}

func TestCollectRejectsSignatureOverOtherHash(t *testing.T) {
	f := newFixture(t)
	local, remote := session.Pair("s1", f.seller.Party(), f.buyer.Party())
	respond(remote, func(m session.Message) *session.Message {
		reply := session.CounterSignature(m.RunID, Sign("something-else", f.buyer))
		return &reply
	})

	c := Collector{Resolver: f.network, Timeout: time.Second}
	_, err := c.Collect(context.Background(), "run-1", f.stx, []session.Session{local})
	assert.ErrorIs(t, err, domain.ErrUntrustedSignature)
}

func TestCollectSurfacesRejection(t *testing.T) {
	f := newFixture(t)
	local, remote := session.Pair("s1", f.seller.Party(), f.buyer.Party())
	respond(remote, func(m session.Message) *session.Message {
		reply := session.RejectTx(m.RunID, "amount must be positive")
		return &reply
	})

	c := Collector{Resolver: f.network, Timeout: time.Second}
	_, err := c.Collect(context.Background(), "run-1", f.stx, []session.Session{local})
	var rej *domain.CounterpartyRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "amount must be positive", rej.Reason)
	assert.Equal(t, "Buyer", rej.Party)
}

func TestCollectSessionClosed(t *testing.T) {
	f := newFixture(t)
	local, remote := session.Pair("s1", f.seller.Party(), f.buyer.Party())
	respond(remote, func(m session.Message) *session.Message {
		_ = remote.Close("responder went away")
		return nil
	})

	c := Collector{Resolver: f.network, Timeout: time.Second}
	_, err := c.Collect(context.Background(), "run-1", f.stx, []session.Session{local})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestCollectTimeout(t *testing.T) {
	f := newFixture(t)
	local, remote := session.Pair("s1", f.seller.Party(), f.buyer.Party())
	respond(remote, func(m session.Message) *session.Message { return nil })

	c := Collector{Resolver: f.network, Timeout: 30 * time.Millisecond}
	_, err := c.Collect(context.Background(), "run-1", f.stx, []session.Session{local})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestCollectWithoutSessionsNeedsAllSigners(t *testing.T) {
	f := newFixture(t)
	c := Collector{Resolver: f.network}
	_, err := c.Collect(context.Background(), "run-1", f.stx, nil)
	assert.ErrorIs(t, err, ErrMissingSignatures)
}
