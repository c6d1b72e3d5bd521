package flow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"artledger/internal/builder"
	"artledger/internal/checkpoint"
	"artledger/internal/contract"
	"artledger/internal/domain"
	"artledger/internal/flow"
	"artledger/internal/identity"
	"artledger/internal/keys"
	"artledger/internal/metrics"
	"artledger/internal/notary"
	"artledger/internal/session"
	"artledger/internal/signatures"
)

type memVault struct {
	mu          sync.Mutex
	persisted   []domain.SignedTransaction
	transitions []domain.RunState
}

func (v *memVault) Persist(_ context.Context, stx domain.SignedTransaction) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.persisted = append(v.persisted, stx)
	return nil
}

func (v *memVault) RecordTransition(_ context.Context, cp domain.Checkpoint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transitions = append(v.transitions, cp.State)
	return nil
}

func (v *memVault) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.persisted)
}

type stubNotary struct {
	decision domain.NotaryDecision
	err      error
}

func (n stubNotary) RequestFinality(_ context.Context, stx domain.SignedTransaction) (domain.NotaryDecision, error) {
	d := n.decision
	d.TxHash = stx.Hash
	return d, n.err
}

type harness struct {
	t          *testing.T
	hub        *session.Hub
	netmap     *identity.NetworkMap
	a, b, n    *keys.KeyPair
	vaultA     *memVault
	vaultB     *memVault
	cpA        *checkpoint.Manager
	service    *notary.Service
	responses  chan flow.Result
	notaryStub notary.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gen := func(name string) *keys.KeyPair {
		k, err := keys.Generate(name)
		require.NoError(t, err)
		return k
	}
	h := &harness{
		t:         t,
		hub:       session.NewHub(),
		netmap:    identity.NewNetworkMap(),
		a:         gen("PartyA"),
		b:         gen("PartyB"),
		n:         gen("Notary"),
		vaultA:    &memVault{},
		vaultB:    &memVault{},
		cpA:       checkpoint.NewManager(checkpoint.NewMemoryStore()),
		responses: make(chan flow.Result, 4),
	}
	require.NoError(t, h.netmap.Add(h.a.Party(), false))
	require.NoError(t, h.netmap.Add(h.b.Party(), false))
	require.NoError(t, h.netmap.Add(h.n.Party(), true))
	h.service = notary.NewService(h.n, notary.NewMemoryStore())
	t.Cleanup(h.hub.Close)
	return h
}

func (h *harness) config(self *keys.KeyPair, vault flow.Vault) flow.Config {
	var client notary.Client = h.service
	if h.notaryStub != nil {
		client = h.notaryStub
	}
	return flow.Config{
		Self:            self,
		Notary:          h.n.Party(),
		Validator:       contract.New(),
		Builder:         builder.New(),
		Resolver:        h.netmap,
		Transport:       h.hub,
		NotaryClient:    client,
		Vault:           vault,
		ResponseTimeout: 2 * time.Second,
		FinalityTimeout: 2 * time.Second,
		Logger:          zaptest.NewLogger(h.t),
		Metrics:         metrics.New(),
	}
}

func (h *harness) registerResponder(cfg flow.Config) {
	r := flow.NewResponder(cfg)
	h.hub.Register(h.b.Party(), func(ctx context.Context, s session.Session) {
		h.responses <- r.Handle(ctx, s)
	})
}

func (h *harness) initiator() *flow.Initiator {
	cfg := h.config(h.a, h.vaultA)
	cfg.Checkpoints = h.cpA
	return flow.NewInitiator(cfg)
}

func (h *harness) response() flow.Result {
	h.t.Helper()
	select {
	case res := <-h.responses:
		return res
	case <-time.After(5 * time.Second):
		h.t.Fatal("responder did not finish")
		return flow.Result{}
	}
}

func sale(price int64) builder.Fields {
	return builder.Fields{Title: "art-1", Price: decimal.NewFromInt(price), Description: "oil painting"}
}

func assertFailed(t *testing.T, res flow.Result, state domain.RunState, reason string) {
	t.Helper()
	assert.Equal(t, state, res.State)
	assert.Equal(t, reason, res.Reason)
	var runErr *flow.RunError
	require.ErrorAs(t, res.Err, &runErr)
	assert.Equal(t, reason, runErr.Error())
	assert.Equal(t, state, runErr.State)
}

func TestCreateCommitsOnBothParties(t *testing.T) {
	h := newHarness(t)
	h.registerResponder(h.config(h.b, h.vaultB))

	res := h.initiator().Run(context.Background(), flow.CreateRequest{RunID: "run-a", Counterparty: h.b.Party(), Fields: sale(100)})
	require.NoError(t, res.Err)
	require.True(t, res.Committed())
	assert.Equal(t, "art-1", res.Record.Title)
	assert.True(t, decimal.NewFromInt(100).Equal(res.Record.Price))
	assert.Equal(t, h.a.Party(), res.Record.Seller)
	assert.Equal(t, h.b.Party(), res.Record.Buyer)
	assert.NoError(t, signatures.VerifyRequired(res.Transaction.Hash, res.Transaction.Signatures, res.Transaction.Proposal.Command.Signers))
	assert.NotEmpty(t, res.Transaction.NotarySignature)

	resp := h.response()
	require.NoError(t, resp.Err)
	assert.Equal(t, domain.StateCommitted, resp.State)
	assert.Equal(t, "run-a", resp.RunID)

	assert.Equal(t, 1, h.vaultA.count())
	assert.Equal(t, 1, h.vaultB.count())
	assert.Equal(t, h.vaultA.persisted[0].Hash, h.vaultB.persisted[0].Hash)
	assert.Equal(t, []domain.RunState{
		domain.StateProposing, domain.StateValidating, domain.StateSigning,
		domain.StateCollectingSignatures, domain.StateFinalizing, domain.StateCommitted,
	}, h.vaultA.transitions)
	assert.Equal(t, []domain.RunState{
		domain.StateValidating, domain.StateSigning, domain.StateFinalizing, domain.StateCommitted,
	}, h.vaultB.transitions)

	cp, err := h.cpA.Load(context.Background(), "run-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, cp.State)
	assert.Equal(t, res.Transaction.Hash, cp.Hash)
}

func TestNonPositiveAmountRejectedBeforeAnySession(t *testing.T) {
	h := newHarness(t)
	opened := make(chan struct{}, 1)
	h.hub.Register(h.b.Party(), func(context.Context, session.Session) { opened <- struct{}{} })

	res := h.initiator().Run(context.Background(), flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(-5)})
	assertFailed(t, res, domain.StateRejected, contract.ReasonAmountPositive)
	_, ok := domain.AsViolation(res.Err)
	assert.True(t, ok)

	h.hub.Wait()
	assert.Len(t, opened, 0)
	assert.Equal(t, 0, h.vaultA.count())
}

func TestSameParticipantTwiceRejected(t *testing.T) {
	h := newHarness(t)
	res := h.initiator().Run(context.Background(), flow.CreateRequest{Counterparty: h.a.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateRejected, contract.ReasonDistinct)
	assert.Equal(t, 0, h.vaultA.count())
}

func TestResponderClosingAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.hub.Register(h.b.Party(), func(_ context.Context, s session.Session) { s.Close("gone") })

	res := h.initiator().Run(context.Background(), flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateAborted, flow.ReasonSessionClosed)
	assert.ErrorIs(t, res.Err, domain.ErrSessionClosed)
	assert.Equal(t, 0, h.vaultA.count())
}

func TestUnreachableCounterpartyAborts(t *testing.T) {
	h := newHarness(t)
	res := h.initiator().Run(context.Background(), flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateAborted, flow.ReasonSessionClosed)
	assert.ErrorIs(t, res.Err, domain.ErrTransportFailure)
}

func TestSilentCounterpartyTimesOut(t *testing.T) {
	h := newHarness(t)
	h.hub.Register(h.b.Party(), func(ctx context.Context, s session.Session) {
		_, _ = s.Receive(ctx)
		_, _ = s.Receive(ctx)
	})
	cfg := h.config(h.a, h.vaultA)
	cfg.ResponseTimeout = 50 * time.Millisecond

	res := flow.NewInitiator(cfg).Run(context.Background(), flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateAborted, flow.ReasonTimeout)
	assert.Equal(t, 0, h.vaultA.count())
}

func TestCancellationAborts(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.hub.Register(h.b.Party(), func(hctx context.Context, s session.Session) {
		_, _ = s.Receive(hctx)
		cancel()
		_, _ = s.Receive(hctx)
	})

	res := h.initiator().Run(ctx, flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateAborted, flow.ReasonCancelled)
}

func TestCounterpartyRejectionRejectsRun(t *testing.T) {
	h := newHarness(t)
	cfgB := h.config(h.b, h.vaultB)
	cfgB.Validator = contract.Validator{Now: func() time.Time { return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC) }}
	h.registerResponder(cfgB)

	res := h.initiator().Run(context.Background(), flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateRejected, contract.ReasonFutureTimestamp)
	var rej *domain.CounterpartyRejection
	assert.ErrorAs(t, res.Err, &rej)

	resp := h.response()
	assert.Equal(t, domain.StateRejected, resp.State)
	assert.Equal(t, contract.ReasonFutureTimestamp, resp.Reason)
	assert.Equal(t, 0, h.vaultA.count())
	assert.Equal(t, 0, h.vaultB.count())
}

func TestNotaryConflictRejectsBothSides(t *testing.T) {
	h := newHarness(t)
	h.notaryStub = stubNotary{decision: domain.NotaryDecision{Outcome: domain.OutcomeRejected, Reason: "conflicting consumption"}}
	h.registerResponder(h.config(h.b, h.vaultB))

	res := h.initiator().Run(context.Background(), flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateRejected, "conflicting consumption")
	assert.ErrorIs(t, res.Err, domain.ErrConflictingConsumption)

	resp := h.response()
	assert.Equal(t, domain.StateRejected, resp.State)
	assert.Equal(t, "conflicting consumption", resp.Reason)
	assert.Equal(t, 0, h.vaultA.count())
	assert.Equal(t, 0, h.vaultB.count())
}

func TestNotaryUnavailableAbortsBothSides(t *testing.T) {
	h := newHarness(t)
	h.notaryStub = stubNotary{err: domain.ErrNotaryUnavailable}
	h.registerResponder(h.config(h.b, h.vaultB))

	res := h.initiator().Run(context.Background(), flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateAborted, flow.ReasonNotaryUnavailable)

	resp := h.response()
	assert.Equal(t, domain.StateAborted, resp.State)
	assert.Equal(t, flow.ReasonSessionClosed, resp.Reason)
	assert.Equal(t, 0, h.vaultB.count())
}

func TestForgedCounterSignatureAborts(t *testing.T) {
	h := newHarness(t)
	mallory, err := keys.Generate("Mallory")
	require.NoError(t, err)
	h.hub.Register(h.b.Party(), func(ctx context.Context, s session.Session) {
		m, err := s.Receive(ctx)
		if err != nil {
			return
		}
		sig := signatures.Sign(m.Transaction.Hash, mallory)
		sig.PublicKey = h.b.PublicKey()
		_ = s.Send(ctx, session.CounterSignature(m.RunID, sig))
		_, _ = s.Receive(ctx)
	})

	res := h.initiator().Run(context.Background(), flow.CreateRequest{Counterparty: h.b.Party(), Fields: sale(100)})
	assertFailed(t, res, domain.StateAborted, flow.ReasonUntrustedSignature)
	assert.Equal(t, 0, h.vaultA.count())
}

func TestResponderRejectsTamperedProposal(t *testing.T) {
	h := newHarness(t)
	cfgB := h.config(h.b, h.vaultB)
	a, b := session.Pair("s1", h.a.Party(), h.b.Party())

	p := builder.New().Build(domain.CommandCreate, []domain.Party{h.a.Party(), h.b.Party()}, h.n.Party(), sale(100))
	hash, err := keys.CanonicalHash(p)
	require.NoError(t, err)
	p.Outputs[0].Price = decimal.NewFromInt(1)
	stx := domain.SignedTransaction{Hash: hash, Proposal: p, Signatures: domain.NewSignatureSet(signatures.Sign(hash, h.a))}
	require.NoError(t, a.Send(context.Background(), session.ProposeTx("run-x", stx)))

	res := flow.NewResponder(cfgB).Handle(context.Background(), b)
	assertFailed(t, res, domain.StateRejected, flow.ReasonUntrustedSignature)

	m, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.KindRejectTx, m.Kind)
	assert.Equal(t, flow.ReasonUntrustedSignature, m.Reason)
}

func TestResponderRejectsUntrustedNotary(t *testing.T) {
	h := newHarness(t)
	cfgB := h.config(h.b, h.vaultB)
	rogue, err := keys.Generate("Notary")
	require.NoError(t, err)
	a, b := session.Pair("s1", h.a.Party(), h.b.Party())

	p := builder.New().Build(domain.CommandCreate, []domain.Party{h.a.Party(), h.b.Party()}, rogue.Party(), sale(100))
	hash, err := keys.CanonicalHash(p)
	require.NoError(t, err)
	stx := domain.SignedTransaction{Hash: hash, Proposal: p, Signatures: domain.NewSignatureSet(signatures.Sign(hash, h.a))}
	require.NoError(t, a.Send(context.Background(), session.ProposeTx("run-x", stx)))

	done := make(chan flow.Result, 1)
	go func() { done <- flow.NewResponder(cfgB).Handle(context.Background(), b) }()

	m, err := a.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, session.KindRejectTx, m.Kind)
	assert.Equal(t, flow.ReasonUntrustedNotary, m.Reason)

	// A decision from the rogue key must not commit anything.
	final := stx
	final.Signatures = domain.NewSignatureSet(stx.Signatures[h.a.PublicKey()], signatures.Sign(hash, h.b))
	decision := domain.NotaryDecision{TxHash: hash, Outcome: domain.OutcomeAccepted, Signature: rogue.Sign([]byte(hash))}
	_ = a.Send(context.Background(), session.FinalizeTx("run-x", final, decision))

	res := <-done
	assertFailed(t, res, domain.StateRejected, flow.ReasonUntrustedNotary)
	assert.Equal(t, 0, h.vaultB.count())
}

func TestResponderAbortsOnFinalizeWithoutDecision(t *testing.T) {
	h := newHarness(t)
	cfgB := h.config(h.b, h.vaultB)
	a, b := session.Pair("s1", h.a.Party(), h.b.Party())

	p := builder.New().Build(domain.CommandCreate, []domain.Party{h.a.Party(), h.b.Party()}, h.n.Party(), sale(100))
	hash, err := keys.CanonicalHash(p)
	require.NoError(t, err)
	stx := domain.SignedTransaction{Hash: hash, Proposal: p, Signatures: domain.NewSignatureSet(signatures.Sign(hash, h.a))}
	require.NoError(t, a.Send(context.Background(), session.ProposeTx("run-x", stx)))

	done := make(chan flow.Result, 1)
	go func() { done <- flow.NewResponder(cfgB).Handle(context.Background(), b) }()

	m, err := a.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, session.KindCounterSignature, m.Kind)
	stx.Signatures.Add(*m.Signature)
	require.NoError(t, a.Send(context.Background(), session.Message{Kind: session.KindFinalizeTx, RunID: "run-x", Transaction: &stx}))

	select {
	case res := <-done:
		assert.Equal(t, domain.StateAborted, res.State)
		assert.Contains(t, res.Reason, "missing decision")
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not finish")
	}
	assert.Equal(t, 0, h.vaultB.count())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, flow.CanTransition(domain.StateProposing, domain.StateValidating))
	assert.True(t, flow.CanTransition(domain.StateSigning, domain.StateCollectingSignatures))
	assert.True(t, flow.CanTransition(domain.StateSigning, domain.StateFinalizing))
	assert.True(t, flow.CanTransition(domain.StateFinalizing, domain.StateCommitted))
	assert.False(t, flow.CanTransition(domain.StateProposing, domain.StateCommitted))
	assert.False(t, flow.CanTransition(domain.StateValidating, domain.StateFinalizing))
	for _, s := range []domain.RunState{
		domain.StateProposing, domain.StateValidating, domain.StateSigning,
		domain.StateCollectingSignatures, domain.StateFinalizing,
	} {
		assert.True(t, flow.CanTransition(s, domain.StateRejected), s)
		assert.True(t, flow.CanTransition(s, domain.StateAborted), s)
	}
	for _, s := range []domain.RunState{domain.StateCommitted, domain.StateRejected, domain.StateAborted} {
		assert.False(t, flow.CanTransition(s, domain.StateAborted), s)
	}
}
