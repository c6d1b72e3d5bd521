package flow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"artledger/internal/domain"
	"artledger/internal/keys"
	"artledger/internal/notary"
	"artledger/internal/session"
	"artledger/internal/signatures"
)

type Responder struct {
	cfg Config
}

func NewResponder(cfg Config) *Responder {
	return &Responder{cfg: cfg}
}

// Handle serves one session opened by an initiator. The run starts in
// Validating when the proposal arrives and ends when FinalizeTx is verified,
// the initiator rejects, or the session fails.
func (rs *Responder) Handle(ctx context.Context, s session.Session) Result {
	cfg := rs.cfg
	defer s.Close(ReasonSessionClosed)

	m, err := receive(ctx, s, cfg.ResponseTimeout)
	runID := m.RunID
	if runID == "" {
		runID = s.ID()
	}
	ctx, r := cfg.start(ctx, runID, domain.RoleResponder, domain.StateValidating)
	r.cp.Counterparties = []string{s.Counterparty().Name}
	if err == nil && m.Kind != session.KindProposeTx {
		err = fmt.Errorf("%w: expected %s, got %s", domain.ErrTransportFailure, session.KindProposeTx, m.Kind)
	}
	if err != nil {
		return r.abort(ctx, err)
	}
	stx := *m.Transaction
	r.cp.Proposal = &stx.Proposal
	r.cp.Hash = stx.Hash
	if err := r.begin(ctx); err != nil {
		return r.abort(ctx, err)
	}

	initiator, err := rs.check(ctx, s, stx)
	if err != nil {
		reason := reasonFor(err)
		if v, ok := domain.AsViolation(err); ok {
			reason = v.Reason
		}
		if serr := s.Send(ctx, session.RejectTx(runID, reason)); serr != nil {
			r.logger.Warn("reject not delivered", zap.Error(serr))
		}
		return r.reject(ctx, reason, err)
	}

	if err := r.advance(ctx, domain.StateSigning); err != nil {
		return r.abort(ctx, err)
	}
	sig := signatures.Sign(stx.Hash, cfg.Self)
	r.cp.Signatures = domain.NewSignatureSet(stx.Signatures[initiator.PublicKey], sig)
	if err := s.Send(ctx, session.CounterSignature(runID, sig)); err != nil {
		return r.abort(ctx, err)
	}
	if err := r.advance(ctx, domain.StateFinalizing); err != nil {
		return r.abort(ctx, err)
	}

	m, err = receive(ctx, s, cfg.FinalityTimeout)
	if err != nil {
		return r.abort(ctx, err)
	}
	switch m.Kind {
	case session.KindRejectTx:
		return r.reject(ctx, m.Reason, &domain.CounterpartyRejection{Party: initiator.Name, Reason: m.Reason})
	case session.KindFinalizeTx:
	default:
		return r.abort(ctx, fmt.Errorf("%w: unexpected %s", domain.ErrTransportFailure, m.Kind))
	}

	final := *m.Transaction
	if err := verifyFinal(stx, final, *m.Decision); err != nil {
		return r.abort(ctx, err)
	}
	final.NotarySignature = m.Decision.Signature
	r.cp.Signatures = final.Signatures

	res := r.finish(ctx, domain.StateCommitted, "", nil)
	if err := cfg.Vault.Persist(context.WithoutCancel(ctx), final); err != nil {
		r.logger.Error("persist committed transaction failed", zap.String("tx_hash", final.Hash), zap.Error(err))
		res.Err = fmt.Errorf("persist: %w", err)
	}
	record := final.Proposal.Outputs[0]
	res.Transaction = &final
	res.Record = &record
	return res
}

// check re-validates a proposal received from the session's counterparty and
// returns the initiator's party.
func (rs *Responder) check(ctx context.Context, s session.Session, stx domain.SignedTransaction) (domain.Party, error) {
	cfg := rs.cfg
	hash, err := keys.CanonicalHash(stx.Proposal)
	if err != nil {
		return domain.Party{}, err
	}
	if hash != stx.Hash {
		return domain.Party{}, fmt.Errorf("%w: hash does not match proposal", domain.ErrUntrustedSignature)
	}
	if stx.Proposal.Notary != cfg.Notary {
		return domain.Party{}, errors.New(ReasonUntrustedNotary)
	}
	if err := cfg.Validator.Validate(stx.Proposal); err != nil {
		return domain.Party{}, err
	}
	participants := map[string]bool{}
	for _, k := range stx.Proposal.Command.Signers {
		participants[k] = true
	}
	if !participants[cfg.Self.PublicKey()] {
		return domain.Party{}, errors.New(ReasonNotParticipant)
	}
	initiator, err := cfg.Resolver.Resolve(ctx, s.Counterparty().Name)
	if err != nil {
		return domain.Party{}, fmt.Errorf("%s: %w", ReasonUnknownInitiator, err)
	}
	if initiator.PublicKey == cfg.Self.PublicKey() || !participants[initiator.PublicKey] {
		return domain.Party{}, errors.New(ReasonUnknownInitiator)
	}
	sig, ok := stx.Signatures[initiator.PublicKey]
	if !ok {
		return domain.Party{}, fmt.Errorf("%w: initiator has not signed", domain.ErrUntrustedSignature)
	}
	if err := signatures.Verify(stx.Hash, sig, initiator.PublicKey); err != nil {
		return domain.Party{}, err
	}
	return initiator, nil
}

// verifyFinal checks that the finalised transaction is the one this node
// signed, carries every participant's signature and was accepted by the notary.
func verifyFinal(signed, final domain.SignedTransaction, decision domain.NotaryDecision) error {
	hash, err := keys.CanonicalHash(final.Proposal)
	if err != nil {
		return err
	}
	if hash != signed.Hash || final.Hash != signed.Hash {
		return fmt.Errorf("%w: finalised transaction differs from the signed one", domain.ErrUntrustedSignature)
	}
	if err := signatures.VerifyRequired(hash, final.Signatures, final.Proposal.Command.Signers); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUntrustedSignature, err)
	}
	return notary.VerifyDecision(final, decision)
}
