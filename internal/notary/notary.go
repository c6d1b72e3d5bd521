// Package notary provides finality for signed transactions: a transaction is
// accepted only if none of its inputs was consumed by another transaction.
package notary

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"artledger/internal/domain"
	"artledger/internal/keys"
	"artledger/internal/signatures"
)

// Client requests finality. Resubmitting an identical transaction is safe and
// returns the decision already recorded for its hash.
type Client interface {
	RequestFinality(ctx context.Context, stx domain.SignedTransaction) (domain.NotaryDecision, error)
}

// DecideFunc turns the conflicting inputs of a transaction into a decision.
type DecideFunc func(conflicts []domain.StateRef) domain.NotaryDecision

// Store records consumed inputs and decisions.
type Store interface {
	// Apply returns the decision recorded for txHash, or atomically computes
	// one with decide, marks the inputs consumed if it is an acceptance, and
	// records it.
	Apply(ctx context.Context, txHash string, inputs []domain.StateRef, decide DecideFunc) (domain.NotaryDecision, error)
	Decision(ctx context.Context, txHash string) (domain.NotaryDecision, error)
}

// Service is the reference uniqueness notary.
type Service struct {
	key    *keys.KeyPair
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(key *keys.KeyPair, store Store, opts ...Option) *Service {
	s := &Service{key: key, store: store, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Party() domain.Party { return s.key.Party() }

func (s *Service) RequestFinality(ctx context.Context, stx domain.SignedTransaction) (domain.NotaryDecision, error) {
	if err := ctx.Err(); err != nil {
		return domain.NotaryDecision{}, err
	}
	if stx.Proposal.Notary.PublicKey != s.key.PublicKey() {
		return domain.NotaryDecision{}, fmt.Errorf("transaction names notary %s, not %s", stx.Proposal.Notary.Name, s.key.Name())
	}
	hash, err := keys.CanonicalHash(stx.Proposal)
	if err != nil {
		return domain.NotaryDecision{}, err
	}
	if hash != stx.Hash {
		return domain.NotaryDecision{}, fmt.Errorf("%w: hash does not match proposal", domain.ErrUntrustedSignature)
	}
	if err := signatures.VerifyRequired(hash, stx.Signatures, stx.Proposal.Command.Signers); err != nil {
		return domain.NotaryDecision{}, err
	}
	d, err := s.store.Apply(ctx, hash, stx.Proposal.Inputs, func(conflicts []domain.StateRef) domain.NotaryDecision {
		if len(conflicts) > 0 {
			return domain.NotaryDecision{
				TxHash:    hash,
				Outcome:   domain.OutcomeRejected,
				Reason:    domain.ErrConflictingConsumption.Error(),
				Conflicts: conflicts,
			}
		}
		return domain.NotaryDecision{
			TxHash:    hash,
			Outcome:   domain.OutcomeAccepted,
			Signature: s.key.Sign([]byte(hash)),
		}
	})
	if err != nil {
		return domain.NotaryDecision{}, fmt.Errorf("%w: %v", domain.ErrNotaryUnavailable, err)
	}
	s.logger.Info("notary decision",
		zap.String("tx_hash", hash),
		zap.String("outcome", string(d.Outcome)),
		zap.Int("inputs", len(stx.Proposal.Inputs)))
	return d, nil
}

// VerifyDecision checks an acceptance was signed by the notary named in the proposal.
func VerifyDecision(stx domain.SignedTransaction, d domain.NotaryDecision) error {
	if d.TxHash != stx.Hash {
		return fmt.Errorf("%w: decision is for %s", domain.ErrUntrustedSignature, d.TxHash)
	}
	if !d.Accepted() {
		return fmt.Errorf("%w: %s", domain.ErrConflictingConsumption, d.Reason)
	}
	notary := stx.Proposal.Notary
	return signatures.Verify(stx.Hash, domain.Signature{Signer: notary.Name, PublicKey: notary.PublicKey, Value: d.Signature}, notary.PublicKey)
}
