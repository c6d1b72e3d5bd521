// Package signatures signs transaction hashes locally and gathers counterparty
// signatures over sessions.
package signatures

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"artledger/internal/domain"
	"artledger/internal/identity"
	"artledger/internal/keys"
	"artledger/internal/session"
)

var ErrMissingSignatures = errors.New("missing signatures")

// Signer signs with a key that never leaves the process.
type Signer interface {
	Party() domain.Party
	Sign(data []byte) string
}

// Sign signs the transaction hash.
func Sign(hash string, signer Signer) domain.Signature {
	p := signer.Party()
	return domain.Signature{Signer: p.Name, PublicKey: p.PublicKey, Value: signer.Sign([]byte(hash))}
}

// Verify checks that sig was made by expectedKey over hash.
func Verify(hash string, sig domain.Signature, expectedKey string) error {
	if sig.PublicKey != expectedKey {
		return fmt.Errorf("%w: signed by %s, expected %s", domain.ErrUntrustedSignature, sig.PublicKey, expectedKey)
	}
	ok, err := keys.Verify(expectedKey, sig.Value, []byte(hash))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUntrustedSignature, err)
	}
	if !ok {
		return fmt.Errorf("%w: invalid signature from %s", domain.ErrUntrustedSignature, sig.Signer)
	}
	return nil
}

// VerifyRequired checks that every required key signed and every signature is valid.
func VerifyRequired(hash string, set domain.SignatureSet, required []string) error {
	if missing := set.Missing(required); len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingSignatures, missing)
	}
	for _, key := range required {
		if err := Verify(hash, set[key], key); err != nil {
			return err
		}
	}
	return nil
}

// Collector asks counterparties to co-sign a transaction.
type Collector struct {
	Resolver identity.Resolver
	// Timeout bounds the wait for each counterparty's reply. Zero means no bound.
	Timeout time.Duration
	Logger  *zap.Logger
}

func (c Collector) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

// Collect sends the transaction to every session and merges the verified
// replies into the signatures already on stx. It returns a complete set for
// the command's required signers or an error; partial sets are never returned.
func (c Collector) Collect(ctx context.Context, runID string, stx domain.SignedTransaction, sessions []session.Session) (domain.SignatureSet, error) {
	required := stx.Proposal.Command.Signers
	requiredSet := map[string]bool{}
	for _, k := range required {
		requiredSet[k] = true
	}

	var mu sync.Mutex
	merged := stx.Signatures.Clone()
	if merged == nil {
		merged = domain.SignatureSet{}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			sig, err := c.collectOne(gctx, ctx, runID, stx, s)
			if err != nil {
				return err
			}
			if !requiredSet[sig.PublicKey] {
				return fmt.Errorf("%w: %s is not a required signer", domain.ErrUntrustedSignature, s.Counterparty().Name)
			}
			mu.Lock()
			merged.Add(sig)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := VerifyRequired(stx.Hash, merged, required); err != nil {
		return nil, err
	}
	return merged, nil
}

func (c Collector) collectOne(gctx, parent context.Context, runID string, stx domain.SignedTransaction, s session.Session) (domain.Signature, error) {
	name := s.Counterparty().Name
	expected, err := c.Resolver.Resolve(gctx, name)
	if err != nil {
		return domain.Signature{}, fmt.Errorf("%w: %v", domain.ErrUntrustedSignature, err)
	}
	if err := s.Send(gctx, session.ProposeTx(runID, stx)); err != nil {
		return domain.Signature{}, err
	}
	rctx := gctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(gctx, c.Timeout)
		defer cancel()
	}
	m, err := s.Receive(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			return domain.Signature{}, fmt.Errorf("%w: waiting for signature from %s", domain.ErrTimeout, name)
		}
		return domain.Signature{}, err
	}
	switch m.Kind {
	case session.KindCounterSignature:
		if err := Verify(stx.Hash, *m.Signature, expected.PublicKey); err != nil {
			return domain.Signature{}, err
		}
		c.logger().Debug("signature collected", zap.String("run_id", runID), zap.String("party", name))
		return *m.Signature, nil
	case session.KindRejectTx:
		return domain.Signature{}, &domain.CounterpartyRejection{Party: name, Reason: m.Reason}
	default:
		return domain.Signature{}, fmt.Errorf("%w: unexpected %s from %s", domain.ErrTransportFailure, m.Kind, name)
	}
}
