package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"artledger/internal/builder"
	"artledger/internal/domain"
	"artledger/internal/keys"
	"artledger/internal/notary"
	"artledger/internal/session"
	"artledger/internal/signatures"
)

// CreateRequest asks the initiator to record a sale to Counterparty.
type CreateRequest struct {
	RunID        string
	Counterparty domain.Party
	Fields       builder.Fields
}

type Initiator struct {
	cfg Config
}

func NewInitiator(cfg Config) *Initiator {
	return &Initiator{cfg: cfg}
}

// Run drives a create run to a terminal state. It never returns a partial
// result: the run is Committed, Rejected or Aborted.
func (in *Initiator) Run(ctx context.Context, req CreateRequest) Result {
	cfg := in.cfg
	self := cfg.Self.Party()
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx, r := cfg.start(ctx, req.RunID, domain.RoleInitiator, domain.StateProposing)

	p := cfg.Builder.Build(domain.CommandCreate, []domain.Party{self, req.Counterparty}, cfg.Notary, req.Fields)
	r.cp.Proposal = &p
	r.cp.Counterparties = []string{req.Counterparty.Name}
	if err := r.begin(ctx); err != nil {
		return r.abort(ctx, err)
	}

	if err := r.advance(ctx, domain.StateValidating); err != nil {
		return r.abort(ctx, err)
	}
	if err := cfg.Validator.Validate(p); err != nil {
		if v, ok := domain.AsViolation(err); ok {
			return r.reject(ctx, v.Reason, err)
		}
		return r.abort(ctx, err)
	}

	if err := r.advance(ctx, domain.StateSigning); err != nil {
		return r.abort(ctx, err)
	}
	hash, err := keys.CanonicalHash(p)
	if err != nil {
		return r.abort(ctx, err)
	}
	stx := domain.SignedTransaction{
		Hash:       hash,
		Proposal:   p,
		Signatures: domain.NewSignatureSet(signatures.Sign(hash, cfg.Self)),
	}
	r.cp.Hash = hash
	r.cp.Signatures = stx.Signatures
	r.span.SetAttributes(attribute.String("tx_hash", hash))

	sessions, err := in.openSessions(ctx, r.cp.RunID, p)
	if err != nil {
		return r.abort(ctx, err)
	}
	fail := func(res Result) Result {
		if res.State == domain.StateRejected {
			for _, s := range sessions {
				_ = s.Send(context.WithoutCancel(ctx), session.RejectTx(r.cp.RunID, res.Reason))
			}
		}
		closeAll(sessions, string(res.State)+": "+res.Reason)
		return res
	}

	if err := r.advance(ctx, domain.StateCollectingSignatures); err != nil {
		return fail(r.abort(ctx, err))
	}
	collector := signatures.Collector{Resolver: cfg.Resolver, Timeout: cfg.ResponseTimeout, Logger: r.logger}
	sigs, err := collector.Collect(ctx, r.cp.RunID, stx, sessions)
	if err != nil {
		var rej *domain.CounterpartyRejection
		if errors.As(err, &rej) {
			return fail(r.reject(ctx, rej.Reason, err))
		}
		return fail(r.abort(ctx, err))
	}
	stx.Signatures = sigs
	r.cp.Signatures = sigs

	if err := r.advance(ctx, domain.StateFinalizing); err != nil {
		return fail(r.abort(ctx, err))
	}
	decision, err := cfg.NotaryClient.RequestFinality(ctx, stx)
	if err != nil {
		cfg.Metrics.Notary("error")
		return fail(r.abort(ctx, err))
	}
	if !decision.Accepted() {
		cfg.Metrics.Notary("rejected")
		return fail(r.reject(ctx, domain.ErrConflictingConsumption.Error(),
			fmt.Errorf("%w: %v", domain.ErrConflictingConsumption, decision.Conflicts)))
	}
	cfg.Metrics.Notary("accepted")
	if err := notary.VerifyDecision(stx, decision); err != nil {
		return fail(r.abort(ctx, err))
	}
	stx.NotarySignature = decision.Signature

	res := r.finish(ctx, domain.StateCommitted, "", nil)
	if err := cfg.Vault.Persist(context.WithoutCancel(ctx), stx); err != nil {
		r.logger.Error("persist committed transaction failed", zap.String("tx_hash", hash), zap.Error(err))
		res.Err = fmt.Errorf("persist: %w", err)
	}
	for _, s := range sessions {
		if err := s.Send(context.WithoutCancel(ctx), session.FinalizeTx(r.cp.RunID, stx, decision)); err != nil {
			r.logger.Warn("finalize not delivered", zap.String("party", s.Counterparty().Name), zap.Error(err))
		}
	}
	closeAll(sessions, "finalized")
	record := stx.Proposal.Outputs[0]
	res.Transaction = &stx
	res.Record = &record
	return res
}

// openSessions opens one session per participant other than this node.
func (in *Initiator) openSessions(ctx context.Context, runID string, p domain.Proposal) ([]session.Session, error) {
	self := in.cfg.Self.Party()
	var sessions []session.Session
	seen := map[string]bool{self.PublicKey: true}
	for _, out := range p.Outputs {
		for _, party := range out.Participants() {
			if seen[party.PublicKey] {
				continue
			}
			seen[party.PublicKey] = true
			s, err := in.cfg.Transport.Open(ctx, runID, self, party)
			if err != nil {
				closeAll(sessions, "aborted: "+ReasonSessionClosed)
				return nil, fmt.Errorf("open session to %s: %w", party.Name, err)
			}
			sessions = append(sessions, s)
		}
	}
	return sessions, nil
}

func closeAll(sessions []session.Session, reason string) {
	for _, s := range sessions {
		_ = s.Close(reason)
	}
}
