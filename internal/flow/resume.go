package flow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"artledger/internal/domain"
	"artledger/internal/notary"
	"artledger/internal/signatures"
)

// Resumer settles runs left behind by an earlier process. Sessions do not
// survive a restart, but a run that already holds every participant's
// signature only needs the notary, which answers by transaction hash.
type Resumer struct {
	cfg Config
}

func NewResumer(cfg Config) *Resumer {
	return &Resumer{cfg: cfg}
}

// Resume drives cp to a terminal state. Initiator runs in Finalizing are
// resubmitted to the notary and committed when accepted. Committed runs are
// persisted again. Everything else is aborted.
//
// TODO: responder runs left in Finalizing are aborted even when the notary
// accepted the hash; they need a read-only decision lookup on notary.Client.
func (rs *Resumer) Resume(ctx context.Context, cp domain.Checkpoint) Result {
	cfg := rs.cfg
	if cp.State == domain.StateCommitted {
		return rs.repair(ctx, cp)
	}
	if cp.State.Terminal() {
		return Result{RunID: cp.RunID, State: cp.State, Reason: cp.Reason}
	}
	ctx, r := cfg.resume(ctx, cp)
	if cp.Role != domain.RoleInitiator || cp.State != domain.StateFinalizing {
		return r.abort(ctx, domain.ErrSessionClosed)
	}
	stx, err := rs.notarise(ctx, cp)
	if err != nil {
		if errors.Is(err, domain.ErrConflictingConsumption) {
			return r.reject(ctx, domain.ErrConflictingConsumption.Error(), err)
		}
		return r.abort(ctx, err)
	}
	r.logger.Info("resumed run accepted by notary", zap.String("tx_hash", stx.Hash))
	res := r.finish(ctx, domain.StateCommitted, "", nil)
	if err := cfg.Vault.Persist(context.WithoutCancel(ctx), stx); err != nil {
		r.logger.Error("persist committed transaction failed", zap.String("tx_hash", stx.Hash), zap.Error(err))
		res.Err = fmt.Errorf("persist: %w", err)
	}
	record := stx.Proposal.Outputs[0]
	res.Transaction = &stx
	res.Record = &record
	return res
}

// repair persists a committed run whose transaction never reached the vault.
func (rs *Resumer) repair(ctx context.Context, cp domain.Checkpoint) Result {
	res := Result{RunID: cp.RunID, State: domain.StateCommitted}
	stx, err := rs.notarise(ctx, cp)
	if err != nil {
		res.Err = fmt.Errorf("repair: %w", err)
		return res
	}
	if err := rs.cfg.Vault.Persist(ctx, stx); err != nil {
		res.Err = fmt.Errorf("persist: %w", err)
		return res
	}
	rs.cfg.logger().Info("persisted committed run on restart",
		zap.String("run_id", cp.RunID), zap.String("tx_hash", stx.Hash))
	record := stx.Proposal.Outputs[0]
	res.Transaction = &stx
	res.Record = &record
	return res
}

// notarise rebuilds the signed transaction of cp and asks the notary for its
// decision, returning the transaction with the notary signature attached.
func (rs *Resumer) notarise(ctx context.Context, cp domain.Checkpoint) (domain.SignedTransaction, error) {
	cfg := rs.cfg
	if cp.Proposal == nil || cp.Hash == "" || len(cp.Proposal.Outputs) == 0 {
		return domain.SignedTransaction{}, domain.ErrSessionClosed
	}
	if cp.Proposal.Notary != cfg.Notary {
		return domain.SignedTransaction{}, fmt.Errorf("%w: %s is not the trusted notary", domain.ErrUntrustedSignature, cp.Proposal.Notary.Name)
	}
	stx := domain.SignedTransaction{
		Hash:       cp.Hash,
		Proposal:   *cp.Proposal,
		Signatures: cp.Signatures.Clone(),
	}
	if err := signatures.VerifyRequired(stx.Hash, stx.Signatures, stx.Proposal.Command.Signers); err != nil {
		return domain.SignedTransaction{}, fmt.Errorf("%w: %v", domain.ErrUntrustedSignature, err)
	}
	decision, err := cfg.NotaryClient.RequestFinality(ctx, stx)
	if err != nil {
		cfg.Metrics.Notary("error")
		return domain.SignedTransaction{}, err
	}
	if !decision.Accepted() {
		cfg.Metrics.Notary("rejected")
		return domain.SignedTransaction{}, fmt.Errorf("%w: %v", domain.ErrConflictingConsumption, decision.Conflicts)
	}
	cfg.Metrics.Notary("accepted")
	if err := notary.VerifyDecision(stx, decision); err != nil {
		return domain.SignedTransaction{}, err
	}
	stx.NotarySignature = decision.Signature
	return stx, nil
}
