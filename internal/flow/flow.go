// Package flow runs the two-party record creation protocol: the initiator
// builds, signs and finalises a transaction, the responder validates and
// co-signs it. Each run is a state machine checkpointed before every wait.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"artledger/internal/builder"
	"artledger/internal/checkpoint"
	"artledger/internal/contract"
	"artledger/internal/domain"
	"artledger/internal/identity"
	"artledger/internal/keys"
	"artledger/internal/metrics"
	"artledger/internal/notary"
	"artledger/internal/session"
)

const (
	ReasonSessionClosed      = "session closed"
	ReasonTimeout            = "timeout"
	ReasonCancelled          = "cancelled"
	ReasonUntrustedSignature = "untrusted signature"
	ReasonNotaryUnavailable  = "notary unavailable"
	ReasonNotParticipant     = "not a participant"
	ReasonUnknownInitiator   = "initiator is not the other participant"
	ReasonUntrustedNotary    = "untrusted notary"
)

// Vault stores what a run commits and the transitions it makes.
type Vault interface {
	Persist(ctx context.Context, stx domain.SignedTransaction) error
	RecordTransition(ctx context.Context, cp domain.Checkpoint) error
}

// Config holds the collaborators shared by a node's initiator and responder.
type Config struct {
	Self         *keys.KeyPair
	Notary       domain.Party
	Validator    contract.Validator
	Builder      builder.Builder
	Resolver     identity.Resolver
	Transport    session.Transport
	NotaryClient notary.Client
	Vault        Vault
	// Checkpoints is optional; without it runs are not resumable.
	Checkpoints *checkpoint.Manager
	// ResponseTimeout bounds each wait for a counterparty reply.
	ResponseTimeout time.Duration
	// FinalityTimeout bounds the responder's wait for FinalizeTx.
	FinalityTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	Tracer          trace.Tracer
	Now             func() time.Time
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func (c Config) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return otel.Tracer("artledger/flow")
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// RunError is the terminal failure of a run. Its message is the reason alone
// so it can be shown to users unchanged.
type RunError struct {
	State  domain.RunState
	Reason string
	Err    error
}

func (e *RunError) Error() string { return e.Reason }

func (e *RunError) Unwrap() error { return e.Err }

// Result is the terminal outcome of a run. Err is a *RunError unless the run
// committed; a committed run may still carry a persistence error.
type Result struct {
	RunID       string
	State       domain.RunState
	Reason      string
	Err         error
	Transaction *domain.SignedTransaction
	Record      *domain.ArtSale
}

func (r Result) Committed() bool { return r.State == domain.StateCommitted }

var transitions = map[domain.RunState][]domain.RunState{
	domain.StateProposing:            {domain.StateValidating},
	domain.StateValidating:           {domain.StateSigning},
	domain.StateSigning:              {domain.StateCollectingSignatures, domain.StateFinalizing},
	domain.StateCollectingSignatures: {domain.StateFinalizing},
	domain.StateFinalizing:           {domain.StateCommitted},
}

// CanTransition reports whether from -> to is allowed. Rejected and Aborted
// are reachable from every non-terminal state.
func CanTransition(from, to domain.RunState) bool {
	if from.Terminal() {
		return false
	}
	if to == domain.StateRejected || to == domain.StateAborted {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// reasonFor names the failure behind err for an aborted run.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrCancelled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, domain.ErrUntrustedSignature):
		return ReasonUntrustedSignature
	case errors.Is(err, domain.ErrSessionClosed):
		return ReasonSessionClosed
	case errors.Is(err, domain.ErrNotaryUnavailable):
		return ReasonNotaryUnavailable
	}
	return err.Error()
}

// run tracks one protocol execution on one node.
type run struct {
	cfg     Config
	cp      domain.Checkpoint
	logger  *zap.Logger
	span    trace.Span
	started time.Time
}

func (c Config) start(ctx context.Context, runID string, role domain.Role, initial domain.RunState) (context.Context, *run) {
	ctx, span := c.tracer().Start(ctx, "flow."+string(role), trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("node", c.Self.Name()),
	))
	r := &run{
		cfg: c,
		cp: domain.Checkpoint{
			RunID: runID,
			Role:  role,
			State: initial,
			Self:  c.Self.Name(),
		},
		logger:  c.logger().With(zap.String("run_id", runID), zap.String("role", string(role)), zap.String("node", c.Self.Name())),
		span:    span,
		started: c.now(),
	}
	return ctx, r
}

// resume rebuilds the run of a checkpoint written by an earlier process.
func (c Config) resume(ctx context.Context, cp domain.Checkpoint) (context.Context, *run) {
	ctx, r := c.start(ctx, cp.RunID, cp.Role, cp.State)
	r.cp = cp
	return ctx, r
}

func (r *run) state() domain.RunState { return r.cp.State }

// save checkpoints the run and records the transition in the vault.
func (r *run) save(ctx context.Context) error {
	r.cp.UpdatedAt = r.cfg.now().UTC()
	if r.cfg.Checkpoints != nil {
		if err := r.cfg.Checkpoints.Save(ctx, r.cp); err != nil {
			return fmt.Errorf("checkpoint %s: %w", r.cp.State, err)
		}
	}
	if r.cfg.Vault != nil {
		if err := r.cfg.Vault.RecordTransition(context.WithoutCancel(ctx), r.cp); err != nil {
			r.logger.Warn("record transition failed", zap.String("state", string(r.cp.State)), zap.Error(err))
		}
	}
	return nil
}

// begin checkpoints the initial state.
func (r *run) begin(ctx context.Context) error {
	r.observe(r.cp.State)
	return r.save(ctx)
}

func (r *run) observe(state domain.RunState) {
	r.logger.Info("run transition", zap.String("state", string(state)))
	r.cfg.Metrics.Transition(r.cp.Self, string(r.cp.Role), string(state))
	r.span.AddEvent("transition", trace.WithAttributes(attribute.String("state", string(state))))
}

// advance moves to a non-terminal or committed state and checkpoints it.
func (r *run) advance(ctx context.Context, to domain.RunState) error {
	if !CanTransition(r.cp.State, to) {
		return fmt.Errorf("invalid transition %s -> %s", r.cp.State, to)
	}
	r.cp.State = to
	r.observe(to)
	return r.save(ctx)
}

// finish moves to a terminal state. Terminal checkpoints are written even
// when ctx is done.
func (r *run) finish(ctx context.Context, to domain.RunState, reason string, err error) Result {
	res := Result{RunID: r.cp.RunID, State: to, Reason: reason}
	if !CanTransition(r.cp.State, to) {
		r.logger.Error("invalid terminal transition",
			zap.String("from", string(r.cp.State)), zap.String("to", string(to)))
		res.State = r.cp.State
	} else {
		r.cp.State = to
		r.cp.Reason = reason
		r.observe(to)
		if serr := r.save(context.WithoutCancel(ctx)); serr != nil {
			r.logger.Warn("terminal checkpoint failed", zap.Error(serr))
		}
	}
	if to != domain.StateCommitted {
		res.Err = &RunError{State: to, Reason: reason, Err: err}
		r.span.SetStatus(codes.Error, reason)
		r.logger.Info("run ended", zap.String("state", string(to)), zap.String("reason", reason), zap.Error(err))
	} else {
		r.span.SetStatus(codes.Ok, "")
	}
	r.cfg.Metrics.Finished(r.cp.Self, string(r.cp.Role), string(to), r.cfg.now().Sub(r.started))
	r.span.End()
	return res
}

func (r *run) reject(ctx context.Context, reason string, err error) Result {
	return r.finish(ctx, domain.StateRejected, reason, err)
}

func (r *run) abort(ctx context.Context, err error) Result {
	return r.finish(ctx, domain.StateAborted, reasonFor(err), err)
}

// receive waits for one message, bounded by timeout when it is positive.
func receive(ctx context.Context, s session.Session, timeout time.Duration) (session.Message, error) {
	if timeout <= 0 {
		return s.Receive(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	m, err := s.Receive(rctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return m, fmt.Errorf("%w: waiting for %s", domain.ErrTimeout, s.Counterparty().Name)
	}
	return m, err
}
