package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"artledger/internal/builder"
	"artledger/internal/checkpoint"
	"artledger/internal/domain"
	"artledger/internal/flow"
	"artledger/internal/identity"
	"artledger/internal/keys"
	"artledger/internal/repo"
	"artledger/internal/session"
)

var ErrUnknownCommand = errors.New("unknown command")

// Node is one party's view of the ledger: its key, vault, checkpoints and
// the flows it runs as initiator or responder.
type Node struct {
	Key         *keys.KeyPair
	DB          *sql.DB
	Repo        repo.Repo
	Vault       repo.Vault
	Checkpoints *checkpoint.Manager
	Network     *identity.NetworkMap
	Now         func() time.Time

	initiator *flow.Initiator
	responder *flow.Responder
	resumer   *flow.Resumer
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*RunHandle
}

// NewNode builds a node from a flow config. The config's Vault and
// Checkpoints must be the node's own.
func NewNode(db *sql.DB, vault repo.Vault, netmap *identity.NetworkMap, cfg flow.Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		Key:         cfg.Self,
		DB:          db,
		Repo:        vault.Repo,
		Vault:       vault,
		Checkpoints: cfg.Checkpoints,
		Network:     netmap,
		Now:         time.Now,
		initiator:   flow.NewInitiator(cfg),
		responder:   flow.NewResponder(cfg),
		resumer:     flow.NewResumer(cfg),
		logger:      logger.With(zap.String("node", cfg.Self.Name())),
		ctx:         ctx,
		cancel:      cancel,
		active:      map[string]*RunHandle{},
	}
}

func (n *Node) Name() string { return n.Key.Name() }

func (n *Node) Party() domain.Party { return n.Key.Party() }

// RunHandle follows a run started by StartRun.
type RunHandle struct {
	ID     string
	done   chan struct{}
	result flow.Result
	cancel context.CancelFunc
}

func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Cancel aborts the run at its next suspension point.
func (h *RunHandle) Cancel() { h.cancel() }

// Wait blocks until the run is terminal or ctx is done. A ctx error leaves
// the run going.
func (h *RunHandle) Wait(ctx context.Context) (flow.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return flow.Result{}, ctx.Err()
	}
}

// StartRun validates params for command and launches the initiator on its
// own goroutine. Content rules are left to the flow so that rejections are
// recorded as runs.
func (n *Node) StartRun(ctx context.Context, command string, params map[string]any) (*RunHandle, error) {
	if domain.CommandKind(command) != domain.CommandCreate {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	p, err := DecodeCreateParams(params)
	if err != nil {
		return nil, err
	}
	buyer, err := n.Network.Resolve(ctx, p.Buyer)
	if err != nil {
		return nil, err
	}
	if n.Network.IsNotary(buyer.Name) {
		return nil, fmt.Errorf("%w: %s is a notary", domain.ErrPartyNotFound, buyer.Name)
	}
	req := flow.CreateRequest{
		RunID:        uuid.NewString(),
		Counterparty: buyer,
		Fields: builder.Fields{
			Title:       p.Title,
			Price:       *p.Price,
			Description: p.Description,
		},
	}
	if p.Timestamp != nil {
		req.Fields.Timestamp = *p.Timestamp
	}

	runCtx, cancel := context.WithCancel(n.ctx)
	h := &RunHandle{ID: req.RunID, done: make(chan struct{}), cancel: cancel}
	n.mu.Lock()
	n.active[h.ID] = h
	n.mu.Unlock()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		h.result = n.initiator.Run(runCtx, req)
		n.mu.Lock()
		delete(n.active, h.ID)
		n.mu.Unlock()
		close(h.done)
	}()
	n.logger.Info("run started", zap.String("run_id", h.ID), zap.String("buyer", buyer.Name))
	return h, nil
}

// Active returns the handle of a run still in progress on this node.
func (n *Node) Active(runID string) (*RunHandle, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.active[runID]
	return h, ok
}

// Handle serves a session opened by another node.
func (n *Node) Handle(ctx context.Context, s session.Session) {
	res := n.responder.Handle(ctx, s)
	n.logger.Info("responder finished",
		zap.String("run_id", res.RunID),
		zap.String("state", string(res.State)),
		zap.String("reason", res.Reason))
}

// Identity is the node's own party with its fingerprint.
type Identity struct {
	Name        string `json:"name"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

func (n *Node) Me() (Identity, error) {
	fp, err := keys.Fingerprint(n.Key.PublicKey())
	if err != nil {
		return Identity{}, err
	}
	return Identity{Name: n.Name(), PublicKey: n.Key.PublicKey(), Fingerprint: fp}, nil
}

// Peers returns the other trading parties.
func (n *Node) Peers() []domain.Party {
	return n.Network.Peers(n.Name())
}

func (n *Node) Records(ctx context.Context, f repo.RecordFilter) ([]domain.ArtSale, error) {
	return n.Vault.Query(ctx, domain.RecordTypeArtSale, f)
}

// MyRecords returns the records this node sold.
func (n *Node) MyRecords(ctx context.Context, limit int) ([]domain.ArtSale, error) {
	return n.Vault.Query(ctx, domain.RecordTypeArtSale, repo.RecordFilter{Seller: n.Name(), Limit: limit})
}

// Run returns the latest checkpoint of a run this node took part in.
func (n *Node) Run(ctx context.Context, runID string) (domain.Checkpoint, error) {
	return n.Checkpoints.Load(ctx, runID)
}

// Runs returns every checkpointed run, newest first where the store orders them.
func (n *Node) Runs(ctx context.Context) ([]domain.Checkpoint, error) {
	ids, err := n.Checkpoints.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := n.Checkpoints.Load(ctx, id)
		if errors.Is(err, checkpoint.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (n *Node) Events(ctx context.Context, limit int, cursor int64, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return n.Repo.LatestEventsFrom(ctx, limit, cursor, evtType, "", "")
}

// Recover settles runs a previous process left behind. Their sessions died
// with that process, so initiator runs that hold every signature are taken to
// the notary and the rest are aborted. Committed runs whose transaction is
// missing from the vault are persisted again. It returns how many runs it
// touched.
func (n *Node) Recover(ctx context.Context) (int, error) {
	pending, err := n.Checkpoints.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, cp := range pending {
		res := n.resumer.Resume(ctx, cp)
		n.logger.Warn("recovered interrupted run",
			zap.String("run_id", cp.RunID),
			zap.String("from", string(cp.State)),
			zap.String("state", string(res.State)),
			zap.String("reason", res.Reason))
	}
	repaired, err := n.repairCommitted(ctx)
	if err != nil {
		return len(pending), err
	}
	return len(pending) + repaired, nil
}

func (n *Node) repairCommitted(ctx context.Context) (int, error) {
	runs, err := n.Runs(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, cp := range runs {
		if cp.State != domain.StateCommitted || cp.Hash == "" {
			continue
		}
		_, err := n.Repo.GetTransaction(ctx, cp.Hash)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return repaired, err
		}
		res := n.resumer.Resume(ctx, cp)
		if res.Err != nil {
			n.logger.Error("committed run not persisted", zap.String("run_id", cp.RunID), zap.Error(res.Err))
			continue
		}
		repaired++
	}
	return repaired, nil
}

// Close cancels running flows, waits for them and closes the vault.
func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()
	return n.DB.Close()
}

// CommittedMessage is the confirmation shown for a committed record.
func CommittedMessage(linearID string) string {
	return fmt.Sprintf("Transaction id %s committed to ledger.", linearID)
}

// RunOutcome is what a caller is told about a finished run.
type RunOutcome struct {
	Result flow.Result
}

// Message is the confirmation for a committed run and the failure reason
// otherwise.
func (o RunOutcome) Message() string {
	if o.Result.Committed() && o.Result.Record != nil {
		return CommittedMessage(o.Result.Record.LinearID)
	}
	return o.Result.Reason
}
