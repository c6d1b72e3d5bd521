package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"artledger/internal/domain"
)

// Handler serves the responder side of a session opened by a counterparty.
type Handler func(ctx context.Context, s Session)

// Transport opens sessions to counterparties.
type Transport interface {
	Open(ctx context.Context, runID string, from, to domain.Party) (Session, error)
}

type route struct {
	party   domain.Party
	handler Handler
}

// Hub is an in-process transport: every registered node can open sessions to
// every other one. Responder handlers run on their own goroutines and outlive
// the caller's context, like a remote node would.
type Hub struct {
	mu     sync.RWMutex
	routes map[string]route
	logger *zap.Logger
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type HubOption func(*Hub)

func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		routes: map[string]route{},
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register makes party reachable; sessions opened to it are served by handler.
func (h *Hub) Register(party domain.Party, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[party.Name] = route{party: party, handler: handler}
}

func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.routes, name)
}

func (h *Hub) Open(ctx context.Context, runID string, from, to domain.Party) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	r, ok := h.routes[to.Name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no route to %s", domain.ErrTransportFailure, to.Name)
	}
	if r.party.PublicKey != to.PublicKey {
		return nil, fmt.Errorf("%w: %s is registered with a different key", domain.ErrTransportFailure, to.Name)
	}
	id := uuid.NewString()
	local, remote := Pair(id, from, r.party)
	h.logger.Debug("session opened",
		zap.String("session_id", id),
		zap.String("run_id", runID),
		zap.String("from", from.Name),
		zap.String("to", to.Name))
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		r.handler(h.ctx, remote)
	}()
	return local, nil
}

// Wait blocks until every responder handler started so far has returned.
func (h *Hub) Wait() {
	h.wg.Wait()
}

// Close cancels running responder handlers and waits for them.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}
