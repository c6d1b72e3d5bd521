// Package session carries ordered typed messages between exactly two parties.
package session

import (
	"context"
	"fmt"
	"sync"

	"artledger/internal/domain"
)

const inboxSize = 16

// Session is one side of a two-party conversation. Messages are delivered in
// send order. After either side closes, Send fails and Receive drains what was
// already delivered before failing with domain.ErrSessionClosed.
type Session interface {
	ID() string
	Self() domain.Party
	Counterparty() domain.Party
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
	Close(reason string) error
}

type pipe struct {
	id      string
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	reason  string
	inboxes [2]chan []byte
}

type endpoint struct {
	p            *pipe
	side         int
	self         domain.Party
	counterparty domain.Party
}

// Pair returns the two connected ends of a new session.
func Pair(id string, a, b domain.Party) (Session, Session) {
	p := &pipe{
		id:     id,
		closed: make(chan struct{}),
		inboxes: [2]chan []byte{
			make(chan []byte, inboxSize),
			make(chan []byte, inboxSize),
		},
	}
	return &endpoint{p: p, side: 0, self: a, counterparty: b},
		&endpoint{p: p, side: 1, self: b, counterparty: a}
}

func (e *endpoint) ID() string                 { return e.p.id }
func (e *endpoint) Self() domain.Party         { return e.self }
func (e *endpoint) Counterparty() domain.Party { return e.counterparty }

func (e *endpoint) isClosed() bool {
	select {
	case <-e.p.closed:
		return true
	default:
		return false
	}
}

func (e *endpoint) closedErr() error {
	e.p.mu.Lock()
	reason := e.p.reason
	e.p.mu.Unlock()
	if reason == "" {
		return domain.ErrSessionClosed
	}
	return fmt.Errorf("%w: %s", domain.ErrSessionClosed, reason)
}

func (e *endpoint) Send(ctx context.Context, m Message) error {
	if e.isClosed() {
		return e.closedErr()
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case e.p.inboxes[1-e.side] <- data:
		return nil
	case <-e.p.closed:
		return e.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpoint) Receive(ctx context.Context) (Message, error) {
	inbox := e.p.inboxes[e.side]
	select {
	case data := <-inbox:
		return Decode(data)
	default:
	}
	select {
	case data := <-inbox:
		return Decode(data)
	case <-e.p.closed:
		select {
		case data := <-inbox:
			return Decode(data)
		default:
			return Message{}, e.closedErr()
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (e *endpoint) Close(reason string) error {
	e.p.once.Do(func() {
		e.p.mu.Lock()
		e.p.reason = reason
		e.p.mu.Unlock()
		close(e.p.closed)
	})
	return nil
}
