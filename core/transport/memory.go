package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/collagecommit/core/message"
)

// Verdict is a fault-injection decision for one envelope.
type Verdict int

const (
	Deliver Verdict = iota
	Drop
	Duplicate
)

// Filter decides the fate of each envelope sent through a Network.
type Filter func(env message.Envelope) Verdict

// Network is an in-process substrate connecting any number of endpoints.
// It is used by tests and by single-process simulations.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	filter    Filter
	inboxSize int
}

// NewNetwork creates an empty network whose endpoints buffer up to
// inboxSize envelopes (0 picks a default).
func NewNetwork(inboxSize int) *Network {
	if inboxSize <= 0 {
		inboxSize = 1024
	}
	return &Network{endpoints: make(map[string]*Endpoint), inboxSize: inboxSize}
}

// SetFilter installs f for subsequent sends. A nil filter delivers everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Endpoint returns the endpoint for id, creating it on first use. An
// endpoint that was closed is replaced, which models a process restart.
func (n *Network) Endpoint(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok && !ep.isClosed() {
		return ep
	}
	ep := &Endpoint{
		id:     id,
		net:    n,
		inbox:  make(chan message.Envelope, n.inboxSize),
		closed: make(chan struct{}),
	}
	n.endpoints[id] = ep
	return ep
}

func (n *Network) route(env message.Envelope) error {
	n.mu.RLock()
	dst, ok := n.endpoints[env.To]
	filter := n.filter
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, env.To)
	}

	copies := 1
	if filter != nil {
		switch filter(env) {
		case Drop:
			return nil
		case Duplicate:
			copies = 2
		}
	}
	for i := 0; i < copies; i++ {
		dst.enqueue(env)
	}
	return nil
}

// Endpoint is one node attached to a Network.
type Endpoint struct {
	id    string
	net   *Network
	inbox chan message.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) LocalID() string { return e.id }

// Send routes payload to the endpoint named to. Payloads sent to a closed
// endpoint are lost, like messages sent to a crashed process.
func (e *Endpoint) Send(ctx context.Context, to string, payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := append([]byte(nil), payload...)
	return e.net.route(message.NewEnvelope(e.id, to, buf))
}

func (e *Endpoint) enqueue(env message.Envelope) {
	select {
	case <-e.closed:
	case e.inbox <- env:
	default:
		// inbox full: lost, like any other message
	}
}

func (e *Endpoint) Receive(ctx context.Context) (message.Envelope, error) {
	select {
	case env := <-e.inbox:
		return env, nil
	case <-e.closed:
		return message.Envelope{}, ErrClosed
	case <-ctx.Done():
		return message.Envelope{}, ctx.Err()
	}
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}
