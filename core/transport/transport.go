// Package transport defines the message substrate the commit protocol runs
// on. Delivery is at-least-once at best: implementations may lose, delay,
// reorder or duplicate individual envelopes, and the protocol above tolerates
// all of it.
package transport

import (
	"context"
	"errors"

	"github.com/sushant-115/collagecommit/core/message"
)

// --- Error Definitions ---

var (
	ErrClosed      = errors.New("transport closed")
	ErrUnknownPeer = errors.New("unknown peer")
)

// Sender is the send half of a Transport. Send is best effort: a nil error
// does not mean the peer received the payload.
type Sender interface {
	Send(ctx context.Context, to string, payload []byte) error
}

// Transport is one node's endpoint on the substrate.
type Transport interface {
	Sender
	// Receive blocks until an envelope addressed to this node arrives,
	// ctx is done, or the transport is closed (ErrClosed).
	Receive(ctx context.Context) (message.Envelope, error)
	// LocalID is the node identity this endpoint sends from.
	LocalID() string
	Close() error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to string, payload []byte) error

func (f SenderFunc) Send(ctx context.Context, to string, payload []byte) error {
	return f(ctx, to, payload)
}
