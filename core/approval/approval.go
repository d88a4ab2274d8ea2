// Package approval provides the user-approval oracle consulted by a user
// node before it votes yes on a collage.
package approval

import (
	"context"
	"fmt"
	"strings"
)

// Approver decides whether the user accepts artifact built from resources.
// It is called synchronously from the vote handler and must return in
// bounded time.
type Approver interface {
	Approve(ctx context.Context, artifact []byte, resources []string) bool
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, artifact []byte, resources []string) bool

func (f ApproverFunc) Approve(ctx context.Context, artifact []byte, resources []string) bool {
	return f(ctx, artifact, resources)
}

// Always approves every request.
var Always Approver = ApproverFunc(func(context.Context, []byte, []string) bool { return true })

// Never rejects every request.
var Never Approver = ApproverFunc(func(context.Context, []byte, []string) bool { return false })

// Policy rejects any request touching a denied resource and defers the rest
// to Next (Always when nil).
type Policy struct {
	deny map[string]struct{}
	next Approver
}

// NewPolicy builds a Policy denying the given resources.
func NewPolicy(deny []string, next Approver) *Policy {
	p := &Policy{deny: make(map[string]struct{}, len(deny)), next: next}
	for _, r := range deny {
		p.deny[r] = struct{}{}
	}
	if p.next == nil {
		p.next = Always
	}
	return p
}

func (p *Policy) Approve(ctx context.Context, artifact []byte, resources []string) bool {
	for _, r := range resources {
		if _, denied := p.deny[r]; denied {
			return false
		}
	}
	return p.next.Approve(ctx, artifact, resources)
}

// Mode names a configured approver.
const (
	ModeAlways = "always"
	ModeNever  = "never"
	ModePolicy = "policy"
	ModePrompt = "prompt"
)

// FromMode returns the approver for a non-interactive mode. ModePrompt needs
// a terminal and is built with NewPrompt instead.
func FromMode(mode string, deny []string) (Approver, error) {
	switch strings.ToLower(mode) {
	case "", ModeAlways:
		return Always, nil
	case ModeNever:
		return Never, nil
	case ModePolicy:
		return NewPolicy(deny, nil), nil
	default:
		return nil, fmt.Errorf("unsupported approval mode %q", mode)
	}
}
