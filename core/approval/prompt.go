package approval

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

type lineReader interface {
	Readline() (string, error)
	Close() error
}

// Prompt asks the operator on the terminal. An unreadable or empty answer
// is a rejection.
type Prompt struct {
	mu  sync.Mutex
	rl  lineReader
	out io.Writer
}

var _ Approver = (*Prompt)(nil)

// NewPrompt opens an interactive readline session for node.
func NewPrompt(node string) (*Prompt, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("[%s] approve? (y/N) ", node),
		InterruptPrompt: "^C",
		EOFPrompt:       "n",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open prompt: %w", err)
	}
	return &Prompt{rl: rl, out: rl.Stdout()}, nil
}

func (p *Prompt) Approve(ctx context.Context, artifact []byte, resources []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	fmt.Fprintf(p.out, "collage of %d bytes uses %s\n", len(artifact), strings.Join(resources, ", "))
	line, err := p.rl.Readline()
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Close releases the terminal.
func (p *Prompt) Close() error {
	return p.rl.Close()
}
