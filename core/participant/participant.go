// Package participant implements a user node: it votes on collages that use
// its resources, reserves those resources until the decision arrives, and
// deletes them when the collage commits.
package participant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/approval"
	"github.com/sushant-115/collagecommit/core/message"
	"github.com/sushant-115/collagecommit/core/storage"
	"github.com/sushant-115/collagecommit/core/transaction"
	"github.com/sushant-115/collagecommit/core/transport"
	"github.com/sushant-115/collagecommit/core/wal"
	internaltelemetry "github.com/sushant-115/collagecommit/internal/telemetry"
)

var (
	ErrNotRecovered     = errors.New("participant has not recovered its log")
	ErrAlreadyRecovered = errors.New("participant already recovered")
)

// VoteReason explains a vote.
type VoteReason string

const (
	ReasonApproved VoteReason = "approved"
	ReasonConflict VoteReason = "conflict" // resource reserved by another transaction
	ReasonConsumed VoteReason = "consumed" // resource deleted by an earlier commit
	ReasonRejected VoteReason = "rejected" // the approver said no
	ReasonRecorded VoteReason = "recorded" // repeat of a vote already cast
	ReasonDecided  VoteReason = "decided"  // request arrived after its decision
)

// Vote is the result of handling a VoteRequest.
type Vote struct {
	Approve bool
	Reason  VoteReason
}

// Config identifies the node.
type Config struct {
	NodeID        string
	CoordinatorID string
}

type Option func(*Participant)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Participant) { p.logger = logger }
}

func WithMetrics(m *internaltelemetry.CommitMetrics) Option {
	return func(p *Participant) { p.metrics = m }
}

// WithFatal replaces the durability failure handler (default: logger.Fatal).
func WithFatal(fatal transaction.FatalFunc) Option {
	return func(p *Participant) { p.fatal = fatal }
}

// Participant is one user node's protocol state. All handlers run under a
// single per-participant mutex.
type Participant struct {
	cfg       Config
	log       wal.Log
	sender    transport.Sender
	approver  approval.Approver
	resources storage.ResourceStore
	logger    *zap.Logger
	metrics   *internaltelemetry.CommitMetrics
	fatal     transaction.FatalFunc

	mu        sync.Mutex
	locks     map[string][]string // txn -> reserved resources
	owner     map[string]string   // resource -> txn holding it
	consumed  map[string]struct{}
	votes     map[string]bool     // every vote cast, by txn
	unvoted   map[string]struct{} // decided before any vote was cast
	recovered bool
}

// New builds a Participant. Recover must run before it handles messages.
func New(cfg Config, log wal.Log, sender transport.Sender, approver approval.Approver, resources storage.ResourceStore, opts ...Option) *Participant {
	if cfg.CoordinatorID == "" {
		cfg.CoordinatorID = "Server"
	}
	p := &Participant{
		cfg:       cfg,
		log:       log,
		sender:    sender,
		approver:  approver,
		resources: resources,
		locks:     make(map[string][]string),
		owner:     make(map[string]string),
		consumed:  make(map[string]struct{}),
		votes:     make(map[string]bool),
		unvoted:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("participant").With(zap.String("node", cfg.NodeID))
	if p.metrics == nil {
		p.metrics = internaltelemetry.NopCommitMetrics()
	}
	if p.fatal == nil {
		p.fatal = p.logger.Fatal
	}
	if p.approver == nil {
		p.approver = approval.Always
	}
	return p
}

// ID is the node identity.
func (p *Participant) ID() string { return p.cfg.NodeID }

// HandleVoteRequest decides and durably records a vote, reserves the
// resources on a yes, and replies to the coordinator. A repeated request
// gets the recorded vote again without any state change.
func (p *Participant) HandleVoteRequest(ctx context.Context, txnID string, artifact []byte, resources []string) (Vote, error) {
	vote, err := p.vote(ctx, txnID, artifact, resources)
	if err != nil {
		return Vote{}, err
	}
	p.reply(ctx, message.VoteReply(txnID, p.cfg.NodeID, vote.Approve))
	return vote, nil
}

func (p *Participant) vote(ctx context.Context, txnID string, artifact []byte, resources []string) (Vote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.recovered {
		return Vote{}, ErrNotRecovered
	}
	if approve, seen := p.votes[txnID]; seen {
		p.logger.Debug("repeated vote request", zap.String("txn", txnID), zap.Bool("vote", approve))
		return Vote{Approve: approve, Reason: ReasonRecorded}, nil
	}
	if _, late := p.unvoted[txnID]; late {
		// A reservation made now would never be released.
		p.logger.Debug("vote request after decision", zap.String("txn", txnID))
		return Vote{Approve: false, Reason: ReasonDecided}, nil
	}

	vote := p.evaluate(ctx, txnID, artifact, resources)
	if err := p.log.Append(wal.Vote(txnID, vote.Approve, resources)); err != nil {
		p.fatal("failed to log vote", zap.String("txn", txnID), zap.Error(err))
		return Vote{}, err
	}
	p.votes[txnID] = vote.Approve
	if vote.Approve {
		p.lock(txnID, resources)
	}
	p.metrics.Voted(ctx, vote.Approve, string(vote.Reason))
	p.logger.Info("voted", zap.String("txn", txnID), zap.Bool("approve", vote.Approve),
		zap.String("reason", string(vote.Reason)), zap.Strings("resources", resources))
	return vote, nil
}

// evaluate applies the conflict rules before asking the approver.
func (p *Participant) evaluate(ctx context.Context, txnID string, artifact []byte, resources []string) Vote {
	for _, r := range resources {
		if _, gone := p.consumed[r]; gone {
			return Vote{Reason: ReasonConsumed}
		}
		if holder, held := p.owner[r]; held && holder != txnID {
			return Vote{Reason: ReasonConflict}
		}
	}
	if !p.approver.Approve(ctx, artifact, resources) {
		return Vote{Reason: ReasonRejected}
	}
	return Vote{Approve: true, Reason: ReasonApproved}
}

// HandleDecision applies outcome to the resources reserved for txnID and
// acknowledges. Without a reservation there is nothing to apply and the
// decision is simply acknowledged again.
func (p *Participant) HandleDecision(ctx context.Context, txnID string, outcome bool) error {
	if err := p.decide(ctx, txnID, outcome); err != nil {
		return err
	}
	p.reply(ctx, message.Ack(txnID, p.cfg.NodeID, outcome))
	return nil
}

func (p *Participant) decide(ctx context.Context, txnID string, outcome bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.recovered {
		return ErrNotRecovered
	}
	if _, held := p.locks[txnID]; !held {
		_, voted := p.votes[txnID]
		_, known := p.unvoted[txnID]
		if !voted && !known {
			// Logged so that a restart still refuses the late vote request.
			if err := p.log.Append(wal.Decision(txnID, outcome)); err != nil {
				p.fatal("failed to log decision", zap.String("txn", txnID), zap.Error(err))
				return err
			}
			p.unvoted[txnID] = struct{}{}
		}
		p.logger.Debug("decision without reservation, re-acknowledging", zap.String("txn", txnID), zap.Bool("outcome", outcome))
		return nil
	}
	if err := p.log.Append(wal.Decision(txnID, outcome)); err != nil {
		p.fatal("failed to log decision", zap.String("txn", txnID), zap.Error(err))
		return err
	}
	p.apply(txnID, outcome)
	p.metrics.Applied(ctx, outcome)
	return nil
}

func (p *Participant) lock(txnID string, resources []string) {
	held := append([]string(nil), resources...)
	p.locks[txnID] = held
	for _, r := range held {
		p.owner[r] = txnID
	}
}

// apply releases txnID's reservation, deleting the resources on commit.
// Deletion is idempotent so replay can redo it.
func (p *Participant) apply(txnID string, outcome bool) {
	held := p.locks[txnID]
	for _, r := range held {
		if outcome {
			if err := p.resources.Delete(r); err != nil {
				p.logger.Error("failed to delete resource", zap.String("txn", txnID), zap.String("resource", r), zap.Error(err))
			}
			p.consumed[r] = struct{}{}
		}
		if p.owner[r] == txnID {
			delete(p.owner, r)
		}
	}
	delete(p.locks, txnID)
	p.logger.Info("decision applied", zap.String("txn", txnID), zap.Bool("outcome", outcome), zap.Strings("resources", held))
}

func (p *Participant) reply(ctx context.Context, m message.Message) {
	payload, err := message.Encode(m)
	if err != nil {
		p.logger.Error("failed to encode reply", zap.Stringer("kind", m.Kind), zap.Error(err))
		return
	}
	if err := p.sender.Send(ctx, p.cfg.CoordinatorID, payload); err != nil {
		p.logger.Debug("reply lost", zap.Stringer("kind", m.Kind), zap.String("txn", m.TransactionID), zap.Error(err))
	}
}

// Handle decodes and processes one payload from the coordinator.
func (p *Participant) Handle(ctx context.Context, payload []byte) error {
	m, err := message.Decode(payload)
	if err != nil {
		p.logger.Warn("undecodable payload dropped", zap.Error(err))
		p.metrics.Violation(ctx, "malformed")
		return nil
	}
	if m.Participant != p.cfg.NodeID {
		p.logger.Warn("message for another participant dropped", zap.String("participant", m.Participant), zap.String("txn", m.TransactionID))
		p.metrics.Violation(ctx, "unknown_participant")
		return nil
	}
	switch m.Kind {
	case message.KindVoteRequest:
		_, err = p.HandleVoteRequest(ctx, m.TransactionID, m.Artifact, m.Resources)
	case message.KindDecision:
		err = p.HandleDecision(ctx, m.TransactionID, m.Approve)
	default:
		p.logger.Warn("unexpected message kind", zap.Stringer("kind", m.Kind), zap.String("txn", m.TransactionID))
		p.metrics.Violation(ctx, "unexpected_kind")
	}
	return err
}

// Serve receives envelopes from tr until ctx is done or tr is closed.
func (p *Participant) Serve(ctx context.Context, tr transport.Transport) error {
	p.mu.Lock()
	recovered := p.recovered
	p.mu.Unlock()
	if !recovered {
		return ErrNotRecovered
	}
	for {
		env, err := tr.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		if env.From != p.cfg.CoordinatorID {
			p.logger.Warn("envelope from unexpected sender dropped", zap.String("from", env.From), zap.String("envelope", env.ID))
			p.metrics.Violation(ctx, "unexpected_sender")
			continue
		}
		if err := p.Handle(ctx, env.Payload); err != nil {
			return fmt.Errorf("participant %s: %w", p.cfg.NodeID, err)
		}
	}
}

// Locked returns a copy of the lock table.
func (p *Participant) Locked() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]string, len(p.locks))
	for txn, rs := range p.locks {
		out[txn] = append([]string(nil), rs...)
	}
	return out
}

// Consumed returns the resources deleted by committed transactions, sorted.
func (p *Participant) Consumed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.consumed))
	for r := range p.consumed {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
