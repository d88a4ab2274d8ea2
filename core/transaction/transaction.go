// Package transaction implements the coordinator side of one collage commit.
// Each Transaction is an actor: a single goroutine owns its state and
// processes votes, acks and timer firings from one inbox, so no two handlers
// ever run concurrently for the same transaction.
package transaction

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/message"
	"github.com/sushant-115/collagecommit/core/storage"
	"github.com/sushant-115/collagecommit/core/transport"
	"github.com/sushant-115/collagecommit/core/wal"
	internaltelemetry "github.com/sushant-115/collagecommit/internal/telemetry"
)

// DefaultTimeout is used for both timers when Env leaves them unset.
const DefaultTimeout = 3 * time.Second

// FatalFunc halts the process after a durability failure.
type FatalFunc func(msg string, fields ...zap.Field)

// Env is what a Transaction needs from its coordinator.
type Env struct {
	Log       wal.Log
	Sender    transport.Sender
	Artifacts storage.ArtifactStore

	VoteTimeout time.Duration
	AckTimeout  time.Duration

	Logger  *zap.Logger
	Metrics *internaltelemetry.CommitMetrics
	// Fatal defaults to Logger.Fatal.
	Fatal FatalFunc
	// OnDone is called from the transaction goroutine once every
	// participant has acknowledged and APPLIED is logged.
	OnDone func(name string)
}

type eventKind int

const (
	evStart eventKind = iota
	evVoteReply
	evAck
	evVoteTimeout
	evAckTimeout
	evRestore
	evResume
	evSnapshot
)

type event struct {
	kind        eventKind
	participant string
	approve     bool
	outcome     Outcome
	reply       chan Snapshot
}

// Transaction is the coordinator state machine for one artifact.
type Transaction struct {
	name         string
	artifact     []byte
	participants []string
	resources    map[string][]string
	env          Env
	logger       *zap.Logger

	inbox    chan event
	outbox   chan []message.Message
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	final    Snapshot

	// Owned by the run goroutine.
	phase     Phase
	outcome   Outcome
	votes     map[string]bool
	acks      map[string]bool
	started   bool
	startedAt time.Time
	voteTimer *recurring
	ackTimer  *recurring
}

// New builds a transaction in PhaseGathering and starts its goroutine. The
// participant set is fixed here. Nothing is sent until Start or Resume.
func New(name string, artifact []byte, sources []Source, env Env) *Transaction {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Metrics == nil {
		env.Metrics = internaltelemetry.NopCommitMetrics()
	}
	if env.VoteTimeout <= 0 {
		env.VoteTimeout = DefaultTimeout
	}
	if env.AckTimeout <= 0 {
		env.AckTimeout = DefaultTimeout
	}
	if env.Fatal == nil {
		env.Fatal = env.Logger.Fatal
	}
	participants, resources := groupSources(sources)
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transaction{
		name:         name,
		artifact:     artifact,
		participants: participants,
		resources:    resources,
		env:          env,
		logger:       env.Logger.With(zap.String("txn", name)),
		inbox:        make(chan event, 64),
		outbox:       make(chan []message.Message, 64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		phase:        PhaseGathering,
		votes:        make(map[string]bool, len(participants)),
		acks:         make(map[string]bool, len(participants)),
	}
	go t.run()
	go t.deliver()
	return t
}

// Name is the artifact name identifying the transaction.
func (t *Transaction) Name() string { return t.name }

// Participants in order of first appearance in the sources.
func (t *Transaction) Participants() []string {
	return append([]string(nil), t.participants...)
}

// Start sends a VoteRequest to every participant and arms the vote timer.
func (t *Transaction) Start() { t.post(event{kind: evStart}) }

// Restore applies a replayed DECISION record.
func (t *Transaction) Restore(outcome Outcome) { t.post(event{kind: evRestore, outcome: outcome}) }

// Resume drives a recovered transaction forward: one still gathering votes
// is aborted, a decided one redistributes its decision.
func (t *Transaction) Resume() { t.post(event{kind: evResume}) }

// VoteReply delivers a participant's vote.
func (t *Transaction) VoteReply(participant string, approve bool) {
	t.post(event{kind: evVoteReply, participant: participant, approve: approve})
}

// Ack delivers a participant's acknowledgment of the decision.
func (t *Transaction) Ack(participant string) {
	t.post(event{kind: evAck, participant: participant})
}

// Snapshot returns a copy of the current state.
func (t *Transaction) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !t.post(event{kind: evSnapshot, reply: reply}) {
		<-t.done
		return t.final
	}
	select {
	case s := <-reply:
		return s
	case <-t.done:
		return t.final
	}
}

// Done is closed when the transaction goroutine has exited.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// Stop cancels the timers and terminates the goroutine without changing any
// durable state. It is used on coordinator shutdown.
func (t *Transaction) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Transaction) post(ev event) bool {
	select {
	case t.inbox <- ev:
		return true
	case <-t.done:
		return false
	case <-t.stop:
		return false
	}
}

func (t *Transaction) run() {
	defer func() {
		t.voteTimer.Stop()
		t.ackTimer.Stop()
		t.cancel()
		t.final = t.snapshot()
		close(t.done)
	}()
	for {
		select {
		case <-t.stop:
			return
		case ev := <-t.inbox:
			if !t.handle(ev) {
				return
			}
		}
	}
}

// handle returns false when the goroutine should exit.
func (t *Transaction) handle(ev event) bool {
	switch ev.kind {
	case evStart:
		return t.onStart()
	case evVoteReply:
		return t.onVoteReply(ev.participant, ev.approve)
	case evAck:
		return t.onAck(ev.participant)
	case evVoteTimeout:
		if t.phase != PhaseGathering {
			return true
		}
		t.logger.Info("vote timeout, aborting", zap.Int("votes", len(t.votes)), zap.Int("participants", len(t.participants)))
		return t.decide(false)
	case evAckTimeout:
		if t.phase != PhaseDistributing {
			return true
		}
		pending := t.unacked()
		t.logger.Debug("ack timeout, resending decision", zap.Strings("pending", pending))
		t.env.Metrics.DecisionsRetransmitted.Add(t.ctx, int64(len(pending)))
		t.sendDecision(pending)
		return true
	case evRestore:
		if t.phase != PhaseGathering || ev.outcome == OutcomeUndecided {
			return true
		}
		t.outcome = ev.outcome
		t.phase = PhaseDeciding
		return true
	case evResume:
		return t.onResume()
	case evSnapshot:
		ev.reply <- t.snapshot()
		return true
	}
	return true
}

func (t *Transaction) onStart() bool {
	if t.started || t.phase != PhaseGathering {
		return true
	}
	t.started = true
	t.startedAt = time.Now()
	msgs := make([]message.Message, 0, len(t.participants))
	for _, p := range t.participants {
		msgs = append(msgs, message.VoteRequest(t.name, p, t.artifact, t.resources[p]))
	}
	t.logger.Info("requesting votes", zap.Strings("participants", t.participants))
	t.send(msgs)
	t.voteTimer = every(t.env.VoteTimeout, t.stop, func() { t.post(event{kind: evVoteTimeout}) })
	return true
}

func (t *Transaction) onVoteReply(participant string, approve bool) bool {
	if _, ok := t.resources[participant]; !ok {
		t.logger.Warn("vote from unknown participant", zap.String("participant", participant))
		t.env.Metrics.Violation(t.ctx, "unknown_participant")
		return true
	}
	if t.phase != PhaseGathering {
		t.logger.Debug("late vote ignored", zap.String("participant", participant), zap.Stringer("phase", t.phase))
		return true
	}
	t.votes[participant] = approve
	if !approve {
		t.logger.Info("participant refused", zap.String("participant", participant))
		return t.decide(false)
	}
	for _, p := range t.participants {
		if !t.votes[p] {
			return true
		}
	}
	return t.decide(true)
}

// decide fixes the outcome, makes it durable and distributes it. A commit
// persists the artifact first; if that fails the transaction aborts.
func (t *Transaction) decide(commit bool) bool {
	t.phase = PhaseDeciding
	t.voteTimer.Stop()
	if commit {
		if err := t.env.Artifacts.Persist(t.name, t.artifact); err != nil {
			t.logger.Error("artifact write failed, aborting", zap.Error(err))
			commit = false
		}
	}
	t.outcome = OutcomeOf(commit)
	if err := t.env.Log.Append(wal.Decision(t.name, commit)); err != nil {
		t.env.Fatal("failed to log decision", zap.String("txn", t.name), zap.Error(err))
		return false
	}
	t.env.Metrics.Decided(t.ctx, commit, t.startedAt)
	t.logger.Info("decided", zap.Stringer("outcome", t.outcome))
	return t.distribute()
}

func (t *Transaction) distribute() bool {
	t.phase = PhaseDistributing
	t.sendDecision(t.unacked())
	if t.ackTimer == nil {
		t.ackTimer = every(t.env.AckTimeout, t.stop, func() { t.post(event{kind: evAckTimeout}) })
	}
	return true
}

func (t *Transaction) onAck(participant string) bool {
	if _, ok := t.resources[participant]; !ok {
		t.logger.Warn("ack from unknown participant", zap.String("participant", participant))
		t.env.Metrics.Violation(t.ctx, "unknown_participant")
		return true
	}
	if t.phase != PhaseDistributing {
		t.logger.Debug("ack before decision ignored", zap.String("participant", participant), zap.Stringer("phase", t.phase))
		return true
	}
	t.acks[participant] = true
	if len(t.unacked()) > 0 {
		return true
	}
	if err := t.env.Log.Append(wal.Applied(t.name)); err != nil {
		t.env.Fatal("failed to log applied", zap.String("txn", t.name), zap.Error(err))
		return false
	}
	t.ackTimer.Stop()
	t.phase = PhaseDone
	t.logger.Info("all participants acknowledged", zap.Stringer("outcome", t.outcome))
	if t.env.OnDone != nil {
		t.env.OnDone(t.name)
	}
	return false
}

func (t *Transaction) onResume() bool {
	switch t.phase {
	case PhaseGathering:
		// The artifact bytes were never logged, so the question cannot be
		// asked again. Abort, and undo an artifact written just before a
		// crash that lost the DECISION record.
		t.phase = PhaseDeciding
		t.outcome = OutcomeAbort
		if err := t.env.Artifacts.Remove(t.name); err != nil {
			t.logger.Warn("failed to remove orphaned artifact", zap.Error(err))
		}
		if err := t.env.Log.Append(wal.Decision(t.name, false)); err != nil {
			t.env.Fatal("failed to log decision", zap.String("txn", t.name), zap.Error(err))
			return false
		}
		t.env.Metrics.Decided(t.ctx, false, time.Time{})
		t.logger.Info("recovered undecided transaction, aborting")
		return t.distribute()
	case PhaseDeciding, PhaseDistributing:
		t.logger.Info("recovered decided transaction, redistributing", zap.Stringer("outcome", t.outcome))
		return t.distribute()
	}
	return true
}

func (t *Transaction) unacked() []string {
	pending := make([]string, 0, len(t.participants))
	for _, p := range t.participants {
		if !t.acks[p] {
			pending = append(pending, p)
		}
	}
	return pending
}

func (t *Transaction) sendDecision(participants []string) {
	commit := t.outcome == OutcomeCommit
	msgs := make([]message.Message, 0, len(participants))
	for _, p := range participants {
		msgs = append(msgs, message.Decision(t.name, p, commit))
	}
	t.send(msgs)
}

// send queues msgs for the delivery goroutine, which keeps them in order
// so a decision never overtakes the vote request it answers. A full queue
// drops the batch; the timers cover the loss.
func (t *Transaction) send(msgs []message.Message) {
	if len(msgs) == 0 {
		return
	}
	select {
	case t.outbox <- msgs:
	default:
		t.logger.Warn("outbox full, dropping messages", zap.Int("count", len(msgs)))
	}
}

func (t *Transaction) deliver() {
	for {
		select {
		case <-t.ctx.Done():
			return
		case msgs := <-t.outbox:
			for _, m := range msgs {
				payload, err := message.Encode(m)
				if err != nil {
					t.logger.Error("failed to encode message", zap.Stringer("kind", m.Kind), zap.Error(err))
					continue
				}
				if err := t.env.Sender.Send(t.ctx, m.Participant, payload); err != nil {
					t.logger.Debug("send failed", zap.Stringer("kind", m.Kind), zap.String("to", m.Participant), zap.Error(err))
				}
			}
		}
	}
}

func (t *Transaction) snapshot() Snapshot {
	votes := make(map[string]bool, len(t.votes))
	for p, v := range t.votes {
		votes[p] = v
	}
	acked := make([]string, 0, len(t.acks))
	for _, p := range t.participants {
		if t.acks[p] {
			acked = append(acked, p)
		}
	}
	return Snapshot{
		Name:         t.name,
		Phase:        t.phase,
		Outcome:      t.outcome,
		Participants: append([]string(nil), t.participants...),
		Votes:        votes,
		Acked:        acked,
	}
}
