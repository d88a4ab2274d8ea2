package participant

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/collagecommit/core/approval"
	"github.com/sushant-115/collagecommit/core/message"
	"github.com/sushant-115/collagecommit/core/storage"
	"github.com/sushant-115/collagecommit/core/wal"
)

// --- Test Helpers ---

type replies struct {
	mu   sync.Mutex
	to   []string
	msgs []message.Message
}

func (r *replies) Send(_ context.Context, to string, payload []byte) error {
	m, err := message.Decode(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.to = append(r.to, to)
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *replies) last(t *testing.T) message.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.msgs)
	return r.msgs[len(r.msgs)-1]
}

func (r *replies) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type countingApprover struct {
	mu     sync.Mutex
	calls  int
	answer bool
}

func (a *countingApprover) Approve(context.Context, []byte, []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return a.answer
}

func (a *countingApprover) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type node struct {
	p        *Participant
	out      *replies
	approver *countingApprover
	logPath  string
	dir      string
}

// newNode starts a participant "alice" whose resource directory holds the
// given files.
func newNode(t *testing.T, files ...string) *node {
	t.Helper()
	dir := t.TempDir()
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte(f), 0644))
	}
	n := &node{
		out:      &replies{},
		approver: &countingApprover{answer: true},
		logPath:  filepath.Join(dir, "alice.log"),
		dir:      dir,
	}
	n.restart(t)
	return n
}

// restart simulates a crash: the in-memory state is discarded and a new
// Participant recovers from the same log and directory.
func (n *node) restart(t *testing.T) {
	t.Helper()
	log, err := wal.NewLogManager(n.logPath, wal.RoleParticipant, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	store, err := storage.NewDirResourceStore(n.dir, nil)
	require.NoError(t, err)

	n.p = New(Config{NodeID: "alice"}, log, n.out, n.approver, store,
		WithFatal(func(msg string, _ ...zap.Field) { t.Errorf("unexpected fatal: %s", msg) }))
	require.NoError(t, n.p.Recover(context.Background()))
}

func (n *node) exists(name string) bool {
	_, err := os.Stat(filepath.Join(n.dir, name))
	return err == nil
}

func (n *node) records(t *testing.T) []string {
	t.Helper()
	raw, err := os.ReadFile(n.logPath)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
}

// --- Test Cases ---

func TestParticipant_VoteYesLocksAndCommitDeletes(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg", "2.jpg")

	vote, err := n.p.HandleVoteRequest(ctx, "c1.jpg", []byte("img"), []string{"1.jpg", "2.jpg"})
	require.NoError(t, err)
	require.Equal(t, Vote{Approve: true, Reason: ReasonApproved}, vote)
	require.Equal(t, message.VoteReply("c1.jpg", "alice", true), n.out.last(t))
	require.Equal(t, "Server", n.out.to[0])
	require.Equal(t, map[string][]string{"c1.jpg": {"1.jpg", "2.jpg"}}, n.p.Locked())

	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", true))
	require.Equal(t, message.Ack("c1.jpg", "alice", true), n.out.last(t))
	require.Empty(t, n.p.Locked())
	require.Equal(t, []string{"1.jpg", "2.jpg"}, n.p.Consumed())
	require.False(t, n.exists("1.jpg"))
	require.False(t, n.exists("2.jpg"))

	require.Equal(t, []string{"VOTE;true;c1.jpg;1.jpg;2.jpg", "DECISION;true;c1.jpg"}, n.records(t))
}

func TestParticipant_AbortReleasesLock(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg")

	_, err := n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", false))
	require.Equal(t, message.Ack("c1.jpg", "alice", false), n.out.last(t))
	require.Empty(t, n.p.Locked())
	require.Empty(t, n.p.Consumed())
	require.True(t, n.exists("1.jpg"))

	// The resource is available again.
	vote, err := n.p.HandleVoteRequest(ctx, "c2.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.True(t, vote.Approve)
}

func TestParticipant_ConflictRejectsWithoutAsking(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg", "2.jpg")

	_, err := n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.Equal(t, 1, n.approver.Calls())

	vote, err := n.p.HandleVoteRequest(ctx, "c2.jpg", nil, []string{"2.jpg", "1.jpg"})
	require.NoError(t, err)
	require.Equal(t, Vote{Approve: false, Reason: ReasonConflict}, vote)
	require.Equal(t, 1, n.approver.Calls())
	require.Equal(t, message.VoteReply("c2.jpg", "alice", false), n.out.last(t))
	// 2.jpg stays free: a no vote reserves nothing.
	require.Equal(t, map[string][]string{"c1.jpg": {"1.jpg"}}, n.p.Locked())

	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", true))
	vote, err = n.p.HandleVoteRequest(ctx, "c3.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.Equal(t, ReasonConsumed, vote.Reason)
	require.False(t, vote.Approve)
}

func TestParticipant_ApproverRejection(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg")
	n.approver.answer = false

	vote, err := n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.Equal(t, Vote{Approve: false, Reason: ReasonRejected}, vote)
	require.Empty(t, n.p.Locked())
	require.Equal(t, []string{"VOTE;false;c1.jpg;1.jpg"}, n.records(t))

	// Decision for a transaction we voted no on: acknowledged, nothing logged.
	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", false))
	require.Equal(t, message.Ack("c1.jpg", "alice", false), n.out.last(t))
	require.Len(t, n.records(t), 1)
}

func TestParticipant_RepeatedMessagesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg")

	_, err := n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	vote, err := n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.Equal(t, Vote{Approve: true, Reason: ReasonRecorded}, vote)
	require.Equal(t, 1, n.approver.Calls())

	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", true))
	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", true))
	vote, err = n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.Equal(t, Vote{Approve: true, Reason: ReasonRecorded}, vote)

	require.Equal(t, []string{"VOTE;true;c1.jpg;1.jpg", "DECISION;true;c1.jpg"}, n.records(t))
	// vote, vote, ack, ack, vote
	require.Equal(t, 5, n.out.count())
	require.Equal(t, message.VoteReply("c1.jpg", "alice", true), n.out.last(t))
}

func TestParticipant_RecoverLockedVote(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg", "2.jpg")
	_, err := n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	n.approver.answer = false
	_, err = n.p.HandleVoteRequest(ctx, "c2.jpg", nil, []string{"2.jpg"})
	require.NoError(t, err)

	n.restart(t)
	require.Equal(t, map[string][]string{"c1.jpg": {"1.jpg"}}, n.p.Locked())

	// The lock survives the crash, and so does the no vote.
	n.approver.answer = true
	vote, err := n.p.HandleVoteRequest(ctx, "c3.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.Equal(t, ReasonConflict, vote.Reason)
	vote, err = n.p.HandleVoteRequest(ctx, "c2.jpg", nil, []string{"2.jpg"})
	require.NoError(t, err)
	require.Equal(t, Vote{Approve: false, Reason: ReasonRecorded}, vote)

	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", true))
	require.False(t, n.exists("1.jpg"))
}

func TestParticipant_RecoverRedoesCommittedDeletion(t *testing.T) {
	n := newNode(t, "1.jpg")
	// Crash after logging the decision but before deleting the file.
	require.NoError(t, os.WriteFile(n.logPath, []byte("VOTE;true;c1.jpg;1.jpg\nDECISION;true;c1.jpg\n"), 0644))

	n.restart(t)
	require.Empty(t, n.p.Locked())
	require.Equal(t, []string{"1.jpg"}, n.p.Consumed())
	require.False(t, n.exists("1.jpg"))

	// A retransmitted decision is only acknowledged.
	require.NoError(t, n.p.HandleDecision(context.Background(), "c1.jpg", true))
	require.Equal(t, message.Ack("c1.jpg", "alice", true), n.out.last(t))
	require.Len(t, n.records(t), 2)
}

func TestParticipant_RequiresRecovery(t *testing.T) {
	log, err := wal.NewLogManager(filepath.Join(t.TempDir(), "bob.log"), wal.RoleParticipant, nil)
	require.NoError(t, err)
	defer log.Close()
	p := New(Config{NodeID: "bob"}, log, &replies{}, approval.Always, nil)

	_, err = p.HandleVoteRequest(context.Background(), "c1.jpg", nil, []string{"1.jpg"})
	require.ErrorIs(t, err, ErrNotRecovered)
	require.ErrorIs(t, p.HandleDecision(context.Background(), "c1.jpg", true), ErrNotRecovered)

	require.NoError(t, p.Recover(context.Background()))
	require.ErrorIs(t, p.Recover(context.Background()), ErrAlreadyRecovered)
}

func TestParticipant_HandleFiltersMessages(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg")

	other, err := message.Encode(message.VoteRequest("c1.jpg", "bob", nil, []string{"1.jpg"}))
	require.NoError(t, err)
	require.NoError(t, n.p.Handle(ctx, other))
	require.NoError(t, n.p.Handle(ctx, []byte{0xff, 0xff}))
	require.Zero(t, n.out.count())

	mine, err := message.Encode(message.VoteRequest("c1.jpg", "alice", nil, []string{"1.jpg"}))
	require.NoError(t, err)
	require.NoError(t, n.p.Handle(ctx, mine))
	require.Equal(t, message.VoteReply("c1.jpg", "alice", true), n.out.last(t))

	decision, err := message.Encode(message.Decision("c1.jpg", "alice", false))
	require.NoError(t, err)
	require.NoError(t, n.p.Handle(ctx, decision))
	require.Equal(t, message.Ack("c1.jpg", "alice", false), n.out.last(t))
}

func TestParticipant_VoteRequestAfterDecisionReservesNothing(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg")

	// The decision overtook the vote request.
	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", false))
	vote, err := n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.Equal(t, Vote{Approve: false, Reason: ReasonDecided}, vote)
	require.Empty(t, n.p.Locked())
	require.Zero(t, n.approver.Calls())

	// A repeated decision is not logged twice.
	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", false))
	require.Equal(t, []string{"DECISION;false;c1.jpg"}, n.records(t))
}

func TestParticipant_VoteRequestAfterDecisionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, "1.jpg")

	require.NoError(t, n.p.HandleDecision(ctx, "c1.jpg", true))
	n.restart(t)

	vote, err := n.p.HandleVoteRequest(ctx, "c1.jpg", nil, []string{"1.jpg"})
	require.NoError(t, err)
	require.Equal(t, Vote{Approve: false, Reason: ReasonDecided}, vote)
	require.Empty(t, n.p.Locked())
	require.Empty(t, n.p.Consumed())
	require.True(t, n.exists("1.jpg"))
	require.Zero(t, n.approver.Calls())
}
