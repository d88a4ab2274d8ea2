// Package message defines the four protocol messages exchanged between the
// coordinator and user nodes, and their protobuf wire encoding.
package message

import (
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode for payloads that are not a valid message.
var ErrMalformed = errors.New("malformed message")

// Kind tags a Message.
type Kind int32

const (
	KindVoteRequest Kind = iota + 1 // coordinator -> participant
	KindVoteReply                   // participant -> coordinator
	KindDecision                    // coordinator -> participant
	KindAck                         // participant -> coordinator
)

func (k Kind) String() string {
	switch k {
	case KindVoteRequest:
		return "VoteRequest"
	case KindVoteReply:
		return "VoteReply"
	case KindDecision:
		return "Decision"
	case KindAck:
		return "Ack"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// Message is a single protocol message. Every message names exactly one
// transaction and exactly one participant (the destination for
// coordinator-sent kinds, the sender for participant-sent kinds).
type Message struct {
	Kind          Kind
	TransactionID string
	Participant   string
	Artifact      []byte   // VoteRequest only
	Resources     []string // VoteRequest only, ordered
	Approve       bool     // VoteReply: the vote; Decision/Ack: the outcome
}

// VoteRequest asks participant to vote on artifact built from resources.
func VoteRequest(txnID, participant string, artifact []byte, resources []string) Message {
	return Message{Kind: KindVoteRequest, TransactionID: txnID, Participant: participant, Artifact: artifact, Resources: resources}
}

// VoteReply carries participant's vote.
func VoteReply(txnID, participant string, approve bool) Message {
	return Message{Kind: KindVoteReply, TransactionID: txnID, Participant: participant, Approve: approve}
}

// Decision carries the coordinator's outcome to participant.
func Decision(txnID, participant string, outcome bool) Message {
	return Message{Kind: KindDecision, TransactionID: txnID, Participant: participant, Approve: outcome}
}

// Ack confirms that participant applied outcome.
func Ack(txnID, participant string, outcome bool) Message {
	return Message{Kind: KindAck, TransactionID: txnID, Participant: participant, Approve: outcome}
}

// Validate checks the structural invariants of m.
func (m Message) Validate() error {
	if m.Kind < KindVoteRequest || m.Kind > KindAck {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, int32(m.Kind))
	}
	if m.TransactionID == "" {
		return fmt.Errorf("%w: %s without transaction id", ErrMalformed, m.Kind)
	}
	if m.Participant == "" {
		return fmt.Errorf("%w: %s without participant", ErrMalformed, m.Kind)
	}
	return nil
}
