package wal

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldSeparator delimits the fields of one log line.
const FieldSeparator = ";"

// RecordType identifies what a log line records. The string value is the
// first field of the line.
type RecordType string

const (
	RecordIntent   RecordType = "INTENT"   // coordinator: transaction id + full source list
	RecordDecision RecordType = "DECISION" // both roles: transaction id + outcome
	RecordApplied  RecordType = "APPLIED"  // coordinator: every participant acknowledged
	RecordVote     RecordType = "VOTE"     // participant: outcome + transaction id + resources
)

// Role selects the line layout. Coordinator and participant logs share
// record names but order their fields differently.
type Role int

const (
	RoleCoordinator Role = iota
	RoleParticipant
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleParticipant:
		return "participant"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Record is one durable fact of the commit protocol.
type Record struct {
	Type    RecordType
	TxnID   string
	Outcome bool     // DECISION and VOTE
	Items   []string // INTENT: sources, VOTE: resources
}

// Intent builds the coordinator's intent-to-commit record.
func Intent(txnID string, sources []string) Record {
	return Record{Type: RecordIntent, TxnID: txnID, Items: sources}
}

// Decision builds a decision record for either role.
func Decision(txnID string, outcome bool) Record {
	return Record{Type: RecordDecision, TxnID: txnID, Outcome: outcome}
}

// Applied builds the coordinator's completion record.
func Applied(txnID string) Record {
	return Record{Type: RecordApplied, TxnID: txnID}
}

// Vote builds the participant's vote record.
func Vote(txnID string, outcome bool, resources []string) Record {
	return Record{Type: RecordVote, TxnID: txnID, Outcome: outcome, Items: resources}
}

// ValidField reports whether s can be stored as a single log field.
func ValidField(s string) bool {
	return s != "" && !strings.ContainsAny(s, FieldSeparator+"\r\n")
}

// Encode renders rec as a single line (without the trailing newline)
// in the layout of role r.
func (r Role) Encode(rec Record) (string, error) {
	var fields []string
	switch {
	case r == RoleCoordinator && rec.Type == RecordIntent:
		fields = append([]string{string(rec.Type), rec.TxnID}, rec.Items...)
	case r == RoleCoordinator && rec.Type == RecordDecision:
		fields = []string{string(rec.Type), rec.TxnID, strconv.FormatBool(rec.Outcome)}
	case r == RoleCoordinator && rec.Type == RecordApplied:
		fields = []string{string(rec.Type), rec.TxnID}
	case r == RoleParticipant && rec.Type == RecordVote:
		fields = append([]string{string(rec.Type), strconv.FormatBool(rec.Outcome), rec.TxnID}, rec.Items...)
	case r == RoleParticipant && rec.Type == RecordDecision:
		fields = []string{string(rec.Type), strconv.FormatBool(rec.Outcome), rec.TxnID}
	default:
		return "", fmt.Errorf("%w: %s record not valid in %s log", ErrInvalidField, rec.Type, r)
	}
	for _, f := range fields {
		if !ValidField(f) {
			return "", fmt.Errorf("%w: %q", ErrInvalidField, f)
		}
	}
	return strings.Join(fields, FieldSeparator), nil
}

// Decode parses a line produced by Encode for the same role.
func (r Role) Decode(line string) (Record, error) {
	fields := strings.Split(line, FieldSeparator)
	if len(fields) < 2 {
		return Record{}, fmt.Errorf("%w: %q", ErrCorruptRecord, line)
	}
	typ := RecordType(fields[0])
	switch {
	case r == RoleCoordinator && typ == RecordIntent:
		return Record{Type: typ, TxnID: fields[1], Items: copyItems(fields[2:])}, nil
	case r == RoleCoordinator && typ == RecordDecision && len(fields) == 3:
		outcome, err := strconv.ParseBool(fields[2])
		if err != nil {
			return Record{}, fmt.Errorf("%w: %q: %v", ErrCorruptRecord, line, err)
		}
		return Record{Type: typ, TxnID: fields[1], Outcome: outcome}, nil
	case r == RoleCoordinator && typ == RecordApplied && len(fields) == 2:
		return Record{Type: typ, TxnID: fields[1]}, nil
	case r == RoleParticipant && (typ == RecordVote || typ == RecordDecision) && len(fields) >= 3:
		outcome, err := strconv.ParseBool(fields[1])
		if err != nil {
			return Record{}, fmt.Errorf("%w: %q: %v", ErrCorruptRecord, line, err)
		}
		rec := Record{Type: typ, TxnID: fields[2], Outcome: outcome}
		if typ == RecordVote {
			rec.Items = copyItems(fields[3:])
		} else if len(fields) != 3 {
			return Record{}, fmt.Errorf("%w: %q", ErrCorruptRecord, line)
		}
		return rec, nil
	}
	return Record{}, fmt.Errorf("%w: unexpected %s line %q", ErrCorruptRecord, r, line)
}

func copyItems(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, len(items))
	copy(out, items)
	return out
}
