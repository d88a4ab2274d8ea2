package transaction

import "fmt"

// Phase is the coordinator-side state of a transaction.
type Phase int

const (
	PhaseGathering    Phase = iota // vote requests sent, collecting votes
	PhaseDeciding                  // outcome fixed, decision being made durable
	PhaseDistributing              // decision sent, collecting acks
	PhaseDone                      // every participant acknowledged
)

func (p Phase) String() string {
	switch p {
	case PhaseGathering:
		return "gathering"
	case PhaseDeciding:
		return "deciding"
	case PhaseDistributing:
		return "distributing"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(text []byte) error {
	for c := PhaseGathering; c <= PhaseDone; c++ {
		if c.String() == string(text) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Outcome is the tri-state decision of a transaction.
type Outcome int

const (
	OutcomeUndecided Outcome = iota
	OutcomeCommit
	OutcomeAbort
)

// OutcomeOf maps a logged or transmitted boolean decision.
func OutcomeOf(commit bool) Outcome {
	if commit {
		return OutcomeCommit
	}
	return OutcomeAbort
}

func (o Outcome) String() string {
	switch o {
	case OutcomeUndecided:
		return "undecided"
	case OutcomeCommit:
		return "commit"
	case OutcomeAbort:
		return "abort"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(text []byte) error {
	for c := OutcomeUndecided; c <= OutcomeAbort; c++ {
		if c.String() == string(text) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// Snapshot is a point-in-time copy of a transaction's state.
type Snapshot struct {
	Name         string          `json:"name"`
	Phase        Phase           `json:"phase"`
	Outcome      Outcome         `json:"outcome"`
	Participants []string        `json:"participants"`
	Votes        map[string]bool `json:"votes"`
	Acked        []string        `json:"acked"`
}
