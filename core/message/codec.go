package message

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Message wire format.
const (
	fieldKind        protowire.Number = 1
	fieldTransaction protowire.Number = 2
	fieldParticipant protowire.Number = 3
	fieldArtifact    protowire.Number = 4
	fieldResource    protowire.Number = 5 // repeated, order preserved
	fieldApprove     protowire.Number = 6
)

// Encode serializes m. Unset optional fields are omitted.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Kind))
	b = protowire.AppendTag(b, fieldTransaction, protowire.BytesType)
	b = protowire.AppendString(b, m.TransactionID)
	b = protowire.AppendTag(b, fieldParticipant, protowire.BytesType)
	b = protowire.AppendString(b, m.Participant)
	if len(m.Artifact) > 0 {
		b = protowire.AppendTag(b, fieldArtifact, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Artifact)
	}
	for _, r := range m.Resources {
		b = protowire.AppendTag(b, fieldResource, protowire.BytesType)
		b = protowire.AppendString(b, r)
	}
	if m.Approve {
		b = protowire.AppendTag(b, fieldApprove, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b, nil
}

// Decode parses a payload produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Kind = Kind(v)
			b = b[n:]
		case num == fieldApprove && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: approve: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Approve = protowire.DecodeBool(v)
			b = b[n:]
		case typ == protowire.BytesType && (num == fieldTransaction || num == fieldParticipant || num == fieldArtifact || num == fieldResource):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			switch num {
			case fieldTransaction:
				m.TransactionID = string(v)
			case fieldParticipant:
				m.Participant = string(v)
			case fieldArtifact:
				m.Artifact = append([]byte(nil), v...)
			case fieldResource:
				m.Resources = append(m.Resources, string(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
