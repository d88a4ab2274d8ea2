package message

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope is what travels over a network transport: one encoded Message
// plus routing data. ID is unique per Send call, so a duplicate delivery of
// the same envelope can be told apart from a retransmission in the logs.
type Envelope struct {
	ID      string
	From    string
	To      string
	Payload []byte
}

// NewEnvelope wraps payload with a fresh ID.
func NewEnvelope(from, to string, payload []byte) Envelope {
	return Envelope{ID: uuid.NewString(), From: from, To: to, Payload: payload}
}

const (
	envFieldID      protowire.Number = 1
	envFieldFrom    protowire.Number = 2
	envFieldTo      protowire.Number = 3
	envFieldPayload protowire.Number = 4
)

// EncodeEnvelope serializes e.
func EncodeEnvelope(e Envelope) []byte {
	var b []byte
	b = protowire.AppendTag(b, envFieldID, protowire.BytesType)
	b = protowire.AppendString(b, e.ID)
	b = protowire.AppendTag(b, envFieldFrom, protowire.BytesType)
	b = protowire.AppendString(b, e.From)
	b = protowire.AppendTag(b, envFieldTo, protowire.BytesType)
	b = protowire.AppendString(b, e.To)
	b = protowire.AppendTag(b, envFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// DecodeEnvelope parses bytes produced by EncodeEnvelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: envelope field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		switch num {
		case envFieldID:
			e.ID = string(v)
		case envFieldFrom:
			e.From = string(v)
		case envFieldTo:
			e.To = string(v)
		case envFieldPayload:
			e.Payload = append([]byte(nil), v...)
		}
		b = b[n:]
	}
	return e, nil
}
