package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes bounds a single frame; collages travel inside
// VoteRequests, so the limit is generous.
const DefaultMaxFrameBytes = 64 << 20

// WriteFrame writes payload as [4B big-endian length][payload].
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame written by WriteFrame. It returns io.EOF only
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxBytes > 0 && int64(n) > int64(maxBytes) {
		return nil, fmt.Errorf("frame size %d exceeds max %d", n, maxBytes)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
