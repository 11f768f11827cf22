package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxFrameSize bounds a single frame body.
	DefaultMaxFrameSize uint32 = 10 << 20
	// DefaultMaxReplyFrameSize bounds frames sent from server to client,
	// which carry whole markets.
	DefaultMaxReplyFrameSize uint32 = 1 << 30
)

var ErrMalformedFrame = errors.New("malformed frame")

// WriteFrame writes a 4-byte big-endian length followed by payload.
func WriteFrame(w io.Writer, payload []byte, max uint32) error {
	if len(payload) == 0 || uint64(len(payload)) > uint64(max) {
		return fmt.Errorf("%w: outgoing length %d", ErrMalformedFrame, len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one frame. A zero or oversized length, or a body cut
// short by EOF, is reported as ErrMalformedFrame. A clean EOF before the
// header returns io.EOF.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > max {
		return nil, fmt.Errorf("%w: length %d outside (0, %d]", ErrMalformedFrame, n, max)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated body (%d bytes expected)", ErrMalformedFrame, n)
		}
		return nil, err
	}
	return body, nil
}
