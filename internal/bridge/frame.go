package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize caps one framed message. Submissions are capped well below
// this, so an oversized frame means a corrupt stream, not a big payload.
const MaxFrameSize = 8 << 20

// WriteFrame writes one length-prefixed message: a 4-byte big-endian length
// followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("bridge: frame of %d bytes exceeds limit %d", len(payload), MaxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("bridge: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("bridge: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message. io.EOF at a frame boundary is
// returned as-is so callers can treat a clean stream end distinctly.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("bridge: read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("bridge: frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("bridge: read frame payload: %w", err)
	}
	return payload, nil
}
