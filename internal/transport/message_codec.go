package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	frameHeaderSize = 4
	maxFrameMB      = 50
	// MaxFrameSize is the largest payload a frame may announce.
	MaxFrameSize = maxFrameMB * 1024 * 1024
)

const maxUint32 = ^uint32(0)

// ErrFrameTooLarge is returned when a frame announces more than the
// allowed payload. Nothing is allocated for such a frame.
var ErrFrameTooLarge = errors.New("transport: frame too large")

func intLenToUint32( // A
	value int,
) (uint32, error) {
	if value < 0 || uint64(value) > uint64(maxUint32) {
		return 0, fmt.Errorf(
			"length out of uint32 range: %d",
			value,
		)
	}
	// #nosec G115 -- bounds are validated just above.
	return uint32(value), nil
}

// WriteFrame writes payload with length-prefixed framing. Wire format:
// [4B payload length big-endian uint32]
// [N bytes payload]
func WriteFrame( // A
	w io.Writer,
	payload []byte,
) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf(
			"%w: %d bytes exceeds %dMB",
			ErrFrameTooLarge,
			len(payload),
			maxFrameMB,
		)
	}
	payloadLen, err := intLenToUint32(len(payload))
	if err != nil {
		return err
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], payloadLen)
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. The announced length is checked against
// limit (MaxFrameSize when limit <= 0) before the payload buffer is
// allocated.
func ReadFrame( // A
	r io.Reader,
	limit int,
) ([]byte, error) {
	if limit <= 0 || limit > MaxFrameSize {
		limit = MaxFrameSize
	}
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf(
			"read frame header: %w",
			err,
		)
	}
	payloadLen := binary.BigEndian.Uint32(hdr[:])
	if uint64(payloadLen) > uint64(limit) {
		return nil, fmt.Errorf(
			"%w: announced %d bytes, limit %d",
			ErrFrameTooLarge,
			payloadLen,
			limit,
		)
	}
	if payloadLen == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf(
			"read frame payload: %w",
			err,
		)
	}
	return payload, nil
}
