package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge indicates a frame exceeding the channel's capacity.
	ErrFrameTooLarge = errors.New("transport: frame exceeds capacity")
	// ErrEmptyFrame indicates a frame without a message key.
	ErrEmptyFrame = errors.New("transport: empty frame")
)

// WriteFrame writes one length-prefixed frame carrying a message key and its
// payload. The 4-byte big-endian length covers the key byte and the payload.
func WriteFrame(w io.Writer, key byte, payload []byte, capacity int) error {
	if len(payload) > capacity {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(1+len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write([]byte{key}); err != nil {
		return fmt.Errorf("write frame key: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame and splits off the message key.
func ReadFrame(r io.Reader, capacity int) (byte, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return 0, nil, ErrEmptyFrame
	}
	if int(length) > 1+capacity {
		return 0, nil, ErrFrameTooLarge
	}

	frame := make([]byte, int(length))
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}

	return frame[0], frame[1:], nil
}
