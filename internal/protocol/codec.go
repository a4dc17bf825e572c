package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sogaiu/bupstash/internal/fault"
)

// Frame layout: type(1) | length(4, big endian) | msgpack payload.
const (
	frameHeader = 5
	// MaxFrameSize bounds a payload; a full-size chunk plus overhead fits.
	MaxFrameSize = 64 * 1024 * 1024
)

// ErrFrameTooLarge is returned for frames over MaxFrameSize.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes: %w", MaxFrameSize, fault.ErrInvalid)

// WriteFrame encodes v and writes it as one frame.
func WriteFrame(w io.Writer, t MsgType, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", t, err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [frameHeader]byte
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one frame. A clean end of stream before the header is
// reported as io.EOF.
func ReadFrame(r io.Reader) (MsgType, []byte, error) {
	var hdr [frameHeader]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return MsgType(hdr[0]), payload, nil
}

// Decode unpacks a frame payload into v.
func Decode(t MsgType, payload []byte, v any) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s: %v: %w", t, err, fault.ErrInvalid)
	}
	return nil
}
