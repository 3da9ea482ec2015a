// Package codec provides the length-prefixed framing used on the proxy's
// command socket and small helpers to encode and decode the protobuf
// messages carried in those frames.
//
// # Framing
//
// Every message on the socket is one frame: an 8-byte little-endian length
// followed by the protobuf payload. The length counts the whole frame,
// header included.
//
//	+-------------------------+------------------------------+
//	| len+8 (uint64le)        | protobuf payload (len bytes) |
//	+-------------------------+------------------------------+
//
// [WriteFrame] emits header and payload with a single Write so that two
// frames never interleave on the wire. [ReadFrame] refuses frames larger than
// the caller's limit before allocating the payload buffer.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size in bytes of the frame length prefix.
const HeaderSize = 8

// DefaultMaxFrameSize bounds a single frame, header included, when the
// caller does not supply its own limit.
const DefaultMaxFrameSize = 2_000_000

var (
	// ErrFrameTooLarge is returned by [ReadFrame] and [WriteFrame] when the
	// frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")
	// ErrShortFrame is returned by [ReadFrame] when the announced length is
	// smaller than the header itself.
	ErrShortFrame = errors.New("codec: frame shorter than its header")
)

// Marshaler is a message that can append its protobuf encoding to a buffer.
type Marshaler interface {
	AppendProto(b []byte) []byte
}

// Unmarshaler is a message that can decode itself from a protobuf payload.
type Unmarshaler interface {
	UnmarshalProto(b []byte) error
}

// WriteFrame encodes m and writes it to w as a single frame. A maxSize of
// zero selects [DefaultMaxFrameSize].
func WriteFrame(w io.Writer, m Marshaler, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	frame := m.AppendProto(make([]byte, HeaderSize, 256))
	if len(frame) > maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(frame), maxSize)
	}
	binary.LittleEndian.PutUint64(frame[:HeaderSize], uint64(len(frame)))

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("codec: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r and decodes its payload into m. A
// maxSize of zero selects [DefaultMaxFrameSize].
//
// Errors from r are returned wrapped, so callers can still match
// [io.EOF] or [os.ErrDeadlineExceeded] with errors.Is.
func ReadFrame(r io.Reader, m Unmarshaler, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("codec: read frame header: %w", err)
	}

	size := binary.LittleEndian.Uint64(header[:])
	switch {
	case size < HeaderSize:
		return fmt.Errorf("%w: length %d", ErrShortFrame, size)
	case size > uint64(maxSize):
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, maxSize)
	}

	payload := make([]byte, size-HeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("codec: read frame payload: %w", err)
	}

	if err := m.UnmarshalProto(payload); err != nil {
		return fmt.Errorf("codec: decode frame: %w", err)
	}
	return nil
}
