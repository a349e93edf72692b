package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire layout: a 2-byte big-endian length, followed by that many bytes.
// The first 8 of those are the big-endian correlation ID, the rest is
// the payload. The declared length therefore equals 8 + len(payload).
const (
	idSize     = 8
	lengthSize = 2

	// MaxPayload is the largest payload a single frame can carry.
	MaxPayload = 1<<16 - 1 - idSize
)

var (
	// ErrFraming is the class of malformed-frame errors. Both
	// ErrTruncatedFrame and ErrFrameLength match it with errors.Is.
	ErrFraming = errors.New("framing error")

	// ErrTruncatedFrame reports a stream that ended inside a frame.
	ErrTruncatedFrame = fmt.Errorf("%w: stream closed mid-frame", ErrFraming)

	// ErrFrameLength reports a declared length too short to hold the
	// correlation ID.
	ErrFrameLength = fmt.Errorf("%w: declared length shorter than header", ErrFraming)

	// ErrPayloadTooLarge reports a payload that does not fit in the
	// 16-bit length field.
	ErrPayloadTooLarge = errors.New("payload exceeds frame size limit")
)

// Frame is one length-prefixed, ID-tagged unit on the duplex stream.
// Correlation ID 0 is reserved for unsolicited broadcasts.
type Frame struct {
	ID      uint64
	Payload []byte
}

// Encode writes one frame to w. The frame is assembled in a single
// buffer and issued as one Write so concurrent encoders guarded by an
// external lock never interleave partial frames.
func Encode(w io.Writer, id uint64, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	buf := make([]byte, lengthSize+idSize+len(payload))
	binary.BigEndian.PutUint16(buf[:lengthSize], uint16(idSize+len(payload)))
	binary.BigEndian.PutUint64(buf[lengthSize:lengthSize+idSize], id)
	copy(buf[lengthSize+idSize:], payload)
	_, err := w.Write(buf)
	return err
}

// Decode reads exactly one frame from r. A stream that ends cleanly at
// a frame boundary returns io.EOF; one that ends inside a frame returns
// ErrTruncatedFrame. Each call fully resolves one frame or fails; no
// partial state carries over to the next call.
func Decode(r io.Reader) (Frame, error) {
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedFrame
		}
		return Frame{}, err
	}

	length := binary.BigEndian.Uint16(header[:])
	if length < idSize {
		return Frame{}, ErrFrameLength
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedFrame
		}
		return Frame{}, err
	}

	return Frame{
		ID:      binary.BigEndian.Uint64(buf[:idSize]),
		Payload: buf[idSize:],
	}, nil
}
