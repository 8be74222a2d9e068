// Package wire implements the plaintext native API framing and the message
// payload codecs. A frame is a 0x00 preamble byte, a varuint payload length,
// a varuint message type, then the payload. The length counts payload bytes
// only; the type varint is not included.
package wire

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// framePreamble marks the start of every plaintext frame.
	framePreamble = 0x00

	// MaxPayloadSize bounds a single frame payload. Anything larger is a
	// protocol violation rather than a legitimate message.
	MaxPayloadSize = 65536
)

var (
	// ErrBadPreamble indicates the stream is not positioned at a frame start.
	ErrBadPreamble = errors.New("wire: bad frame preamble")

	// ErrFrameTooLarge indicates a declared payload length above MaxPayloadSize.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Frame is one decoded wire message.
type Frame struct {
	Type    uint64
	Payload []byte
}

// EncodeFrame serializes one message into frame bytes.
func EncodeFrame(msgType uint64, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+6)
	buf = append(buf, framePreamble)
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	buf = protowire.AppendVarint(buf, msgType)
	return append(buf, payload...)
}

// Decoder is a resumable frame parser. Callers append raw stream bytes with
// Feed and drain complete frames with Next; partial input is left buffered
// untouched until more bytes arrive.
type Decoder struct {
	buf []byte
}

// Feed appends raw bytes received from the transport.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes awaiting a complete frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete frame. ok is false when the buffer does not
// yet hold a full frame; in that case nothing is consumed. A non-nil error
// means the stream is corrupt and the connection should be dropped.
func (d *Decoder) Next() (frame Frame, ok bool, err error) {
	if len(d.buf) == 0 {
		return Frame{}, false, nil
	}
	if d.buf[0] != framePreamble {
		return Frame{}, false, fmt.Errorf("%w: 0x%02x", ErrBadPreamble, d.buf[0])
	}

	pos := 1
	length, n, err := d.varint(pos)
	if err != nil || n == 0 {
		return Frame{}, false, err
	}
	pos += n

	if length > MaxPayloadSize {
		return Frame{}, false, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	msgType, n, err := d.varint(pos)
	if err != nil || n == 0 {
		return Frame{}, false, err
	}
	pos += n

	end := pos + int(length)
	if len(d.buf) < end {
		return Frame{}, false, nil
	}

	payload := make([]byte, length)
	copy(payload, d.buf[pos:end])
	d.buf = d.buf[end:]

	return Frame{Type: msgType, Payload: payload}, true, nil
}

// varint parses one varuint at the given offset. n == 0 with a nil error
// means the buffer is truncated mid-varint.
func (d *Decoder) varint(pos int) (v uint64, n int, err error) {
	if pos >= len(d.buf) {
		return 0, 0, nil
	}
	v, n = protowire.ConsumeVarint(d.buf[pos:])
	if n < 0 {
		perr := protowire.ParseError(n)
		if errors.Is(perr, io.ErrUnexpectedEOF) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("wire: malformed varint: %w", perr)
	}
	return v, n, nil
}
