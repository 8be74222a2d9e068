package wire_test

import (
	"testing"

	"github.com/srg/bleproxy/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrameLayout(t *testing.T) {
	// Length must count payload bytes only, not the message-type varint.
	frame := wire.EncodeFrame(7, []byte{0xAA, 0xBB, 0xCC})
	assert.Equal(t, []byte{0x00, 0x03, 0x07, 0xAA, 0xBB, 0xCC}, frame)

	// Empty payload.
	assert.Equal(t, []byte{0x00, 0x00, 0x08}, wire.EncodeFrame(8, nil))

	// Message type above 127 takes a multi-byte varint; length stays 1.
	frame = wire.EncodeFrame(200, []byte{0x01})
	assert.Equal(t, []byte{0x00, 0x01, 0xC8, 0x01, 0x01}, frame)
}

func TestDecoderRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType uint64
		payload []byte
	}{
		{"empty payload", 11, nil},
		{"small payload", 1, []byte("hello")},
		{"large type", 126, []byte{0x01, 0x02}},
		{"payload above 127 bytes", 67, make([]byte, 300)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dec wire.Decoder
			dec.Feed(wire.EncodeFrame(tt.msgType, tt.payload))

			frame, ok, err := dec.Next()
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.msgType, frame.Type)
			assert.Equal(t, len(tt.payload), len(frame.Payload))
			assert.Zero(t, dec.Buffered(), "full frame must be consumed")
		})
	}
}

func TestDecoderIncrementalFeed(t *testing.T) {
	full := wire.EncodeFrame(67, []byte{1, 2, 3, 4, 5})

	var dec wire.Decoder
	for i, b := range full {
		dec.Feed([]byte{b})
		frame, ok, err := dec.Next()
		require.NoError(t, err)
		if i < len(full)-1 {
			require.False(t, ok, "frame complete after %d of %d bytes", i+1, len(full))
			// Nothing consumed while incomplete.
			assert.Equal(t, i+1, dec.Buffered())
		} else {
			require.True(t, ok)
			assert.Equal(t, uint64(67), frame.Type)
			assert.Equal(t, []byte{1, 2, 3, 4, 5}, frame.Payload)
		}
	}
}

func TestDecoderMultipleFramesInOneFeed(t *testing.T) {
	var dec wire.Decoder
	dec.Feed(append(wire.EncodeFrame(1, []byte("a")), wire.EncodeFrame(2, []byte("bc"))...))

	f1, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f1.Type)

	f2, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), f2.Type)
	assert.Equal(t, []byte("bc"), f2.Payload)

	_, ok, err = dec.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecoderBadPreamble(t *testing.T) {
	var dec wire.Decoder
	dec.Feed([]byte{0x01, 0x00, 0x01})

	_, _, err := dec.Next()
	assert.ErrorIs(t, err, wire.ErrBadPreamble)
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	var dec wire.Decoder
	// Declared length of 1 MiB.
	dec.Feed([]byte{0x00, 0x80, 0x80, 0x40, 0x01})

	_, _, err := dec.Next()
	assert.ErrorIs(t, err, wire.ErrFrameTooLarge)
}

// A server that counts the message-type varint in the length field is
// non-compliant: its frames carry one trailing garbage byte per message.
func TestDecoderRejectsLengthIncludingTypeVarint(t *testing.T) {
	payload := []byte{0xAA, 0xBB}
	bad := []byte{0x00, byte(len(payload) + 1), 0x07}
	bad = append(bad, payload...)

	var dec wire.Decoder
	dec.Feed(bad)
	dec.Feed(wire.EncodeFrame(8, []byte{0x05}))

	frame, ok, err := dec.Next()
	require.NoError(t, err)
	require.True(t, ok)
	// The miscounted frame swallows the next frame's preamble into its
	// payload, desynchronizing the stream.
	assert.Equal(t, []byte{0xAA, 0xBB, 0x00}, frame.Payload)

	_, _, err = dec.Next()
	assert.ErrorIs(t, err, wire.ErrBadPreamble,
		"stream after a miscounted frame must fail to parse")
}
