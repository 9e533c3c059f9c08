// Package wsframe implements the subset of RFC 6455 framing that the game
// needs: single-frame text messages plus ping/pong/close control frames.
// Decode works on an accumulating byte buffer and never does I/O, which makes
// it trivial to drive from a connection's read loop (and to test).
package wsframe

import (
	"errors"
	"fmt"

	"github.com/blukai/stabparty/internal/byteorder"
)

const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpBinary       byte = 0x2
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

// MaxPayloadSize caps a single frame's declared payload. a phone controller
// sends tiny json messages; anything near this limit is a broken or hostile
// client and the connection must be dropped before buffering the payload.
const MaxPayloadSize = 1_000_000

// ErrNeedMoreData means the buffer does not yet hold a complete frame. not a
// failure; keep reading.
var ErrNeedMoreData = errors.New("need more data")

// ErrPayloadTooBig means the frame header declared a payload larger than
// MaxPayloadSize. the connection must be closed.
var ErrPayloadTooBig = errors.New("payload too big")

type Frame struct {
	Fin     bool
	Opcode  byte
	Payload []byte
}

// Decode parses one frame from the front of buf. It returns the frame and the
// number of bytes consumed, ErrNeedMoreData when buf is incomplete, or
// ErrPayloadTooBig when the declared length exceeds MaxPayloadSize (checked
// from the header alone, before any payload bytes are required).
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrNeedMoreData
	}

	fin := buf[0]&0x80 != 0
	opcode := buf[0] & 0x0f
	masked := buf[1]&0x80 != 0
	length := uint64(buf[1] & 0x7f)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return Frame{}, 0, ErrNeedMoreData
		}
		length = uint64(byteorder.Ntohs(buf[offset : offset+2]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return Frame{}, 0, ErrNeedMoreData
		}
		length = byteorder.Ntohll(buf[offset : offset+8])
		offset += 8
	}

	if length > MaxPayloadSize {
		return Frame{}, 0, fmt.Errorf("%w (declared %d)", ErrPayloadTooBig, length)
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return Frame{}, 0, ErrNeedMoreData
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	if uint64(len(buf)-offset) < length {
		return Frame{}, 0, ErrNeedMoreData
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:offset+int(length)])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return Frame{
		Fin:     fin,
		Opcode:  opcode,
		Payload: payload,
	}, offset + int(length), nil
}

// Encode builds a single unfragmented server-to-client frame. server frames
// are never masked (rfc 6455 assigns masking to the client role).
func Encode(opcode byte, payload []byte) []byte {
	var header []byte

	b0 := 0x80 | (opcode & 0x0f)
	switch n := len(payload); {
	case n < 126:
		header = []byte{b0, byte(n)}
	case n < 65536:
		header = append([]byte{b0, 126}, byteorder.Htons(uint16(n))...)
	default:
		header = append([]byte{b0, 127}, byteorder.Htonll(uint64(n))...)
	}

	return append(header, payload...)
}
