// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame model, opcodes and masking.

package protocol

import (
	"crypto/rand"
	"fmt"
)

// Opcode is the 4-bit frame operation code.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Wire constants.
const (
	FinBit  = 0x80
	Rsv1Bit = 0x40
	Rsv2Bit = 0x20
	Rsv3Bit = 0x10
	MaskBit = 0x80

	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // 2 base + 8 extended length + 4 mask key
)

// IsControl reports whether op is close, ping or pong.
func (op Opcode) IsControl() bool { return op&0x8 != 0 }

// IsData reports whether op carries message data.
func (op Opcode) IsData() bool { return op == OpText || op == OpBinary || op == OpContinuation }

// Valid reports whether op is defined by RFC 6455.
func (op Opcode) Valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return fmt.Sprintf("opcode(0x%x)", byte(op))
}

// Frame is one decoded WebSocket frame. Payload is always held unmasked.
type Frame struct {
	Fin    bool
	Rsv1   bool
	Rsv2   bool
	Rsv3   bool
	Opcode Opcode
	Masked bool
	// MaskKey is meaningful only when Masked is set.
	MaskKey [4]byte
	Payload []byte
}

// rsv packs the reserved flags into their header bit positions.
func (f *Frame) rsv() byte {
	var b byte
	if f.Rsv1 {
		b |= Rsv1Bit
	}
	if f.Rsv2 {
		b |= Rsv2Bit
	}
	if f.Rsv3 {
		b |= Rsv3Bit
	}
	return b
}

// NewFrame builds a final, unmasked frame.
func NewFrame(op Opcode, payload []byte) *Frame {
	return &Frame{Fin: true, Opcode: op, Payload: payload}
}

// Mask XORs b in place with key, starting at key offset 0.
// Applying it twice with the same key restores the input.
func Mask(b []byte, key [4]byte) {
	maskAt(b, key, 0)
}

// maskAt masks b as if it started at byte offset pos of a payload and
// returns the offset following b.
func maskAt(b []byte, key [4]byte, pos int) int {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}
	return pos + len(b)
}

// NewMaskKey returns a fresh random masking key.
func NewMaskKey() [4]byte {
	var key [4]byte
	_, _ = rand.Read(key[:])
	return key
}
