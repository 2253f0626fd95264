// File: protocol/assembler.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Payload assembler: turns a per-connection frame sequence into messages.

package protocol

import (
	"sync"
	"unicode/utf8"

	"github.com/eapache/queue"
	"github.com/sugawarayuuta/sonnet"

	"github.com/momentics/hioload-wshost/api"
)

// Message is one logical message. For data messages the payload is the
// reassembled (and inflated) content; control messages carry the frame
// payload verbatim.
type Message struct {
	Opcode  Opcode
	payload []byte

	textOnce sync.Once
	text     string
}

// NewMessage wraps payload without copying it.
func NewMessage(op Opcode, payload []byte) *Message {
	return &Message{Opcode: op, payload: payload}
}

// IsText reports whether the message was sent as text.
func (m *Message) IsText() bool { return m.Opcode == OpText }

// IsBinary reports whether the message was sent as binary.
func (m *Message) IsBinary() bool { return m.Opcode == OpBinary }

// Bytes returns the raw payload.
func (m *Message) Bytes() []byte { return m.payload }

// Len returns the payload size in bytes.
func (m *Message) Len() int { return len(m.payload) }

// Text returns the decoded text of a text message. The conversion happens
// on first use and is cached; binary messages yield "".
func (m *Message) Text() string {
	if m.Opcode != OpText {
		return ""
	}
	m.textOnce.Do(func() {
		m.text = string(m.payload)
	})
	return m.text
}

// Decode unmarshals a JSON payload into v.
func (m *Message) Decode(v any) error {
	return sonnet.Unmarshal(m.payload, v)
}

// AssemblerConfig bounds message reassembly.
type AssemblerConfig struct {
	// MaxMessageSize caps the reassembled (and inflated) payload; zero disables.
	MaxMessageSize int64
	// Compression is non-nil once permessage-deflate was negotiated.
	Compression *Compression
}

// Assembler reassembles fragmented data frames. It keeps per-connection
// state and is not safe for concurrent use.
type Assembler struct {
	cfg AssemblerConfig

	fragments  *queue.Queue
	opcode     Opcode
	compressed bool
	size       int64
	inProgress bool
}

// NewAssembler returns an empty assembler.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	return &Assembler{cfg: cfg, fragments: queue.New()}
}

// InProgress reports whether a fragmented message is being collected.
func (a *Assembler) InProgress() bool { return a.inProgress }

// Push consumes one frame. It returns a message when f completes one,
// control frames included, and nil while a fragmented message is pending.
func (a *Assembler) Push(f *Frame) (*Message, error) {
	if f.Opcode.IsControl() {
		if f.Rsv1 || f.Rsv2 || f.Rsv3 {
			return nil, api.NewProtocolError("reserved bits set on %s frame", f.Opcode)
		}
		return NewMessage(f.Opcode, f.Payload), nil
	}

	if f.Opcode == OpContinuation {
		if !a.inProgress {
			return nil, api.NewProtocolError("continuation frame without a message in progress")
		}
		if f.Rsv1 {
			return nil, api.NewProtocolError("RSV1 set on continuation frame")
		}
	} else {
		if a.inProgress {
			return nil, api.NewProtocolError("new %s frame while a fragmented message is in progress", f.Opcode)
		}
		if f.Rsv1 && a.cfg.Compression == nil {
			return nil, api.NewProtocolError("RSV1 set without permessage-deflate")
		}
		a.opcode = f.Opcode
		a.compressed = f.Rsv1
		a.inProgress = true
	}

	a.size += int64(len(f.Payload))
	if a.cfg.MaxMessageSize > 0 && a.size > a.cfg.MaxMessageSize {
		a.reset()
		return nil, &api.ProtocolError{Code: api.CloseMessageTooBig, Reason: "message too large"}
	}
	if len(f.Payload) > 0 {
		a.fragments.Add(f.Payload)
	}
	if !f.Fin {
		return nil, nil
	}

	payload := a.drain()
	op, compressed := a.opcode, a.compressed
	a.reset()

	if compressed {
		inflated, err := a.cfg.Compression.Decompress(payload, a.cfg.MaxMessageSize)
		if err != nil {
			return nil, err
		}
		payload = inflated
	}
	if op == OpText && !utf8.Valid(payload) {
		return nil, &api.ProtocolError{Code: api.CloseInvalidPayloadData, Reason: "invalid UTF-8 in text message"}
	}
	return NewMessage(op, payload), nil
}

// drain concatenates and removes all buffered fragments.
func (a *Assembler) drain() []byte {
	if a.fragments.Length() == 1 {
		return a.fragments.Remove().([]byte)
	}
	out := make([]byte, 0, a.size)
	for a.fragments.Length() > 0 {
		out = append(out, a.fragments.Remove().([]byte)...)
	}
	return out
}

func (a *Assembler) reset() {
	for a.fragments.Length() > 0 {
		a.fragments.Remove()
	}
	a.opcode = OpContinuation
	a.compressed = false
	a.size = 0
	a.inProgress = false
}
