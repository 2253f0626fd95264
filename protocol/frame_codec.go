// File: protocol/frame_codec.go
// Package protocol implements the byte-exact frame codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Encoding always picks the minimal payload length form; decoding rejects
// anything RFC 6455 forbids, including non-minimal lengths.

package protocol

import (
	"encoding/binary"
	"io"

	"github.com/momentics/hioload-wshost/api"
)

// Role selects the masking direction: clients mask, servers do not.
type Role uint8

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// EncodeFrame appends the wire form of f to dst and returns the extended
// slice. Masking follows f.Masked and f.MaskKey; f.Payload is not modified.
func EncodeFrame(dst []byte, f *Frame) ([]byte, error) {
	if !f.Opcode.Valid() {
		return dst, api.NewProtocolError("unknown opcode 0x%x", byte(f.Opcode))
	}
	if f.Opcode.IsControl() {
		if !f.Fin {
			return dst, api.NewProtocolError("fragmented %s frame", f.Opcode)
		}
		if len(f.Payload) > MaxControlPayloadLen {
			return dst, api.NewProtocolError("%s payload of %d bytes exceeds %d", f.Opcode, len(f.Payload), MaxControlPayloadLen)
		}
	}

	b0 := f.rsv() | byte(f.Opcode)
	if f.Fin {
		b0 |= FinBit
	}
	var maskBit byte
	if f.Masked {
		maskBit = MaskBit
	}

	plen := len(f.Payload)
	var hdr [MaxFrameHeaderLen]byte
	hdr[0] = b0
	n := 2
	switch {
	case plen <= 125:
		hdr[1] = byte(plen) | maskBit
	case plen <= 0xFFFF:
		hdr[1] = 126 | maskBit
		binary.BigEndian.PutUint16(hdr[2:], uint16(plen))
		n += 2
	default:
		hdr[1] = 127 | maskBit
		binary.BigEndian.PutUint64(hdr[2:], uint64(plen))
		n += 8
	}
	if f.Masked {
		copy(hdr[n:], f.MaskKey[:])
		n += 4
	}

	dst = append(dst, hdr[:n]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		Mask(dst[start:], f.MaskKey)
	}
	return dst, nil
}

// DecodeOptions bounds what DecodeFrame accepts.
type DecodeOptions struct {
	// AllowedRsv holds the reserved bits a negotiated extension defines.
	AllowedRsv byte
	// MaxPayload caps a single frame payload; zero means no cap.
	MaxPayload int64
}

// DecodeFrame reads exactly one frame from r. Stream failures are returned
// as-is (io.EOF before the first byte, io.ErrUnexpectedEOF mid-frame);
// violations are returned as *api.ProtocolError.
func DecodeFrame(r io.Reader, opts DecodeOptions) (*Frame, error) {
	var hdr [MaxFrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:2]); err != nil {
		return nil, err
	}

	f := &Frame{
		Fin:    hdr[0]&FinBit != 0,
		Rsv1:   hdr[0]&Rsv1Bit != 0,
		Rsv2:   hdr[0]&Rsv2Bit != 0,
		Rsv3:   hdr[0]&Rsv3Bit != 0,
		Opcode: Opcode(hdr[0] & 0x0F),
		Masked: hdr[1]&MaskBit != 0,
	}
	if rsv := hdr[0] & (Rsv1Bit | Rsv2Bit | Rsv3Bit); rsv&^opts.AllowedRsv != 0 {
		return nil, api.NewProtocolError("reserved bits 0x%x set without a negotiated extension", rsv)
	}
	if !f.Opcode.Valid() {
		return nil, api.NewProtocolError("unknown opcode 0x%x", byte(f.Opcode))
	}

	length := uint64(hdr[1] & 0x7F)
	switch length {
	case 126:
		if _, err := io.ReadFull(r, hdr[2:4]); err != nil {
			return nil, unexpected(err)
		}
		length = uint64(binary.BigEndian.Uint16(hdr[2:4]))
		if length <= 125 {
			return nil, api.NewProtocolError("non-minimal 16-bit length %d", length)
		}
	case 127:
		if _, err := io.ReadFull(r, hdr[2:10]); err != nil {
			return nil, unexpected(err)
		}
		length = binary.BigEndian.Uint64(hdr[2:10])
		if length&(1<<63) != 0 {
			return nil, api.NewProtocolError("64-bit length has the most significant bit set")
		}
		if length <= 0xFFFF {
			return nil, api.NewProtocolError("non-minimal 64-bit length %d", length)
		}
	}

	if f.Opcode.IsControl() {
		if !f.Fin {
			return nil, api.NewProtocolError("fragmented %s frame", f.Opcode)
		}
		if length > MaxControlPayloadLen {
			return nil, api.NewProtocolError("%s payload of %d bytes exceeds %d", f.Opcode, length, MaxControlPayloadLen)
		}
	}
	if opts.MaxPayload > 0 && length > uint64(opts.MaxPayload) {
		return nil, &api.ProtocolError{Code: api.CloseMessageTooBig, Reason: "frame payload too large"}
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return nil, unexpected(err)
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, unexpected(err)
	}
	if f.Masked {
		Mask(f.Payload, f.MaskKey)
	}
	return f, nil
}

// unexpected upgrades a clean EOF inside a frame to io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Codec applies the role-dependent masking rules on top of the raw codec.
type Codec struct {
	Role       Role
	AllowedRsv byte
	MaxPayload int64
}

// Encode appends f to dst. Clients always mask with a fresh key unless the
// caller supplied one; servers never mask.
func (c *Codec) Encode(dst []byte, f *Frame) ([]byte, error) {
	out := *f
	if c.Role == RoleClient {
		if !out.Masked {
			out.Masked = true
			out.MaskKey = NewMaskKey()
		}
	} else {
		out.Masked = false
		out.MaskKey = [4]byte{}
	}
	return EncodeFrame(dst, &out)
}

// Decode reads one frame and enforces the inbound masking direction.
func (c *Codec) Decode(r io.Reader) (*Frame, error) {
	f, err := DecodeFrame(r, DecodeOptions{AllowedRsv: c.AllowedRsv, MaxPayload: c.MaxPayload})
	if err != nil {
		return nil, err
	}
	switch {
	case c.Role == RoleServer && !f.Masked:
		return nil, api.NewProtocolError("unmasked client frame")
	case c.Role == RoleClient && f.Masked:
		return nil, api.NewProtocolError("masked server frame")
	}
	return f, nil
}
