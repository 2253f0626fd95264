// File: protocol/conn.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn drives one established WebSocket connection. The read loop is the
// only goroutine that invokes Handler callbacks, so events for a single
// connection are strictly ordered: OnOpen, OnMessage*, optional OnError,
// OnClose exactly once.

package protocol

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-wshost/api"
)

// Handler receives connection events from the read loop.
type Handler interface {
	OnOpen(c *Conn)
	OnMessage(c *Conn, m *Message)
	OnError(c *Conn, err error)
	OnClose(c *Conn, info api.CloseInfo)
}

// maxRetainedWriteBuf bounds the encode buffer kept between sends.
const maxRetainedWriteBuf = 64 * 1024

// Conn is a full-duplex WebSocket connection over an established stream.
type Conn struct {
	netConn     net.Conn
	reader      io.Reader
	role        Role
	cfg         Config
	codec       Codec
	assembler   *Assembler
	compression *Compression
	negotiated  Negotiated
	handler     Handler
	log         zerolog.Logger

	state atomic.Int32

	// writeMu serializes whole messages and control frames on the wire.
	writeMu sync.Mutex
	wbuf    []byte

	// closeMu guards state transitions and the close bookkeeping below.
	closeMu    sync.Mutex
	closeInfo  api.CloseInfo
	closeErr   error
	sentClose  api.CloseInfo
	closeTimer *time.Timer
	closed     chan struct{}

	done chan struct{}

	lastAlive atomic.Int64
	pingSent  atomic.Int64

	framesIn    atomic.Int64
	framesOut   atomic.Int64
	bytesIn     atomic.Int64
	bytesOut    atomic.Int64
	messagesIn  atomic.Int64
	messagesOut atomic.Int64
}

// NewConn wraps an upgraded stream. r supplies inbound bytes and may be a
// reader that still buffers data received with the handshake; nil reads
// from netConn directly. The connection stays in Connecting until Start.
func NewConn(netConn net.Conn, r io.Reader, role Role, neg *Negotiated, cfg Config, h Handler) *Conn {
	cfg = cfg.normalize()
	if r == nil {
		r = bufio.NewReaderSize(netConn, 4096)
	}
	c := &Conn{
		netConn: netConn,
		reader:  r,
		role:    role,
		cfg:     cfg,
		handler: h,
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	if neg != nil {
		c.negotiated = *neg
	}
	c.codec = Codec{Role: role, MaxPayload: cfg.MaxMessageSize}
	if c.negotiated.Compression {
		c.compression = NewCompression(cfg.CompressionLevel)
		c.codec.AllowedRsv = Rsv1Bit
	}
	c.assembler = NewAssembler(AssemblerConfig{
		MaxMessageSize: cfg.MaxMessageSize,
		Compression:    c.compression,
	})
	c.log = cfg.Logger.With().
		Str("role", role.String()).
		Str("remote", remoteString(netConn)).
		Logger()
	c.state.Store(int32(api.StateConnecting))
	return c
}

// Start moves the connection to Open and launches the read loop, which
// delivers OnOpen before anything else.
func (c *Conn) Start() error {
	c.closeMu.Lock()
	if !c.state.CompareAndSwap(int32(api.StateConnecting), int32(api.StateOpen)) {
		c.closeMu.Unlock()
		return &api.InvalidStateError{Op: "start", State: c.State()}
	}
	c.closeMu.Unlock()

	c.touch()
	go c.run()
	if c.cfg.PingInterval > 0 {
		go c.keepalive()
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Conn) State() api.State { return api.State(c.state.Load()) }

// Done is closed after OnClose returned.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Subprotocol returns the negotiated subprotocol, if any.
func (c *Conn) Subprotocol() string { return c.negotiated.Subprotocol }

// Extensions returns the negotiated Sec-WebSocket-Extensions value.
func (c *Conn) Extensions() string { return c.negotiated.Extensions }

// Compressed reports whether permessage-deflate is active.
func (c *Conn) Compressed() bool { return c.compression != nil }

// Role reports which side of the connection this is.
func (c *Conn) Role() Role { return c.role }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr { return c.netConn.LocalAddr() }

// Logger returns the connection-scoped logger.
func (c *Conn) Logger() *zerolog.Logger { return &c.log }

// Stats returns a snapshot of traffic counters.
func (c *Conn) Stats() map[string]int64 {
	return map[string]int64{
		"frames_in":    c.framesIn.Load(),
		"frames_out":   c.framesOut.Load(),
		"bytes_in":     c.bytesIn.Load(),
		"bytes_out":    c.bytesOut.Load(),
		"messages_in":  c.messagesIn.Load(),
		"messages_out": c.messagesOut.Load(),
	}
}

func (c *Conn) run() {
	defer close(c.done)

	c.handler.OnOpen(c)
	for {
		f, err := c.codec.Decode(c.reader)
		if err != nil {
			c.fail(err)
			break
		}
		c.framesIn.Add(1)
		c.bytesIn.Add(int64(len(f.Payload)))
		c.touch()

		msg, err := c.assembler.Push(f)
		if err != nil {
			c.fail(err)
			break
		}
		if msg == nil {
			continue
		}
		if msg.Opcode.IsControl() {
			if c.handleControl(msg) {
				break
			}
			continue
		}
		// Data arriving after our close frame is discarded.
		if c.State() != api.StateOpen {
			continue
		}
		c.messagesIn.Add(1)
		c.handler.OnMessage(c, msg)
	}

	info, cause := c.result()
	if cause != nil {
		c.handler.OnError(c, cause)
	}
	c.log.Debug().
		Uint16("code", info.Code).
		Str("reason", info.Reason).
		Bool("clean", info.Clean).
		Msg("connection closed")
	c.handler.OnClose(c, info)
}

// handleControl reacts to a control message and reports whether the read
// loop must stop.
func (c *Conn) handleControl(msg *Message) bool {
	switch msg.Opcode {
	case OpPing:
		if c.State() != api.StateOpen {
			return false
		}
		if err := c.writeControl(OpPong, msg.Bytes()); err != nil {
			c.terminate(abnormal("pong write failed"), &api.TransportError{Op: "write", Err: err})
			return true
		}
		return false
	case OpPong:
		return false
	case OpClose:
		code, reason, err := ParseClosePayload(msg.Bytes())
		if err != nil {
			c.fail(err)
			return true
		}
		c.peerClose(code, reason)
		return true
	}
	return false
}

// SendText sends s as one text message.
func (c *Conn) SendText(s string) error {
	if !utf8.ValidString(s) {
		return api.ErrInvalidUTF8
	}
	return c.send(OpText, []byte(s))
}

// SendBinary sends p as one binary message.
func (c *Conn) SendBinary(p []byte) error {
	return c.send(OpBinary, p)
}

// Send sends a data message with the given opcode.
func (c *Conn) Send(op Opcode, p []byte) error {
	switch op {
	case OpText:
		if !utf8.Valid(p) {
			return api.ErrInvalidUTF8
		}
	case OpBinary:
	default:
		return api.ErrInvalidOpcode
	}
	return c.send(op, p)
}

func (c *Conn) send(op Opcode, p []byte) error {
	if s := c.State(); s != api.StateOpen {
		return &api.InvalidStateError{Op: "send", State: s}
	}
	payload, rsv1 := p, false
	if c.compression != nil && len(p) >= c.cfg.CompressionThreshold {
		z, err := c.compression.Compress(p)
		if err != nil {
			return err
		}
		payload, rsv1 = z, true
	}
	frames := Fragment(op, payload, c.cfg.FragmentSize)
	frames[0].Rsv1 = rsv1

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Re-checked under the write lock so nothing follows our close frame.
	if s := c.State(); s != api.StateOpen {
		return &api.InvalidStateError{Op: "send", State: s}
	}
	if err := c.writeFramesLocked(frames...); err != nil {
		terr := &api.TransportError{Op: "write", Err: err}
		c.terminate(abnormal("write failed"), terr)
		return terr
	}
	c.messagesOut.Add(1)
	return nil
}

// Fragment splits payload into frames of at most size bytes. The first
// frame carries op, the rest are continuations, the last has FIN set.
// An empty payload still yields one frame.
func Fragment(op Opcode, payload []byte, size int) []*Frame {
	if size <= 0 || len(payload) <= size {
		return []*Frame{NewFrame(op, payload)}
	}
	frames := make([]*Frame, 0, (len(payload)+size-1)/size)
	for off := 0; off < len(payload); off += size {
		end := off + size
		if end > len(payload) {
			end = len(payload)
		}
		f := &Frame{Opcode: OpContinuation, Payload: payload[off:end]}
		if off == 0 {
			f.Opcode = op
		}
		f.Fin = end == len(payload)
		frames = append(frames, f)
	}
	return frames
}

// writeControl writes a single control frame.
func (c *Conn) writeControl(op Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() == api.StateClosed {
		return api.ErrTransportClosed
	}
	return c.writeFramesLocked(NewFrame(op, payload))
}

// errWriterBusy reports that another write held writeMu.
var errWriterBusy = errors.New("writer busy")

// tryWriteControl writes a control frame only if no other write is in
// progress. A stuck writer must not stall liveness checks.
func (c *Conn) tryWriteControl(op Opcode, payload []byte) error {
	if !c.writeMu.TryLock() {
		return errWriterBusy
	}
	defer c.writeMu.Unlock()
	if c.State() == api.StateClosed {
		return api.ErrTransportClosed
	}
	return c.writeFramesLocked(NewFrame(op, payload))
}

// writeFramesLocked encodes frames into one buffer and issues a single
// write. Callers hold writeMu.
func (c *Conn) writeFramesLocked(frames ...*Frame) error {
	buf := c.wbuf[:0]
	var err error
	var n int64
	for _, f := range frames {
		if buf, err = c.codec.Encode(buf, f); err != nil {
			return err
		}
		n += int64(len(f.Payload))
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	_, err = c.netConn.Write(buf)
	if cap(buf) <= maxRetainedWriteBuf {
		c.wbuf = buf
	}
	if err != nil {
		return err
	}
	c.framesOut.Add(int64(len(frames)))
	c.bytesOut.Add(n)
	return nil
}

func (c *Conn) touch() { c.lastAlive.Store(time.Now().UnixNano()) }

func remoteString(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
