// File: protocol/conn_close.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Close handshake and teardown. Every path into Closed goes through
// terminate, which records the close report exactly once and releases the
// socket; the read loop then observes the failure and dispatches OnClose.

package protocol

import (
	"encoding/binary"
	"io"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-wshost/api"
)

// Close starts the closing handshake: it sends a close frame with code and
// reason and waits up to CloseTimeout for the peer's answer. A timeout
// closes the socket and reports an unclean 1006 closure.
func (c *Conn) Close(code uint16, reason string) error {
	if err := api.ValidateClose(code, reason); err != nil {
		return err
	}

	c.closeMu.Lock()
	if !c.state.CompareAndSwap(int32(api.StateOpen), int32(api.StateClosing)) {
		s := c.State()
		c.closeMu.Unlock()
		return &api.InvalidStateError{Op: "close", State: s}
	}
	c.sentClose = api.CloseInfo{Code: code, Reason: reason, Clean: true}
	c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, func() {
		c.log.Debug().Dur("timeout", c.cfg.CloseTimeout).Msg("close handshake timed out")
		c.terminate(api.CloseInfo{Code: api.CloseAbnormalClosure, Reason: "close handshake timed out"}, nil)
	})
	c.closeMu.Unlock()

	if err := c.writeControl(OpClose, ClosePayload(code, reason)); err != nil {
		if !c.terminate(abnormal("close write failed"), &api.TransportError{Op: "write", Err: err}) {
			// The peer's close already finished the handshake.
			if info, _ := c.result(); info.Clean {
				return nil
			}
		}
		return &api.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Abort drops the connection without a closing handshake. The close report
// is an unclean 1006; cause, when non-nil, is delivered through OnError.
func (c *Conn) Abort(cause error) {
	reason := "connection aborted"
	if cause != nil {
		reason = cause.Error()
	}
	c.terminate(abnormal(reason), cause)
}

// CloseInfo returns the close report once the connection reached Closed.
func (c *Conn) CloseInfo() (api.CloseInfo, bool) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.State() != api.StateClosed {
		return api.CloseInfo{}, false
	}
	return c.closeInfo, true
}

// peerClose handles a close frame from the peer. In Open the frame is
// echoed; in Closing it acknowledges our own close frame.
func (c *Conn) peerClose(code uint16, reason string) {
	c.closeMu.Lock()
	switch c.State() {
	case api.StateOpen:
		c.state.Store(int32(api.StateClosing))
		c.closeMu.Unlock()

		echo := code
		if echo == api.CloseNoStatusReceived {
			echo = api.CloseNormalClosure
		}
		_ = c.writeControl(OpClose, ClosePayload(echo, reason))
		c.terminate(api.CloseInfo{Code: code, Reason: reason, Clean: true}, nil)
	case api.StateClosing:
		sent := c.sentClose
		c.closeMu.Unlock()
		c.terminate(sent, nil)
	default:
		c.closeMu.Unlock()
	}
}

// fail handles a read-side error. Protocol violations are answered with a
// close frame carrying the violation's status before the socket goes away.
func (c *Conn) fail(err error) {
	var pe *api.ProtocolError
	if errors.As(err, &pe) {
		c.log.Debug().Err(err).Msg("protocol violation")
		if c.State() == api.StateOpen {
			_ = c.writeControl(OpClose, ClosePayload(pe.Code, truncateReason(pe.Reason)))
		}
		c.terminate(api.CloseInfo{Code: pe.Code, Reason: pe.Reason}, pe)
		return
	}
	reason := "connection lost"
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		reason = "peer closed the connection"
	}
	c.terminate(abnormal(reason), &api.TransportError{Op: "read", Err: err})
}

// terminate moves the connection to Closed, records info and cause, and
// closes the socket. Only the first call has any effect.
func (c *Conn) terminate(info api.CloseInfo, cause error) bool {
	c.closeMu.Lock()
	prev := c.State()
	if prev == api.StateClosed {
		c.closeMu.Unlock()
		return false
	}
	c.state.Store(int32(api.StateClosed))
	c.closeInfo = info
	c.closeErr = cause
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	close(c.closed)
	c.closeMu.Unlock()

	// A connection that never started has no read loop to close done.
	if prev == api.StateConnecting {
		close(c.done)
	}

	_ = c.netConn.Close()
	return true
}

// result returns what terminate recorded.
func (c *Conn) result() (api.CloseInfo, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeInfo, c.closeErr
}

func abnormal(reason string) api.CloseInfo {
	return api.CloseInfo{Code: api.CloseAbnormalClosure, Reason: reason}
}

// ClosePayload encodes a close frame body. A zero code yields an empty body.
func ClosePayload(code uint16, reason string) []byte {
	if code == 0 || code == api.CloseNoStatusReceived {
		return nil
	}
	p := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	copy(p[2:], reason)
	return p
}

// ParseClosePayload decodes a close frame body. An empty body yields 1005.
func ParseClosePayload(p []byte) (uint16, string, error) {
	switch len(p) {
	case 0:
		return api.CloseNoStatusReceived, "", nil
	case 1:
		return 0, "", api.NewProtocolError("close payload of 1 byte")
	}
	code := binary.BigEndian.Uint16(p)
	if !api.IsValidCloseCode(code) {
		return 0, "", api.NewProtocolError("invalid close code %d", code)
	}
	if !utf8.Valid(p[2:]) {
		return 0, "", &api.ProtocolError{Code: api.CloseInvalidPayloadData, Reason: "close reason is not valid UTF-8"}
	}
	return code, string(p[2:]), nil
}

// truncateReason keeps a reason within the control frame limit without
// splitting a UTF-8 sequence.
func truncateReason(s string) string {
	if len(s) <= api.MaxCloseReasonLen {
		return s
	}
	s = s[:api.MaxCloseReasonLen]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
