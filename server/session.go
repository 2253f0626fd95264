// File: server/session.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session binds one upgraded connection to its controller and host.

package server

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/internal/session"
	"github.com/momentics/hioload-wshost/protocol"
)

// HandshakeInfo is the request metadata captured at upgrade time.
type HandshakeInfo struct {
	Method     string
	RequestURI string
	Path       string
	Query      url.Values
	Header     http.Header
	Host       string
	RemoteAddr string
}

func newHandshakeInfo(r *http.Request, remote net.Addr) HandshakeInfo {
	info := HandshakeInfo{
		Method:     r.Method,
		RequestURI: r.RequestURI,
		Header:     r.Header.Clone(),
		Host:       r.Host,
	}
	if r.URL != nil {
		info.Path = r.URL.Path
		info.Query = r.URL.Query()
	}
	if remote != nil {
		info.RemoteAddr = remote.String()
	} else {
		info.RemoteAddr = r.RemoteAddr
	}
	return info
}

// Session is the server-side view of one connection.
type Session struct {
	id        string
	host      *Host
	conn      *protocol.Conn
	ctrl      Controller
	handshake HandshakeInfo
	start     time.Time
	attrs     *session.Attributes
	log       zerolog.Logger
}

// ID returns the session id, unique within its host.
func (s *Session) ID() string { return s.id }

// Host returns the owning host.
func (s *Session) Host() *Host { return s.host }

// Controller returns the controller instance bound to this session.
func (s *Session) Controller() Controller { return s.ctrl }

// Subprotocol returns the negotiated subprotocol.
func (s *Session) Subprotocol() string { return s.conn.Subprotocol() }

// Extensions returns the negotiated extensions header value.
func (s *Session) Extensions() string { return s.conn.Extensions() }

// Handshake returns the upgrade request metadata.
func (s *Session) Handshake() HandshakeInfo { return s.handshake }

// StartTime returns when the handshake completed.
func (s *Session) StartTime() time.Time { return s.start }

// State returns the connection state.
func (s *Session) State() api.State { return s.conn.State() }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// LastAlive returns when the peer last sent a frame.
func (s *Session) LastAlive() time.Time { return s.conn.LastAlive() }

// Attributes returns the per-session key/value store.
func (s *Session) Attributes() *session.Attributes { return s.attrs }

// Logger returns a logger carrying the path and session id.
func (s *Session) Logger() *zerolog.Logger { return &s.log }

// Stats returns the connection traffic counters.
func (s *Session) Stats() map[string]int64 { return s.conn.Stats() }

// Done is closed once OnClose has returned.
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }

// SendText sends a text message.
func (s *Session) SendText(text string) error { return s.conn.SendText(text) }

// SendBinary sends a binary message.
func (s *Session) SendBinary(p []byte) error { return s.conn.SendBinary(p) }

// Send sends a data message with an explicit opcode.
func (s *Session) Send(op protocol.Opcode, p []byte) error { return s.conn.Send(op, p) }

// SendJSON marshals v and sends it as a text message.
func (s *Session) SendJSON(v any) error {
	b, err := sonnet.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal json")
	}
	return s.conn.Send(protocol.OpText, b)
}

// Ping sends a ping frame.
func (s *Session) Ping(payload []byte) error { return s.conn.Ping(payload) }

// Close starts the closing handshake.
func (s *Session) Close(code uint16, reason string) error { return s.conn.Close(code, reason) }

func (s *Session) String() string {
	return fmt.Sprintf("session %s on %s", s.id, s.host.path)
}

// events adapts protocol.Handler callbacks to the session's controller.
type events struct{ s *Session }

func (e events) OnOpen(*protocol.Conn) {
	defer e.recover("OnOpen")
	e.s.host.metrics.Inc("sessions_opened")
	e.s.log.Debug().Str("subprotocol", e.s.Subprotocol()).Msg("session opened")
	e.s.ctrl.OnOpen(e.s)
}

func (e events) OnMessage(_ *protocol.Conn, m *protocol.Message) {
	defer e.recover("OnMessage")
	e.s.ctrl.OnMessage(e.s, m)
}

func (e events) OnError(_ *protocol.Conn, err error) {
	defer e.recover("OnError")
	e.s.log.Warn().Err(err).Msg("session error")
	e.s.ctrl.OnError(e.s, err)
}

func (e events) OnClose(_ *protocol.Conn, info api.CloseInfo) {
	defer e.recover("OnClose")
	e.s.host.remove(e.s)
	e.s.host.metrics.Inc("sessions_closed")
	e.s.ctrl.OnClose(e.s, info)
}

// recover turns a controller panic into an aborted connection.
func (e events) recover(cb string) {
	if r := recover(); r != nil {
		e.s.log.Error().Interface("panic", r).Str("callback", cb).Msg("controller panicked")
		e.s.conn.Abort(errors.Errorf("controller panic in %s: %v", cb, r))
	}
}
