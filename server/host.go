// File: server/host.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Service Host: one per registered path. Performs the upgrade, owns the
// session map and fans broadcasts out to live sessions.

package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/control"
	"github.com/momentics/hioload-wshost/internal/session"
	"github.com/momentics/hioload-wshost/pool"
	"github.com/momentics/hioload-wshost/protocol"
)

// maxIDAttempts bounds retries when a generated session id collides.
const maxIDAttempts = 3

// Host serves one path.
type Host struct {
	path      string
	factory   ControllerFactory
	init      Initializer
	newID     func() string
	cfg       hostConfig
	handshake protocol.ServerHandshake
	metrics   *control.MetricsRegistry
	log       zerolog.Logger

	// mu orders the stopped flag against session inserts so Stop never
	// misses a session that is still being admitted.
	mu       sync.Mutex
	stopped  bool
	sessions *session.Registry[*Session]

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func newHost(path string, factory ControllerFactory, init Initializer, cfg hostConfig) (*Host, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, &api.ConfigurationError{Field: "factory", Reason: "nil controller factory for " + path}
	}
	sample := factory()
	if sample == nil {
		return nil, &api.ConfigurationError{Field: "factory", Reason: "factory returned nil controller for " + path}
	}
	if cfg.keepClean && (cfg.sweepInterval <= 0 || cfg.waitTime <= 0) {
		return nil, &api.ConfigurationError{Field: "keep_clean", Reason: "sweep interval and wait time must be positive"}
	}

	h := &Host{
		path:     path,
		factory:  factory,
		init:     init,
		newID:    NewSessionID,
		cfg:      cfg,
		metrics:  cfg.metrics,
		log:      cfg.logger.With().Str("path", path).Logger(),
		sessions: session.NewRegistry[*Session](),
		handshake: protocol.ServerHandshake{
			Subprotocols:      cfg.subprotocols,
			EnableCompression: cfg.compression,
			CheckOrigin:       cfg.checkOrigin,
			MaxHeaderBytes:    cfg.maxHeaderBytes,
		},
	}
	if gen, ok := sample.(IDGenerator); ok {
		h.newID = gen.NewSessionID
	}
	if h.metrics == nil {
		h.metrics = control.NewMetricsRegistry()
	}
	if cfg.keepClean {
		h.sweepStop = make(chan struct{})
		h.sweepDone = make(chan struct{})
		go h.sweepLoop()
	}
	return h, nil
}

// Path returns the served path.
func (h *Host) Path() string { return h.path }

// Stopped reports whether Stop was called.
func (h *Host) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Count returns the number of registered sessions.
func (h *Host) Count() int { return h.sessions.Len() }

// Sessions returns a snapshot of the registered sessions.
func (h *Host) Sessions() []*Session { return h.sessions.Snapshot() }

// Session looks up a session by id.
func (h *Host) Session(id string) (*Session, bool) { return h.sessions.Get(id) }

// ServeHTTP upgrades a request received by a net/http server.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket: response does not support hijacking", http.StatusInternalServerError)
		return
	}
	nc, brw, err := hj.Hijack()
	if err != nil {
		h.log.Warn().Err(err).Msg("hijack failed")
		return
	}
	if err := h.Accept(nc, brw.Reader, r); err != nil {
		h.log.Debug().Err(err).Msg("upgrade rejected")
	}
}

// Accept runs the server handshake for req on nc. br holds any bytes
// already read past the request and may be nil. On success the session is
// registered and its read loop started; on failure an HTTP error without
// WebSocket headers is written, nc is closed and no controller is invoked.
func (h *Host) Accept(nc net.Conn, br *bufio.Reader, req *http.Request) error {
	if h.Stopped() {
		return h.reject(nc, http.StatusServiceUnavailable, &api.InvalidStateError{Op: "accept", State: api.StateClosed})
	}
	neg, respHdr, err := h.handshake.Negotiate(req)
	if err != nil {
		var he *api.HandshakeError
		if errors.As(err, &he) {
			return h.reject(nc, he.Status, he)
		}
		return h.reject(nc, http.StatusBadRequest, err)
	}

	ctrl := h.factory()
	s := &Session{
		host:      h,
		ctrl:      ctrl,
		handshake: newHandshakeInfo(req, nc.RemoteAddr()),
		attrs:     session.NewAttributes(),
	}
	var r io.Reader
	if br != nil {
		r = br
	}
	cfg := h.cfg.conn

	// id assignment, the stopped check and the insert share one critical
	// section; every insert goes through h.mu.
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return h.reject(nc, http.StatusServiceUnavailable, &api.InvalidStateError{Op: "accept", State: api.StateClosed})
	}
	for i := 0; i < maxIDAttempts && s.id == ""; i++ {
		if id := h.newID(); id != "" {
			if _, taken := h.sessions.Get(id); !taken {
				s.id = id
			}
		}
	}
	if s.id == "" {
		h.mu.Unlock()
		return h.reject(nc, http.StatusInternalServerError,
			api.NewError(api.ErrCodeInternal, "could not allocate a unique session id").WithContext("attempts", maxIDAttempts))
	}
	s.log = h.log.With().Str("session", s.id).Logger()
	cfg.Logger = &s.log
	s.conn = protocol.NewConn(nc, r, protocol.RoleServer, neg, cfg, events{s: s})
	h.sessions.Add(s.id, s)
	h.mu.Unlock()

	if h.init != nil {
		if err := h.init(ctrl, s); err != nil {
			h.sessions.Remove(s.id)
			return h.reject(nc, http.StatusInternalServerError, errors.Wrap(err, "initializer"))
		}
	}

	buf := pool.Default.Get()
	_ = protocol.WriteHandshakeResponse(buf, respHdr)
	_, err = nc.Write(buf.Bytes())
	pool.Default.Put(buf)
	if err != nil {
		h.sessions.Remove(s.id)
		_ = nc.Close()
		return &api.TransportError{Op: "handshake write", Err: err}
	}
	_ = nc.SetDeadline(time.Time{})
	s.start = time.Now()
	h.metrics.Inc("handshakes_accepted")

	if err := s.conn.Start(); err != nil {
		h.sessions.Remove(s.id)
		_ = nc.Close()
		return err
	}
	return nil
}

func (h *Host) reject(nc net.Conn, status int, cause error) error {
	h.metrics.Inc("handshakes_rejected")
	h.log.Warn().Int("status", status).Err(cause).Msg("upgrade rejected")
	_ = protocol.WriteHandshakeRejection(nc, status, cause.Error())
	_ = nc.Close()
	return cause
}

// remove drops s from the session map. Called on close completion.
func (h *Host) remove(s *Session) {
	if cur, ok := h.sessions.Get(s.id); ok && cur == s {
		h.sessions.Remove(s.id)
	}
}

// Broadcast sends a data message to every open session concurrently and
// returns how many sends succeeded. A failed send tears down only that
// session, which then reports the failure through its own OnError.
func (h *Host) Broadcast(op protocol.Opcode, p []byte) int {
	var targets []*Session
	h.sessions.Range(func(_ string, s *Session) bool {
		if s.State() == api.StateOpen {
			targets = append(targets, s)
		}
		return true
	})
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, s := range targets {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.conn.Send(op, p); err != nil {
				s.log.Debug().Err(err).Msg("broadcast send failed")
				return
			}
			mu.Lock()
			ok++
			mu.Unlock()
		}(s)
	}
	wg.Wait()
	h.metrics.Add("broadcast_deliveries", int64(ok))
	return ok
}

// BroadcastText sends text to every open session.
func (h *Host) BroadcastText(text string) int {
	return h.Broadcast(protocol.OpText, []byte(text))
}

// BroadcastBinary sends p to every open session.
func (h *Host) BroadcastBinary(p []byte) int {
	return h.Broadcast(protocol.OpBinary, p)
}

// Stop rejects further upgrades, closes every session with code and
// reason and waits for their close callbacks. When ctx ends first the
// remaining sessions are aborted and ctx's error is returned.
func (h *Host) Stop(ctx context.Context, code uint16, reason string) error {
	if err := api.ValidateClose(code, reason); err != nil {
		return err
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	var result error
	if h.sweepStop != nil {
		close(h.sweepStop)
		select {
		case <-h.sweepDone:
		case <-ctx.Done():
			result = ctx.Err()
		}
	}

	// Closes run concurrently: a session whose writer is stuck behind a
	// peer that stopped reading must not hold up the others or the deadline.
	sessions := h.sessions.Snapshot()
	var closers sync.WaitGroup
	for _, s := range sessions {
		if s.State() == api.StateConnecting {
			// Not answered yet; its pending Start will fail.
			s.conn.Abort(nil)
			continue
		}
		closers.Add(1)
		go func(s *Session) {
			defer closers.Done()
			if err := s.conn.Close(code, reason); err != nil {
				s.log.Debug().Err(err).Msg("close on stop")
			}
		}(s)
	}

	for _, s := range sessions {
		if result != nil {
			break
		}
		select {
		case <-s.conn.Done():
		case <-ctx.Done():
			result = ctx.Err()
		}
	}
	if result != nil {
		for _, s := range sessions {
			s.conn.Abort(api.ErrCloseTimeout)
		}
		for _, s := range sessions {
			<-s.conn.Done()
		}
	}
	for _, s := range h.sessions.Drain() {
		s.conn.Abort(api.ErrCloseTimeout)
	}
	closers.Wait()
	if h.sweepDone != nil {
		<-h.sweepDone
	}
	h.log.Debug().Int("sessions", len(sessions)).Msg("host stopped")
	return result
}
