// File: server/server.go
// Package server implements the listener, accept loop and graceful
// shutdown around a Manager.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/protocol"
	"github.com/momentics/hioload-wshost/transport/tcp"
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("server already running")

// Server binds a TCP address and feeds accepted connections to its Manager.
type Server struct {
	cfg     Config
	manager *Manager
	log     zerolog.Logger

	mu       sync.Mutex
	ln       net.Listener
	running  bool
	stopped  bool
	loopDone chan struct{}
}

// NewServer validates addr and builds a server. Nothing is bound until Start.
func NewServer(addr string, opts ...Option) (*Server, error) {
	st := newSettings(opts)
	st.cfg.Addr = addr
	if err := st.cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:     st.cfg,
		manager: newManager(st),
		log:     st.logger.With().Str("addr", addr).Logger(),
	}, nil
}

// Manager returns the path registry.
func (s *Server) Manager() *Manager { return s.manager }

// Register installs a controller factory for path.
func (s *Server) Register(path string, factory ControllerFactory, init Initializer, opts ...HostOption) (*Host, error) {
	return s.manager.Register(path, factory, init, opts...)
}

// Unregister removes path, closing its sessions with 1001.
func (s *Server) Unregister(path string) error { return s.manager.Unregister(path) }

// Broadcast sends a data message to every session on every path.
func (s *Server) Broadcast(op protocol.Opcode, p []byte) int {
	return s.manager.Broadcast(op, p)
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener and runs the accept loop in its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return &api.InvalidStateError{Op: "start", State: api.StateClosed}
	}
	if s.running {
		return ErrAlreadyRunning
	}
	lc := s.cfg.Listener.tcp(s.cfg.Addr)
	ln, err := tcp.Listen(context.Background(), lc)
	if err != nil {
		return &api.TransportError{Op: "listen", Err: err}
	}
	s.serveLocked(ln, lc)
	return nil
}

// serveLocked adopts ln and starts the accept loop. Callers hold mu.
func (s *Server) serveLocked(ln net.Listener, lc tcp.ListenerConfig) {
	s.ln = ln
	s.running = true
	s.loopDone = make(chan struct{})
	go s.acceptLoop(ln, lc)
	s.log.Info().Str("bound", ln.Addr().String()).Msg("server started")
}

func (s *Server) acceptLoop(ln net.Listener, lc tcp.ListenerConfig) {
	defer close(s.loopDone)
	if err := tcp.PinCurrentThread(lc.AcceptCPU); err != nil {
		s.log.Warn().Err(err).Msg("accept loop not pinned")
	}
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.log.Error().Err(err).Msg("listener closed under a running server")
				return
			}
			// EMFILE, ECONNABORTED and friends pass; keep accepting.
			backoff = nextBackoff(backoff)
			s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		tcp.ConfigureConn(nc, lc)
		go s.manager.ServeConn(nc)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop closes every session with code and reason, waits for them within
// ctx and then releases the listener.
func (s *Server) Stop(ctx context.Context, code uint16, reason string) error {
	if err := api.ValidateClose(code, reason); err != nil {
		return err
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln, done := s.ln, s.loopDone
	s.mu.Unlock()

	err := s.manager.Stop(ctx, code, reason)
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = &api.TransportError{Op: "close listener", Err: cerr}
		}
		<-done
	}
	s.log.Info().Msg("server stopped")
	return err
}
