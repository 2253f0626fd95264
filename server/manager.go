// File: server/manager.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Service Manager: path registry and upgrade dispatch.

package server

import (
	"bufio"
	"context"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/control"
	"github.com/momentics/hioload-wshost/protocol"
)

// Manager maps exact request paths to hosts.
type Manager struct {
	cfg     Config
	metrics *control.MetricsRegistry
	log     zerolog.Logger

	mu      sync.RWMutex
	hosts   map[string]*Host
	stopped bool
}

// NewManager builds an empty manager.
func NewManager(opts ...Option) *Manager {
	return newManager(newSettings(opts))
}

func newManager(st *settings) *Manager {
	m := &Manager{
		cfg:     st.cfg,
		metrics: st.metrics,
		log:     st.logger,
		hosts:   make(map[string]*Host),
	}
	m.metrics.RegisterGauge("hosts", func() any { return int64(len(m.Paths())) })
	m.metrics.RegisterGauge("sessions", func() any {
		var n int64
		for _, h := range m.Hosts() {
			n += int64(h.Count())
		}
		return n
	})
	return m
}

// Register installs a host for path. A nil init is allowed.
func (m *Manager) Register(path string, factory ControllerFactory, init Initializer, opts ...HostOption) (*Host, error) {
	hc := hostConfig{
		conn:           m.cfg.Connection,
		maxHeaderBytes: m.cfg.MaxHeaderBytes,
		logger:         m.log,
		metrics:        m.metrics,
	}
	if svc, ok := m.cfg.Service(path); ok {
		for _, o := range svc.HostOptions() {
			o(&hc)
		}
	}
	for _, o := range opts {
		o(&hc)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, &api.InvalidStateError{Op: "register", State: api.StateClosed}
	}
	if _, dup := m.hosts[path]; dup {
		return nil, &api.ConfigurationError{Field: "path", Reason: "already registered: " + path}
	}
	h, err := newHost(path, factory, init, hc)
	if err != nil {
		return nil, err
	}
	m.hosts[path] = h
	m.log.Info().Str("path", path).Msg("service registered")
	return h, nil
}

// Unregister removes the host for path and stops it with 1001.
func (m *Manager) Unregister(path string) error {
	m.mu.Lock()
	h, ok := m.hosts[path]
	if ok {
		delete(m.hosts, path)
	}
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(api.ErrNotFound, "unregister %s", path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.stopBudget())
	defer cancel()
	m.log.Info().Str("path", path).Msg("service unregistered")
	return h.Stop(ctx, api.CloseGoingAway, "service unregistered")
}

// Host returns the host registered for path.
func (m *Manager) Host(path string) (*Host, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hosts[path]
	return h, ok
}

// Paths returns the registered paths in sorted order.
func (m *Manager) Paths() []string {
	m.mu.RLock()
	paths := make([]string, 0, len(m.hosts))
	for p := range m.hosts {
		paths = append(paths, p)
	}
	m.mu.RUnlock()
	sort.Strings(paths)
	return paths
}

// Hosts returns the registered hosts ordered by path.
func (m *Manager) Hosts() []*Host {
	m.mu.RLock()
	hosts := make([]*Host, 0, len(m.hosts))
	for _, h := range m.hosts {
		hosts = append(hosts, h)
	}
	m.mu.RUnlock()
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].path < hosts[j].path })
	return hosts
}

// headerSlack covers the request line and header framing on top of the
// header budget.
const headerSlack = 4096

// ServeConn reads an upgrade request from a freshly accepted connection
// and hands it to the matching host. Requests for unknown paths are
// answered with 501 before any negotiation.
func (m *Manager) ServeConn(nc net.Conn) {
	m.metrics.Inc("connections_accepted")
	if d := m.cfg.HandshakeTimeout; d > 0 {
		_ = nc.SetDeadline(time.Now().Add(d))
	}
	limit := int64(m.cfg.MaxHeaderBytes)
	if limit <= 0 {
		limit = protocol.MaxHandshakeHeadersSize
	}
	// The request line and header block may not exceed the budget plus
	// some slack for framing; the limit is lifted before the ws read loop.
	lr := &io.LimitedReader{R: nc, N: limit + headerSlack}
	br := bufio.NewReaderSize(lr, 4096)
	req, err := http.ReadRequest(br)
	if err != nil {
		if lr.N <= 0 {
			m.metrics.Inc("handshakes_rejected")
			m.log.Warn().Str("remote", nc.RemoteAddr().String()).Int64("limit", limit).Msg("upgrade request headers too large")
			_ = protocol.WriteHandshakeRejection(nc, http.StatusRequestHeaderFieldsTooLarge, "handshake headers too large")
			lingerClose(nc)
			return
		}
		m.log.Debug().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("malformed upgrade request")
		_ = protocol.WriteHandshakeRejection(nc, http.StatusBadRequest, "malformed request")
		_ = nc.Close()
		return
	}
	lr.N = math.MaxInt64
	req.RemoteAddr = nc.RemoteAddr().String()

	h, ok := m.route(nc, req)
	if !ok {
		return
	}
	if err := h.Accept(nc, br, req); err != nil {
		m.log.Debug().Err(err).Str("path", h.path).Msg("upgrade failed")
	}
}

// lingerClose half-closes nc and drains what the peer already sent, so the
// rejection is read instead of being lost to a reset. Draining is bounded
// in both time and bytes.
func lingerClose(nc net.Conn) {
	if cw, ok := nc.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = nc.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.CopyN(io.Discard, nc, lingerBytes)
	_ = nc.Close()
}

const (
	lingerTimeout = 250 * time.Millisecond
	lingerBytes   = 256 << 10
)

// ServeHTTP dispatches upgrades arriving through a net/http server.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	h, ok := m.hosts[r.URL.Path]
	stopped := m.stopped
	m.mu.RUnlock()
	switch {
	case stopped:
		http.Error(w, "service manager stopped", http.StatusServiceUnavailable)
	case !ok:
		m.metrics.Inc("upgrades_unmatched")
		http.Error(w, "no service registered for "+r.URL.Path, http.StatusNotImplemented)
	default:
		h.ServeHTTP(w, r)
	}
}

// route finds the host for req. When there is none, nc is answered and
// closed here: 503 once stopped, 501 for an unknown path.
func (m *Manager) route(nc net.Conn, req *http.Request) (*Host, bool) {
	m.mu.RLock()
	h, ok := m.hosts[req.URL.Path]
	stopped := m.stopped
	m.mu.RUnlock()
	switch {
	case stopped:
		_ = protocol.WriteHandshakeRejection(nc, http.StatusServiceUnavailable, "service manager stopped")
	case !ok:
		m.metrics.Inc("upgrades_unmatched")
		m.log.Warn().Str("path", req.URL.Path).Msg("no service for path")
		_ = protocol.WriteHandshakeRejection(nc, http.StatusNotImplemented, "no service registered for "+req.URL.Path)
	default:
		return h, true
	}
	_ = nc.Close()
	return nil, false
}

// Broadcast sends a data message to every session of every host.
func (m *Manager) Broadcast(op protocol.Opcode, p []byte) int {
	n := 0
	for _, h := range m.Hosts() {
		n += h.Broadcast(op, p)
	}
	return n
}

// Stop stops every host concurrently with code and reason and rejects
// further registrations.
func (m *Manager) Stop(ctx context.Context, code uint16, reason string) error {
	if err := api.ValidateClose(code, reason); err != nil {
		return err
	}
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	hosts := m.Hosts()
	errs := make([]error, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h *Host) {
			defer wg.Done()
			errs[i] = h.Stop(ctx, code, reason)
		}(i, h)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "stop %s", hosts[i].path)
		}
	}
	return nil
}

// Stats returns the manager metrics snapshot.
func (m *Manager) Stats() map[string]any { return m.metrics.GetSnapshot() }

// Metrics exposes the underlying registry.
func (m *Manager) Metrics() *control.MetricsRegistry { return m.metrics }

func (m *Manager) stopBudget() time.Duration {
	if m.cfg.ShutdownTimeout > 0 {
		return m.cfg.ShutdownTimeout
	}
	return 10 * time.Second
}
