// File: server/options.go
// Package server defines functional options for the Server, Manager and Host.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-wshost/control"
	"github.com/momentics/hioload-wshost/protocol"
)

// Option customizes a Server or Manager.
type Option func(*settings)

type settings struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *control.MetricsRegistry
}

func newSettings(opts []Option) *settings {
	st := &settings{cfg: DefaultConfig(), logger: zerolog.Nop()}
	for _, o := range opts {
		o(st)
	}
	if st.metrics == nil {
		st.metrics = control.NewMetricsRegistry()
	}
	return st
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithLogger sets the logger used by the server and every host.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithMetrics shares an existing metrics registry.
func WithMetrics(mr *control.MetricsRegistry) Option {
	return func(s *settings) { s.metrics = mr }
}

// WithHandshakeTimeout bounds reading and answering the upgrade request.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *settings) { s.cfg.HandshakeTimeout = d }
}

// WithConnectionConfig sets the default per-connection tunables.
func WithConnectionConfig(cfg protocol.Config) Option {
	return func(s *settings) { s.cfg.Connection = cfg }
}

// WithReusePort enables SO_REUSEPORT on the listening socket.
func WithReusePort() Option {
	return func(s *settings) { s.cfg.Listener.ReusePort = true }
}

// WithAcceptCPU pins the accept loop to cpu.
func WithAcceptCPU(cpu int) Option {
	return func(s *settings) { s.cfg.Listener.AcceptCPU = cpu }
}

// HostOption customizes a single service path.
type HostOption func(*hostConfig)

type hostConfig struct {
	subprotocols   []string
	compression    bool
	checkOrigin    func(r *http.Request) bool
	conn           protocol.Config
	maxHeaderBytes int
	keepClean      bool
	sweepInterval  time.Duration
	waitTime       time.Duration
	logger         zerolog.Logger
	metrics        *control.MetricsRegistry
}

// WithSubprotocols lists the subprotocols the service speaks.
func WithSubprotocols(protos ...string) HostOption {
	return func(c *hostConfig) { c.subprotocols = append(c.subprotocols, protos...) }
}

// WithCompression enables permessage-deflate negotiation.
func WithCompression() HostOption {
	return func(c *hostConfig) { c.compression = true }
}

// WithCheckOrigin installs an origin policy; rejected upgrades get 403.
func WithCheckOrigin(fn func(r *http.Request) bool) HostOption {
	return func(c *hostConfig) { c.checkOrigin = fn }
}

// WithHostConnectionConfig overrides the connection tunables for this path.
func WithHostConnectionConfig(cfg protocol.Config) HostOption {
	return func(c *hostConfig) { c.conn = cfg }
}

// WithKeepClean enables the inactivity sweep: every interval, sessions
// idle longer than wait are pinged and evicted if they stay silent.
func WithKeepClean(interval, wait time.Duration) HostOption {
	return func(c *hostConfig) {
		c.keepClean = true
		c.sweepInterval = interval
		c.waitTime = wait
	}
}
