// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp provides the TCP listener for hioload-wshost.

package tcp

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ListenerConfig holds configuration for the TCP listener.
type ListenerConfig struct {
	Addr      string        // TCP address to bind (e.g., ":9001")
	ReuseAddr bool          // SO_REUSEADDR before bind
	ReusePort bool          // SO_REUSEPORT before bind, linux only
	NoDelay   bool          // TCP_NODELAY on accepted connections
	KeepAlive time.Duration // TCP keepalive period; negative disables
	AcceptCPU int           // CPU for the accept loop; negative disables pinning
}

// DefaultListenerConfig returns the settings used by the server.
func DefaultListenerConfig(addr string) ListenerConfig {
	return ListenerConfig{
		Addr:      addr,
		ReuseAddr: true,
		NoDelay:   true,
		KeepAlive: 30 * time.Second,
		AcceptCPU: -1,
	}
}

// ValidateAddr checks that addr is a host:port pair with a usable port.
func ValidateAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Wrap(err, "split host/port")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return errors.Errorf("invalid port %q", port)
	}
	if host != "" && net.ParseIP(host) == nil {
		if _, err := net.LookupHost(host); err != nil {
			return errors.Wrapf(err, "resolve host %q", host)
		}
	}
	return nil
}

// Listen opens the listening socket with the configured options.
func Listen(ctx context.Context, cfg ListenerConfig) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAlive: cfg.KeepAlive,
		Control:   socketControl(cfg),
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "tcp listen on %s", cfg.Addr)
	}
	return ln, nil
}

// ConfigureConn applies per-connection options to an accepted socket.
func ConfigureConn(c net.Conn, cfg ListenerConfig) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(cfg.NoDelay)
	}
}
