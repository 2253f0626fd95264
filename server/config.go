// File: server/config.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server configuration and its YAML loader.

package server

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/protocol"
	"github.com/momentics/hioload-wshost/transport/tcp"
)

// Config holds all server-side configuration parameters.
type Config struct {
	Addr             string        `yaml:"addr"`              // TCP bind address, e.g. ":9000"
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // bound on reading and answering the upgrade
	MaxHeaderBytes   int           `yaml:"max_header_bytes"`  // upgrade request header budget
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`  // graceful stop budget for Unregister

	Listener   ListenerConfig  `yaml:"listener"`
	Connection protocol.Config `yaml:"connection"`
	Services   []ServiceConfig `yaml:"services"`
}

// ListenerConfig mirrors tcp.ListenerConfig for configuration files.
type ListenerConfig struct {
	ReuseAddr bool          `yaml:"reuse_addr"`
	ReusePort bool          `yaml:"reuse_port"`
	NoDelay   bool          `yaml:"no_delay"`
	KeepAlive time.Duration `yaml:"keep_alive"`
	AcceptCPU int           `yaml:"accept_cpu"`
}

// ServiceConfig describes per-path host settings.
type ServiceConfig struct {
	Path          string        `yaml:"path"`
	Subprotocols  []string      `yaml:"subprotocols"`
	Compression   bool          `yaml:"compression"`
	KeepClean     bool          `yaml:"keep_clean"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	WaitTime      time.Duration `yaml:"wait_time"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             ":9000",
		HandshakeTimeout: 10 * time.Second,
		MaxHeaderBytes:   protocol.MaxHandshakeHeadersSize,
		ShutdownTimeout:  10 * time.Second,
		Listener: ListenerConfig{
			ReuseAddr: true,
			NoDelay:   true,
			KeepAlive: 30 * time.Second,
			AcceptCPU: -1,
		},
		Connection: protocol.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration before anything is started.
func (c Config) Validate() error {
	if err := tcp.ValidateAddr(c.Addr); err != nil {
		return &api.ConfigurationError{Field: "addr", Reason: err.Error()}
	}
	if c.HandshakeTimeout < 0 {
		return &api.ConfigurationError{Field: "handshake_timeout", Reason: "must not be negative"}
	}
	if c.Connection.FragmentSize < 0 {
		return &api.ConfigurationError{Field: "connection.fragment_size", Reason: "must not be negative"}
	}
	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if err := validatePath(svc.Path); err != nil {
			return err
		}
		if seen[svc.Path] {
			return &api.ConfigurationError{Field: "services.path", Reason: "duplicate path " + svc.Path}
		}
		seen[svc.Path] = true
		if svc.KeepClean && (svc.SweepInterval <= 0 || svc.WaitTime <= 0) {
			return &api.ConfigurationError{Field: "services.keep_clean", Reason: "sweep_interval and wait_time must be positive for " + svc.Path}
		}
	}
	return nil
}

// Service returns the settings for path, if configured.
func (c Config) Service(path string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Path == path {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// HostOptions converts service settings into host options.
func (sc ServiceConfig) HostOptions() []HostOption {
	opts := []HostOption{WithSubprotocols(sc.Subprotocols...)}
	if sc.Compression {
		opts = append(opts, WithCompression())
	}
	if sc.KeepClean {
		opts = append(opts, WithKeepClean(sc.SweepInterval, sc.WaitTime))
	}
	return opts
}

func (lc ListenerConfig) tcp(addr string) tcp.ListenerConfig {
	return tcp.ListenerConfig{
		Addr:      addr,
		ReuseAddr: lc.ReuseAddr,
		ReusePort: lc.ReusePort,
		NoDelay:   lc.NoDelay,
		KeepAlive: lc.KeepAlive,
		AcceptCPU: lc.AcceptCPU,
	}
}

func validatePath(path string) error {
	if path == "" || path[0] != '/' {
		return &api.ConfigurationError{Field: "path", Reason: "must start with '/': " + path}
	}
	return nil
}
