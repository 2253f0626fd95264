// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Per-connection tunables.

package protocol

import (
	"compress/flate"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the per-connection tunables shared by client and server.
type Config struct {
	// FragmentSize splits outbound messages into frames of at most this
	// many payload bytes; zero sends every message as one frame.
	FragmentSize int `yaml:"fragment_size"`
	// MaxMessageSize caps inbound frames and reassembled messages.
	MaxMessageSize int64 `yaml:"max_message_size"`
	// CloseTimeout bounds the wait for the peer's close frame.
	CloseTimeout time.Duration `yaml:"close_timeout"`
	// WriteTimeout bounds every socket write; zero disables it.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// PingInterval enables proactive pings when positive.
	PingInterval time.Duration `yaml:"ping_interval"`
	// PongWait is the liveness window; it defaults to twice PingInterval.
	PongWait time.Duration `yaml:"pong_wait"`
	// CompressionThreshold is the smallest payload compressed once
	// permessage-deflate is active.
	CompressionThreshold int `yaml:"compression_threshold"`
	CompressionLevel     int `yaml:"compression_level"`

	Logger *zerolog.Logger `yaml:"-"`
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		FragmentSize:         64 * 1024,
		MaxMessageSize:       32 << 20,
		CloseTimeout:         5 * time.Second,
		WriteTimeout:         10 * time.Second,
		CompressionThreshold: 512,
		CompressionLevel:     flate.BestSpeed,
	}
}

// normalize fills derived defaults.
func (c Config) normalize() Config {
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 5 * time.Second
	}
	if c.PingInterval > 0 && c.PongWait <= 0 {
		c.PongWait = 2 * c.PingInterval
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
