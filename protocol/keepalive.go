// File: protocol/keepalive.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Liveness tracking. Any inbound frame counts as a sign of life; pings are
// only a way to provoke one.

package protocol

import (
	"time"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-wshost/api"
)

// Liveness is the outcome of a Probe.
type Liveness int

const (
	// LivenessAlive means the peer was heard from within the wait window.
	LivenessAlive Liveness = iota
	// LivenessPinged means the peer is idle and a ping is outstanding.
	LivenessPinged
	// LivenessExpired means a ping went unanswered for a full window.
	LivenessExpired
)

func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessPinged:
		return "pinged"
	default:
		return "expired"
	}
}

// LastAlive returns when the peer last sent a frame.
func (c *Conn) LastAlive() time.Time { return time.Unix(0, c.lastAlive.Load()) }

// Ping sends a ping with an optional payload of at most 125 bytes.
func (c *Conn) Ping(payload []byte) error {
	if s := c.State(); s != api.StateOpen {
		return &api.InvalidStateError{Op: "ping", State: s}
	}
	if len(payload) > MaxControlPayloadLen {
		return api.NewProtocolError("ping payload of %d bytes exceeds %d", len(payload), MaxControlPayloadLen)
	}
	if err := c.writeControl(OpPing, payload); err != nil {
		return err
	}
	c.pingSent.Store(time.Now().UnixNano())
	return nil
}

// Probe checks liveness against wait. An idle peer gets one ping; if the
// peer stays silent for another wait after that ping, Probe reports
// LivenessExpired and leaves the eviction to the caller.
func (c *Conn) Probe(wait time.Duration) Liveness {
	if c.State() != api.StateOpen {
		return LivenessAlive
	}
	now := time.Now()
	last := c.lastAlive.Load()
	if now.Sub(time.Unix(0, last)) <= wait {
		return LivenessAlive
	}
	if sent := c.pingSent.Load(); sent > last {
		if now.Sub(time.Unix(0, sent)) >= wait {
			return LivenessExpired
		}
		return LivenessPinged
	}
	switch err := c.tryWriteControl(OpPing, nil); {
	case err == nil, errors.Is(err, errWriterBusy):
		// A writer stuck behind a peer that stopped reading counts as a
		// ping in flight; the next probe after wait expires it.
		c.pingSent.Store(now.UnixNano())
		return LivenessPinged
	default:
		return LivenessExpired
	}
}

// keepalive pings on PingInterval and aborts once nothing arrived for
// PongWait.
func (c *Conn) keepalive() {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-t.C:
			if c.State() != api.StateOpen {
				continue
			}
			if time.Since(c.LastAlive()) > c.cfg.PongWait {
				c.log.Debug().Dur("pong_wait", c.cfg.PongWait).Msg("keepalive expired")
				c.Abort(api.ErrKeepaliveTimeout)
				return
			}
			if err := c.tryWriteControl(OpPing, nil); err == nil {
				c.pingSent.Store(time.Now().UnixNano())
			} else if !errors.Is(err, errWriterBusy) {
				c.log.Debug().Err(err).Msg("keepalive ping failed")
			}
		}
	}
}
