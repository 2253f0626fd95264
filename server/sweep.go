// File: server/sweep.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Keep-clean sweep: periodic liveness probing of idle sessions.

package server

import (
	"time"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/protocol"
)

func (h *Host) sweepLoop() {
	defer close(h.sweepDone)
	t := time.NewTicker(h.cfg.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-h.sweepStop:
			return
		case <-t.C:
			if n := h.Sweep(); n > 0 {
				h.log.Debug().Int("evicted", n).Msg("sweep evicted idle sessions")
			}
		}
	}
}

// Sweep probes every open session once. Sessions idle longer than the
// wait window are pinged; those still silent one window after their ping
// are removed from the map and aborted with an unclean 1006 close. It
// returns the number of evicted sessions.
func (h *Host) Sweep() int {
	wait := h.cfg.waitTime
	if wait <= 0 {
		return 0
	}
	evicted := 0
	for _, s := range h.sessions.Snapshot() {
		if s.State() != api.StateOpen {
			continue
		}
		if s.conn.Probe(wait) != protocol.LivenessExpired {
			continue
		}
		if _, ok := h.sessions.Remove(s.id); !ok {
			continue
		}
		s.log.Debug().Time("last_alive", s.LastAlive()).Msg("evicting unresponsive session")
		s.conn.Abort(api.ErrKeepaliveTimeout)
		h.metrics.Inc("sessions_evicted")
		evicted++
	}
	return evicted
}
