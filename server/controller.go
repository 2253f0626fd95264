// File: server/controller.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Controller contract for service paths.

package server

import (
	"strings"

	"github.com/google/uuid"

	"github.com/momentics/hioload-wshost/api"
	"github.com/momentics/hioload-wshost/protocol"
)

// Controller handles the events of one session. A fresh instance is built
// per session. For every session that reaches Open the host calls OnOpen
// once, OnMessage zero or more times, OnError at most once per failure and
// OnClose exactly once, in that order and from a single goroutine.
type Controller interface {
	OnOpen(s *Session)
	OnMessage(s *Session, m *protocol.Message)
	OnError(s *Session, err error)
	OnClose(s *Session, info api.CloseInfo)
}

// ControllerFactory builds the controller for a new session.
type ControllerFactory func() Controller

// Initializer runs once per session after its controller was built and
// before the handshake is answered. An error rejects the upgrade with 500.
type Initializer func(c Controller, s *Session) error

// IDGenerator may be implemented by a controller to choose session ids.
type IDGenerator interface {
	NewSessionID() string
}

// BaseController implements every callback as a no-op; embed it and
// override what you need.
type BaseController struct{}

func (BaseController) OnOpen(*Session)                      {}
func (BaseController) OnMessage(*Session, *protocol.Message) {}
func (BaseController) OnError(*Session, error)              {}
func (BaseController) OnClose(*Session, api.CloseInfo)      {}

// NewSessionID returns a random 32 character hex id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
