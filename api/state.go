// Package api
// Author: momentics <momentics@gmail.com>
//
// Connection lifecycle states.

package api

// State is the lifecycle position of a connection. Transitions only move
// forward: Connecting -> Open -> Closing -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
