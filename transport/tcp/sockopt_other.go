//go:build !linux
// +build !linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp - platforms without extra socket options.

package tcp

import "syscall"

// socketControl leaves the platform defaults in place.
func socketControl(ListenerConfig) func(network, address string, c syscall.RawConn) error {
	return nil
}
