//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp - Linux socket options applied before bind.

package tcp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func socketControl(cfg ListenerConfig) func(network, address string, c syscall.RawConn) error {
	if !cfg.ReuseAddr && !cfg.ReusePort {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if cfg.ReuseAddr {
				if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
					return
				}
			}
			if cfg.ReusePort {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
