//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp - Linux-specific CPU affinity implementation.

package tcp

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and pins
// that thread to cpu.
func PinCurrentThread(cpu int) error {
	if cpu < 0 {
		return nil
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return errors.Wrapf(err, "pin to cpu %d", cpu)
	}
	return nil
}
