//go:build !linux
// +build !linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package tcp - CPU pinning is a no-op off linux.

package tcp

// PinCurrentThread does nothing on this platform.
func PinCurrentThread(cpu int) error { return nil }
