// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package pool

import (
	"sync"
	"sync/atomic"
)

// ObjectPool is a generic object pool.
type ObjectPool[T any] interface {
	Get() T
	Put(T)
}

// SyncPool wraps sync.Pool for typed use and counts constructions.
type SyncPool[T any] struct {
	pool    sync.Pool
	created atomic.Int64
}

// NewSyncPool creates a SyncPool that builds new objects with creator.
func NewSyncPool[T any](creator func() T) *SyncPool[T] {
	sp := &SyncPool[T]{}
	sp.pool.New = func() any {
		sp.created.Add(1)
		return creator()
	}
	return sp
}

// Get returns a pooled object or a fresh one.
func (sp *SyncPool[T]) Get() T {
	return sp.pool.Get().(T)
}

// Put makes obj available for reuse. The caller must not touch it afterwards.
func (sp *SyncPool[T]) Put(obj T) {
	sp.pool.Put(obj)
}

// Created reports how many objects the creator has built so far.
func (sp *SyncPool[T]) Created() int64 { return sp.created.Load() }
