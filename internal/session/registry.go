// File: internal/session/registry.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Id-keyed registry. A single lock covers every mutation and enumeration so
// a snapshot never observes a half-applied add or remove.

package session

import (
	"sort"
	"sync"
)

// Registry maps session ids to values of type T.
type Registry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Add stores v under id. It returns false and leaves the registry
// untouched if id is already present.
func (r *Registry[T]) Add(id string, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return false
	}
	r.items[id] = v
	return true
}

// Get fetches the value for id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[id]
	return v, ok
}

// Remove deletes id and returns what was stored.
func (r *Registry[T]) Remove(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot copies the current values. The copy is taken under the lock;
// callers work on it without holding anything.
func (r *Registry[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	return out
}

// IDs returns the registered ids in sorted order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Range calls fn for every entry while holding the read lock; fn must not
// call back into the registry. Returning false stops the iteration.
func (r *Registry[T]) Range(fn func(id string, v T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, v := range r.items {
		if !fn(id, v) {
			return
		}
	}
}

// Drain removes and returns every value.
func (r *Registry[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.items))
	for id, v := range r.items {
		out = append(out, v)
		delete(r.items, id)
	}
	return out
}
