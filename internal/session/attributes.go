// Package session
// Author: momentics <momentics@gmail.com>
//
// Thread-safe per-session attribute store with optional key expiry.

package session

import (
	"sort"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

type entry struct {
	val    any
	expiry time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiry.IsZero() && now.After(e.expiry)
}

// Attributes holds arbitrary values controllers attach to a session.
type Attributes struct {
	mu    sync.RWMutex
	store map[string]entry
}

// NewAttributes creates an empty store.
func NewAttributes() *Attributes {
	return &Attributes{store: make(map[string]entry)}
}

// Set stores a value, clearing any expiry on the key.
func (a *Attributes) Set(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store[key] = entry{val: value}
}

// SetWithTTL stores a value that disappears after ttl.
func (a *Attributes) SetWithTTL(key string, value any, ttl time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.store[key] = entry{val: value, expiry: time.Now().Add(ttl)}
}

// Get retrieves a live value.
func (a *Attributes) Get(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.store[key]
	if !ok || e.expired(time.Now()) {
		return nil, false
	}
	return e.val, true
}

// Delete removes a key.
func (a *Attributes) Delete(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.store, key)
}

// Keys returns the live keys in sorted order.
func (a *Attributes) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := time.Now()
	keys := make([]string, 0, len(a.store))
	for k, e := range a.store {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy.
func (a *Attributes) Clone() *Attributes {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cp := make(map[string]entry, len(a.store))
	for k, v := range a.store {
		cp[k] = v
	}
	return &Attributes{store: cp}
}

// MarshalJSON exports the live keys as a JSON object.
func (a *Attributes) MarshalJSON() ([]byte, error) {
	a.mu.RLock()
	now := time.Now()
	live := make(map[string]any, len(a.store))
	for k, e := range a.store {
		if !e.expired(now) {
			live[k] = e.val
		}
	}
	a.mu.RUnlock()
	return sonnet.Marshal(live)
}
