// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector. Counters are lock-free after first use;
// gauges are sampled on every snapshot.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRegistry holds counters, static values and sampled gauges.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	values   map[string]any
	gauges   map[string]func() any
	updated  atomic.Int64
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]*atomic.Int64),
		values:   make(map[string]any),
		gauges:   make(map[string]func() any),
	}
}

// Add increments counter key by delta.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	mr.counter(key).Add(delta)
	mr.updated.Store(time.Now().UnixNano())
}

// Inc increments counter key by one.
func (mr *MetricsRegistry) Inc(key string) { mr.Add(key, 1) }

// Counter returns the current value of counter key.
func (mr *MetricsRegistry) Counter(key string) int64 {
	mr.mu.RLock()
	c, ok := mr.counters[key]
	mr.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

func (mr *MetricsRegistry) counter(key string) *atomic.Int64 {
	mr.mu.RLock()
	c, ok := mr.counters[key]
	mr.mu.RUnlock()
	if ok {
		return c
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if c, ok = mr.counters[key]; !ok {
		c = new(atomic.Int64)
		mr.counters[key] = c
	}
	return c
}

// Set sets or updates a static metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.values[key] = value
	mr.mu.Unlock()
	mr.updated.Store(time.Now().UnixNano())
}

// RegisterGauge installs fn to be sampled under key on every snapshot.
func (mr *MetricsRegistry) RegisterGauge(key string, fn func() any) {
	mr.mu.Lock()
	mr.gauges[key] = fn
	mr.mu.Unlock()
}

// Updated returns when a counter or value last changed.
func (mr *MetricsRegistry) Updated() time.Time {
	return time.Unix(0, mr.updated.Load())
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	out := make(map[string]any, len(mr.counters)+len(mr.values)+len(mr.gauges))
	for k, v := range mr.values {
		out[k] = v
	}
	for k, c := range mr.counters {
		out[k] = c.Load()
	}
	gauges := make(map[string]func() any, len(mr.gauges))
	for k, fn := range mr.gauges {
		gauges[k] = fn
	}
	mr.mu.RUnlock()

	// Gauges may take their own locks, so they run outside ours.
	for k, fn := range gauges {
		out[k] = fn()
	}
	return out
}
