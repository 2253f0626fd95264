// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import (
	"bytes"
	"sync/atomic"
)

// BufferPool recycles bytes.Buffers through a bounded free list. Buffers
// that grew past maxCap are dropped on Put so one large message does not
// pin its memory for the life of the process.
type BufferPool struct {
	free   chan *bytes.Buffer
	maxCap int

	hits   atomic.Int64
	misses atomic.Int64
	drops  atomic.Int64
}

// NewBufferPool keeps up to slots idle buffers of at most maxCap bytes.
func NewBufferPool(slots, maxCap int) *BufferPool {
	if slots <= 0 {
		slots = 1
	}
	return &BufferPool{free: make(chan *bytes.Buffer, slots), maxCap: maxCap}
}

// Default is shared by the handshake writers and the deflate codec.
var Default = NewBufferPool(1024, 64*1024)

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	select {
	case b := <-p.free:
		p.hits.Add(1)
		return b
	default:
		p.misses.Add(1)
		return new(bytes.Buffer)
	}
}

// Put resets b and returns it to the free list.
func (p *BufferPool) Put(b *bytes.Buffer) {
	if b == nil {
		return
	}
	if p.maxCap > 0 && b.Cap() > p.maxCap {
		p.drops.Add(1)
		return
	}
	b.Reset()
	select {
	case p.free <- b:
	default:
		p.drops.Add(1)
	}
}

// Stats returns hit, miss and drop counters plus the idle count.
func (p *BufferPool) Stats() map[string]int64 {
	return map[string]int64{
		"hits":   p.hits.Load(),
		"misses": p.misses.Load(),
		"drops":  p.drops.Load(),
		"idle":   int64(len(p.free)),
	}
}
