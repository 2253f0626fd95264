package pool_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/hioload-wshost/pool"
)

func TestBufferPoolReuse(t *testing.T) {
	bp := pool.NewBufferPool(4, 1024)
	b1 := bp.Get()
	b1.WriteString("hello")
	bp.Put(b1)

	b2 := bp.Get()
	assert.Same(t, b1, b2, "idle buffer is handed out again")
	assert.Zero(t, b2.Len(), "buffers come back empty")

	st := bp.Stats()
	assert.Equal(t, int64(1), st["hits"])
	assert.Equal(t, int64(1), st["misses"])
}

func TestBufferPoolDropsOversized(t *testing.T) {
	bp := pool.NewBufferPool(4, 16)
	b := bp.Get()
	b.Write(make([]byte, 100))
	bp.Put(b)
	assert.Equal(t, int64(1), bp.Stats()["drops"])
	assert.Equal(t, int64(0), bp.Stats()["idle"])
	assert.NotSame(t, b, bp.Get())
}

func TestBufferPoolBoundedFreeList(t *testing.T) {
	bp := pool.NewBufferPool(1, 0)
	bp.Put(new(bytes.Buffer))
	bp.Put(new(bytes.Buffer))
	bp.Put(nil)
	st := bp.Stats()
	assert.Equal(t, int64(1), st["idle"])
	assert.Equal(t, int64(1), st["drops"])
}

func TestSyncPoolBuildsOnDemand(t *testing.T) {
	sp := pool.NewSyncPool(func() *bytes.Buffer { return new(bytes.Buffer) })
	var _ pool.ObjectPool[*bytes.Buffer] = sp

	b := sp.Get()
	assert.NotNil(t, b)
	assert.Equal(t, int64(1), sp.Created())
	sp.Put(b)
}
