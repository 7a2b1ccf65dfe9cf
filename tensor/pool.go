package tensor

import (
	"sync"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Scratch buffers for the attention kernel. Every (query chunk, key chunk)
// pair needs a score row per query and a probability row in the backward
// pass; allocating them per pair dominates GC time for long sequences.
//
// Buffers are grouped by exact length: one sync.Pool per size, created lazily
// under a RWMutex with a double-checked fast path. Pools hold *[]float64 so
// Put does not allocate.
//
// ===========================================================================

// BufferPool hands out reusable float64 slices keyed by length.
type BufferPool struct {
	pools map[int]*sync.Pool
	mu    sync.RWMutex
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
	}
}

var defaultPool = NewBufferPool()

func (bp *BufferPool) poolFor(size int) *sync.Pool {
	// Fast path: pool already exists
	bp.mu.RLock()
	pool, ok := bp.pools[size]
	bp.mu.RUnlock()
	if ok {
		return pool
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	// Another goroutine may have created it
	if pool, ok := bp.pools[size]; ok {
		return pool
	}

	pool = &sync.Pool{
		New: func() any {
			buf := make([]float64, size)
			return &buf
		},
	}
	bp.pools[size] = pool
	return pool
}

// Get returns a buffer of exactly size elements. Contents are unspecified.
func (bp *BufferPool) Get(size int) *[]float64 {
	return bp.poolFor(size).Get().(*[]float64)
}

// Put returns a buffer obtained from Get.
func (bp *BufferPool) Put(buf *[]float64) {
	if buf == nil || len(*buf) == 0 {
		return
	}
	bp.poolFor(len(*buf)).Put(buf)
}

// GetBuffer takes a buffer from the package-level pool.
func GetBuffer(size int) *[]float64 {
	return defaultPool.Get(size)
}

// PutBuffer returns a buffer to the package-level pool.
func PutBuffer(buf *[]float64) {
	defaultPool.Put(buf)
}
