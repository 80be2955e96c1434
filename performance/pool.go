// Package performance holds allocation helpers for the hot paths of the
// training loop.
package performance

import (
	"sync"
	"sync/atomic"
)

// TensorPool recycles the float64 backing arrays of batch tensors so that
// an epoch does not allocate a fresh multi-megabyte buffer per batch.
// It is safe for concurrent use by loader workers.
type TensorPool struct {
	pool sync.Pool

	created  atomic.Int64
	recycled atomic.Int64
	inUse    atomic.Int64
	peak     atomic.Int64
}

// PoolStats tracks pool performance metrics.
type PoolStats struct {
	TotalAllocated   int64
	TotalRecycled    int64
	CurrentInUse     int64
	PeakUsage        int64
	AverageReuseRate float64
}

// NewTensorPool creates an empty pool.
func NewTensorPool() *TensorPool {
	return &TensorPool{}
}

// Get returns a zero-length slice with capacity for at least n values.
// Contents of the underlying array are unspecified.
func (p *TensorPool) Get(n int) []float64 {
	cur := p.inUse.Add(1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	if v, ok := p.pool.Get().(*[]float64); ok && cap(*v) >= n {
		return (*v)[:0]
	}
	p.created.Add(1)
	return make([]float64, 0, n)
}

// Put returns buf to the pool. buf must not be used afterwards.
func (p *TensorPool) Put(buf []float64) {
	if cap(buf) == 0 {
		return
	}
	p.inUse.Add(-1)
	p.recycled.Add(1)
	buf = buf[:0]
	p.pool.Put(&buf)
}

// Stats returns current pool statistics.
func (p *TensorPool) Stats() PoolStats {
	total := p.created.Load()
	recycled := p.recycled.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(recycled) / float64(total)
	}
	return PoolStats{
		TotalAllocated:   total,
		TotalRecycled:    recycled,
		CurrentInUse:     p.inUse.Load(),
		PeakUsage:        p.peak.Load(),
		AverageReuseRate: rate,
	}
}
