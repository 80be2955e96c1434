package performance

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTensorPoolGetPut(t *testing.T) {
	p := NewTensorPool()

	buf := p.Get(16)
	assert.Len(t, buf, 0)
	assert.GreaterOrEqual(t, cap(buf), 16)
	buf = append(buf, make([]float64, 16)...)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.TotalAllocated)
	assert.Equal(t, int64(1), stats.CurrentInUse)

	p.Put(buf)
	stats = p.Stats()
	assert.Equal(t, int64(0), stats.CurrentInUse)
	assert.Equal(t, int64(1), stats.TotalRecycled)
	assert.Equal(t, int64(1), stats.PeakUsage)

	// 容量が足りないバッファは再利用されない
	big := p.Get(1 << 10)
	assert.GreaterOrEqual(t, cap(big), 1<<10)
}

func TestTensorPoolConcurrent(t *testing.T) {
	p := NewTensorPool()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf := p.Get(64)
				buf = append(buf, float64(i))
				p.Put(buf)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.CurrentInUse)
	assert.Equal(t, int64(800), stats.TotalRecycled)
	assert.LessOrEqual(t, stats.PeakUsage, int64(8))
}
