// Package parallel provides the goroutine fan-out helpers shared by the data
// loader and the data-parallel model replicas.
package parallel

import (
	"runtime"
	"sync"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// Parallelize divides items into one contiguous range per CPU core and runs
// fn on each range concurrently.
func Parallelize(items int, fn func(start, end int)) {
	ParallelizeN(runtime.NumCPU(), items, fn)
}

// ParallelizeN is Parallelize with an explicit worker count.
func ParallelizeN(workers, items int, fn func(start, end int)) {
	ranges := Chunks(items, workers)
	if len(ranges) == 0 {
		return
	}
	if len(ranges) == 1 {
		fn(ranges[0][0], ranges[0][1])
		return
	}

	var wg sync.WaitGroup
	for _, r := range ranges {
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(r[0], r[1])
	}
	wg.Wait()
}

// Chunks splits [0, items) into at most parts contiguous, non-empty
// half-open ranges using ceiling division, so earlier ranges are never
// smaller than later ones.
func Chunks(items, parts int) [][2]int {
	if items <= 0 {
		return nil
	}
	if parts <= 0 {
		parts = 1
	}
	if parts > items {
		parts = items
	}
	chunkSize := (items + parts - 1) / parts

	ranges := make([][2]int, 0, parts)
	for i := 0; i < parts; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > items {
			end = items
		}
		if start >= end {
			continue
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// ForEach runs fn(i) for i in [0, n) concurrently, one goroutine each, and
// returns the first error by index. Panics are converted to errors.
func ForEach(n int, operation string, fn func(i int) error) error {
	if n <= 0 {
		return nil
	}
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = errors.SafeExecute(operation, func() error { return fn(i) })
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
