// Package dataloader turns a dataset into shuffled mini-batches of
// preprocessed tensors.
//
// Each epoch the sample order is reshuffled (when enabled) and cut into
// batches. Batches are decoded and transformed by a pool of worker
// goroutines, at most 2*NumWorkers ahead of the consumer, and are delivered
// in order.
package dataloader

import (
	"context"
	"image"
	"math/rand"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/performance"
	"github.com/YuminosukeSato/finetune/pkg/errors"
	"github.com/YuminosukeSato/finetune/vision/dataset"
	"github.com/YuminosukeSato/finetune/vision/transforms"
)

// Dataset is the minimal contract the loader needs.
type Dataset interface {
	Len() int
	Item(index int) (dataset.Item, error)
}

// ImageLoader reads and decodes one file.
type ImageLoader func(path string) (image.Image, error)

// Config holds configuration for DataLoader.
type Config struct {
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	// DropLast discards a trailing batch smaller than BatchSize.
	DropLast bool
	// Seed fixes the shuffle and augmentation streams; 0 seeds from the clock.
	Seed     int64
	Pipeline *transforms.Pipeline
	// Loader defaults to dataset.LoadImage.
	Loader ImageLoader
	// Pool, when set, supplies the backing arrays of batch inputs. Callers
	// then hand them back with Batch.Release.
	Pool *performance.TensorPool
}

// Batch is one mini-batch: one row of Inputs per sample.
type Batch struct {
	Index  int
	Inputs *mat.Dense
	Labels []int

	release func()
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}

// Release returns the input buffer to the loader's pool. Inputs must not be
// used afterwards. It is a no-op without a pool and safe to call twice.
func (b Batch) Release() {
	if b.release != nil {
		b.release()
	}
}

// DataLoader produces batches from a Dataset. Only one epoch may be iterated
// at a time.
type DataLoader struct {
	ds  Dataset
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New validates cfg and creates a loader over ds.
func New(ds Dataset, cfg Config) (*DataLoader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.Wrap(errors.ErrEmptyData, "dataloader.New")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.NewValidationError("BatchSize", "must be > 0", cfg.BatchSize)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.Pipeline == nil {
		return nil, errors.NewValidationError("Pipeline", "must not be nil", nil)
	}
	if cfg.Loader == nil {
		cfg.Loader = dataset.LoadImage
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataLoader{
		ds:  ds,
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// DatasetSize returns the number of samples in the underlying dataset.
func (dl *DataLoader) DatasetSize() int {
	return dl.ds.Len()
}

// NumBatches returns the number of batches per epoch.
func (dl *DataLoader) NumBatches() int {
	n := dl.ds.Len()
	if dl.cfg.DropLast {
		return n / dl.cfg.BatchSize
	}
	return (n + dl.cfg.BatchSize - 1) / dl.cfg.BatchSize
}

type plan struct {
	batches [][]int
	seeds   []int64
}

// newPlan draws the epoch's sample order and one augmentation seed per
// batch, so results do not depend on worker scheduling.
func (dl *DataLoader) newPlan() plan {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	n := dl.ds.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if dl.cfg.Shuffle {
		dl.rng.Shuffle(n, func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	nb := dl.NumBatches()
	p := plan{batches: make([][]int, nb), seeds: make([]int64, nb)}
	for b := 0; b < nb; b++ {
		start := b * dl.cfg.BatchSize
		end := start + dl.cfg.BatchSize
		if end > n {
			end = n
		}
		p.batches[b] = order[start:end]
		p.seeds[b] = dl.rng.Int63()
	}
	return p
}

type result struct {
	batch Batch
	err   error
}

// ForEachBatch runs one epoch, calling fn for every batch in order. It
// stops at the first error from fn, from loading, or from ctx.
func (dl *DataLoader) ForEachBatch(ctx context.Context, fn func(Batch) error) error {
	p := dl.newPlan()
	nb := len(p.batches)
	if nb == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)

	results := make([]chan result, nb)
	for i := range results {
		results[i] = make(chan result, 1)
	}
	jobs := make(chan int)
	slots := make(chan struct{}, 2*dl.cfg.NumWorkers)

	var wg sync.WaitGroup
	for w := 0; w < dl.cfg.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				batch, err := dl.loadBatch(idx, p.batches[idx], p.seeds[idx])
				results[idx] <- result{batch: batch, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for idx := 0; idx < nb; idx++ {
			select {
			case <-ctx.Done():
				return
			case slots <- struct{}{}:
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- idx:
			}
		}
	}()

	// next is the first batch not yet handed to fn
	next := 0
	// workers exit once the producer closes jobs, which needs ctx cancelled
	defer func() {
		cancel()
		wg.Wait()
		// read-ahead batches left over after an early return
		for k := next; k < nb; k++ {
			select {
			case r := <-results[k]:
				if r.err == nil {
					r.batch.Release()
				}
			default:
			}
		}
	}()

	for idx := 0; idx < nb; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r result
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r = <-results[idx]:
		}
		next = idx + 1
		<-slots
		if r.err != nil {
			return r.err
		}
		if err := fn(r.batch); err != nil {
			return err
		}
	}
	return nil
}

func (dl *DataLoader) loadBatch(idx int, indices []int, seed int64) (batch Batch, err error) {
	defer errors.Recover(&err, "dataloader.loadBatch")

	rng := rand.New(rand.NewSource(seed))
	var data []float64
	width := 0
	labels := make([]int, len(indices))

	pool := dl.cfg.Pool
	defer func() {
		if err != nil && pool != nil && data != nil {
			pool.Put(data)
		}
	}()

	for i, sampleIdx := range indices {
		item, err := dl.ds.Item(sampleIdx)
		if err != nil {
			return Batch{}, err
		}
		img, err := dl.cfg.Loader(item.Path)
		if err != nil {
			return Batch{}, err
		}
		tensor, _, err := dl.cfg.Pipeline.Apply(img, rng)
		if err != nil {
			return Batch{}, errors.Wrapf(err, "transform %s", item.Path)
		}
		if width == 0 {
			width = len(tensor)
			if pool != nil {
				data = pool.Get(width * len(indices))
			} else {
				data = make([]float64, 0, width*len(indices))
			}
		} else if len(tensor) != width {
			return Batch{}, errors.NewDimensionError("dataloader.loadBatch", width, len(tensor), 1)
		}
		data = append(data, tensor...)
		labels[i] = item.Label
	}

	batch = Batch{
		Index:  idx,
		Inputs: mat.NewDense(len(indices), width, data),
		Labels: labels,
	}
	if pool != nil {
		buf := data
		batch.release = sync.OnceFunc(func() { pool.Put(buf) })
	}
	return batch, nil
}
