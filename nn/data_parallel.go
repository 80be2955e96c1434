package nn

import (
	"math/rand"
	"runtime"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/core/parallel"
	"github.com/YuminosukeSato/finetune/pkg/errors"
	"github.com/YuminosukeSato/finetune/pkg/log"
)

// DataParallel replicates a module over a list of device ids. Each batch is
// scattered into contiguous row shards, one per device, that run forward
// and backward in their own goroutines. Outputs are gathered in shard order
// and replica gradients are summed into the shared parameters in device
// order, so the primary (first) device owns the reduced gradients.
//
// A one-element device list is a plain single-replica run.
//
// DataParallel is not safe for concurrent use; Forward and Backward must be
// called from a single goroutine.
type DataParallel struct {
	module  Module
	devices []int
	rngs    []*rand.Rand

	passes []*Pass
	shards [][2]int
	rows   int
}

// NewDataParallel wraps module for the given device ids. The list must be
// non-empty with unique, non-negative ids. seed drives per-replica dropout.
func NewDataParallel(module Module, deviceIDs []int, seed int64) (*DataParallel, error) {
	if module == nil {
		return nil, errors.NewValueError("NewDataParallel", "module is nil")
	}
	if len(deviceIDs) == 0 {
		return nil, errors.NewDeviceError(deviceIDs, "no devices given")
	}
	seen := make(map[int]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		if id < 0 {
			return nil, errors.NewDeviceError(deviceIDs, "negative device id")
		}
		if seen[id] {
			return nil, errors.NewDeviceError(deviceIDs, "duplicate device id")
		}
		seen[id] = true
	}
	if cpus := runtime.NumCPU(); len(deviceIDs) > cpus {
		errors.Warn(errors.NewDeviceOversubscriptionWarning(len(deviceIDs), cpus))
	}

	dp := &DataParallel{
		module:  module,
		devices: append([]int(nil), deviceIDs...),
		rngs:    make([]*rand.Rand, len(deviceIDs)),
	}
	for i, id := range dp.devices {
		dp.rngs[i] = rand.New(rand.NewSource(seed + int64(id)))
	}
	log.GetLogger().Debug("Data parallel replicas ready",
		log.ComponentKey, "nn",
		log.DevicesKey, dp.devices,
	)
	return dp, nil
}

// Devices returns the device ids; the first is the primary.
func (dp *DataParallel) Devices() []int {
	return append([]int(nil), dp.devices...)
}

// Module returns the wrapped module.
func (dp *DataParallel) Module() Module { return dp.module }

func (dp *DataParallel) Train()           { dp.module.Train() }
func (dp *DataParallel) Eval()            { dp.module.Eval() }
func (dp *DataParallel) IsTraining() bool { return dp.module.IsTraining() }

// Parameters returns the shared parameters of the wrapped module.
func (dp *DataParallel) Parameters() []*Param { return dp.module.Params() }

// ZeroGrad clears the reduced gradients.
func (dp *DataParallel) ZeroGrad() { ZeroGrad(dp.module.Params()) }

// Save checkpoints the wrapped module.
func (dp *DataParallel) Save(path string) error { return dp.module.Save(path) }

// Forward scatters x across replicas and gathers their outputs.
func (dp *DataParallel) Forward(x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	shards := parallel.Chunks(rows, len(dp.devices))
	if len(shards) == 0 {
		return nil, errors.WithStack(errors.ErrEmptyData)
	}

	train := dp.module.IsTraining()
	passes := make([]*Pass, len(shards))
	outs := make([]*mat.Dense, len(shards))
	err := parallel.ForEach(len(shards), "DataParallel.Forward", func(i int) error {
		s := shards[i]
		passes[i] = NewPass(train, dp.rngs[i])
		shard := x.Slice(s[0], s[1], 0, cols).(*mat.Dense)
		out, err := dp.module.Forward(passes[i], shard)
		if err != nil {
			return dp.replicaError(i, "forward", err)
		}
		outs[i] = out
		return nil
	})
	if err != nil {
		dp.reset()
		return nil, err
	}

	_, outCols := outs[0].Dims()
	gathered := mat.NewDense(rows, outCols, nil)
	for i, s := range shards {
		gathered.Slice(s[0], s[1], 0, outCols).(*mat.Dense).Copy(outs[i])
	}

	if train {
		dp.passes, dp.shards, dp.rows = passes, shards, rows
	} else {
		dp.reset()
	}
	return gathered, nil
}

// Backward scatters grad (the loss gradient with respect to the gathered
// output) back to the replicas of the last training Forward and sums their
// parameter gradients into the shared parameters.
func (dp *DataParallel) Backward(grad *mat.Dense) error {
	if dp.passes == nil {
		return errors.Wrap(errNoActivation, "DataParallel.Backward")
	}
	defer dp.reset()

	rows, cols := grad.Dims()
	if rows != dp.rows {
		return errors.NewDimensionError("DataParallel.Backward", dp.rows, rows, 0)
	}
	err := parallel.ForEach(len(dp.shards), "DataParallel.Backward", func(i int) error {
		s := dp.shards[i]
		shard := grad.Slice(s[0], s[1], 0, cols).(*mat.Dense)
		if _, err := dp.module.Backward(dp.passes[i], shard); err != nil {
			return dp.replicaError(i, "backward", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	params := dp.module.Params()
	for _, p := range dp.passes {
		p.AccumulateInto(params)
	}
	return nil
}

func (dp *DataParallel) replicaError(i int, stage string, err error) error {
	log.GetLogger().Debug("Replica failed",
		log.ComponentKey, "nn",
		log.GPUIDKey, dp.devices[i],
		log.OperationKey, stage,
		log.ErrAttrKey, err,
	)
	return errors.Wrapf(err, "replica on device %d", dp.devices[i])
}

func (dp *DataParallel) reset() {
	dp.passes, dp.shards, dp.rows = nil, nil, 0
}
