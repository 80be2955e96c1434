// Package trainer runs the supervised fine-tuning loop: one training pass
// and one validation pass per epoch, a history row per epoch, best
// validation accuracy bookkeeping and a full-model checkpoint per epoch.
package trainer

import (
	"context"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/metrics"
	"github.com/YuminosukeSato/finetune/nn"
	"github.com/YuminosukeSato/finetune/optim"
	"github.com/YuminosukeSato/finetune/pkg/errors"
	"github.com/YuminosukeSato/finetune/pkg/log"
	"github.com/YuminosukeSato/finetune/vision/dataloader"
)

// Model is the replicated network as seen by the loop. *nn.DataParallel
// implements it.
type Model interface {
	Forward(x *mat.Dense) (*mat.Dense, error)
	Backward(grad *mat.Dense) error
	Train()
	Eval()
	Save(path string) error
}

// Loader yields the batches of one split, one full pass per call. Batches
// are released back to the loader once the step that used them is done.
type Loader interface {
	DatasetSize() int
	ForEachBatch(ctx context.Context, fn func(dataloader.Batch) error) error
}

// Params wires the loop together.
type Params struct {
	Dataset   string
	Model     Model
	Loss      nn.Loss
	Optimizer optim.Optimizer
	Train     Loader
	Valid     Loader
	Epochs    int

	// CheckpointDir receives <Dataset>_model_<epoch>.pt each epoch.
	CheckpointDir string

	// LogEvery emits a throughput line every LogEvery training batches at
	// debug level. Zero disables it.
	LogEvery int

	Logger log.Logger
}

// Result is what a completed run produced.
type Result struct {
	History     *metrics.History
	Best        metrics.BestTracker
	Checkpoints []string
}

func (p *Params) validate() error {
	switch {
	case p.Dataset == "":
		return errors.NewValidationError("dataset", "must not be empty", p.Dataset)
	case p.Model == nil:
		return errors.NewValidationError("model", "must not be nil", nil)
	case p.Loss == nil:
		return errors.NewValidationError("loss", "must not be nil", nil)
	case p.Optimizer == nil:
		return errors.NewValidationError("optimizer", "must not be nil", nil)
	case p.Train == nil || p.Valid == nil:
		return errors.NewValidationError("loaders", "train and valid loaders are required", nil)
	case p.Epochs <= 0:
		return errors.NewValidationError("epochs", "must be positive", p.Epochs)
	case p.CheckpointDir == "":
		return errors.NewValidationError("checkpoint_dir", "must not be empty", p.CheckpointDir)
	}
	return nil
}

// TrainAndValid trains for p.Epochs epochs. Any error stops the run and is
// returned; checkpoints already written are kept.
func TrainAndValid(ctx context.Context, p Params) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = log.GetLogger()
	}
	logger = logger.With(log.ComponentKey, "trainer", log.DatasetKey, p.Dataset)

	res := &Result{History: metrics.NewHistory()}
	for epoch := 1; epoch <= p.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrapf(err, "before epoch %d", epoch)
		}
		start := time.Now()
		logger.Info("Epoch started", log.EpochKey, epoch, log.EpochsKey, p.Epochs)

		p.Model.Train()
		var train metrics.EpochAccumulator
		if err := trainEpoch(ctx, p, epoch, &train, logger); err != nil {
			return res, errors.Wrapf(err, "epoch %d: training", epoch)
		}

		p.Model.Eval()
		var valid metrics.EpochAccumulator
		if err := validEpoch(ctx, p, &valid); err != nil {
			return res, errors.Wrapf(err, "epoch %d: validation", epoch)
		}

		row, err := epochMetrics(p, &train, &valid)
		if err != nil {
			return res, errors.Wrapf(err, "epoch %d", epoch)
		}
		res.History.Append(row)
		res.Best.Observe(epoch, row.ValidAccuracy)

		logger.Info("Epoch finished",
			log.EpochKey, epoch,
			log.TrainLossKey, row.TrainLoss,
			log.TrainAccuracyKey, row.TrainAccuracy*100,
			log.ValidLossKey, row.ValidLoss,
			log.ValidAccuracyKey, row.ValidAccuracy*100,
			log.DurationSecondsKey, time.Since(start).Seconds(),
		)
		logger.Info("Best accuracy for validation",
			log.BestAccuracyKey, res.Best.Accuracy,
			log.BestEpochKey, res.Best.Epoch,
		)

		path := CheckpointPath(p.CheckpointDir, p.Dataset, epoch)
		if err := p.Model.Save(path); err != nil {
			return res, errors.Wrapf(err, "epoch %d: checkpoint", epoch)
		}
		res.Checkpoints = append(res.Checkpoints, path)
		logger.Debug("Checkpoint saved",
			log.OperationKey, log.OperationCheckpoint,
			log.EpochKey, epoch,
			log.PathKey, path,
		)
	}
	return res, nil
}

func trainEpoch(ctx context.Context, p Params, epoch int, acc *metrics.EpochAccumulator, logger log.Logger) error {
	var window metrics.Window
	fetched := time.Now()
	return p.Train.ForEachBatch(ctx, func(b dataloader.Batch) error {
		defer b.Release()
		dataTime := time.Since(fetched)
		computeStart := time.Now()

		out, err := p.Model.Forward(b.Inputs)
		if err != nil {
			return err
		}
		correct, err := metrics.CountCorrect(out, b.Labels)
		if err != nil {
			return err
		}
		p.Optimizer.ZeroGrad()
		loss, grad, err := p.Loss.Forward(out, b.Labels)
		if err != nil {
			return err
		}
		if err := p.Model.Backward(grad); err != nil {
			return err
		}
		if err := p.Optimizer.Step(); err != nil {
			return err
		}
		acc.Add(loss, b.Size(), correct)

		window.Record(b.Size(), dataTime, time.Since(computeStart), loss)
		if p.LogEvery > 0 && window.Steps() == p.LogEvery {
			snap := window.Snapshot()
			logger.Debug("Training progress",
				log.PhaseKey, log.PhaseTraining,
				log.EpochKey, epoch,
				log.BatchKey, b.Index,
				log.ImagesPerSecKey, snap.ImagesPerSec,
				log.LossKey, snap.LastLoss,
			)
		}
		fetched = time.Now()
		return nil
	})
}

func validEpoch(ctx context.Context, p Params, acc *metrics.EpochAccumulator) error {
	return p.Valid.ForEachBatch(ctx, func(b dataloader.Batch) error {
		defer b.Release()
		out, err := p.Model.Forward(b.Inputs)
		if err != nil {
			return err
		}
		loss, _, err := p.Loss.Forward(out, b.Labels)
		if err != nil {
			return err
		}
		correct, err := metrics.CountCorrect(out, b.Labels)
		if err != nil {
			return err
		}
		acc.Add(loss, b.Size(), correct)
		return nil
	})
}

func epochMetrics(p Params, train, valid *metrics.EpochAccumulator) (metrics.EpochMetrics, error) {
	trainLoss, trainAcc, err := train.Result(p.Train.DatasetSize())
	if err != nil {
		return metrics.EpochMetrics{}, err
	}
	validLoss, validAcc, err := valid.Result(p.Valid.DatasetSize())
	if err != nil {
		return metrics.EpochMetrics{}, err
	}
	return metrics.EpochMetrics{
		TrainLoss:     trainLoss,
		ValidLoss:     validLoss,
		TrainAccuracy: trainAcc,
		ValidAccuracy: validAcc,
	}, nil
}
