package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/metrics"
	"github.com/YuminosukeSato/finetune/nn"
	"github.com/YuminosukeSato/finetune/optim"
	"github.com/YuminosukeSato/finetune/pkg/errors"
	"github.com/YuminosukeSato/finetune/pkg/log"
	"github.com/YuminosukeSato/finetune/vision/dataloader"
	"github.com/YuminosukeSato/finetune/vision/dataset"
	"github.com/YuminosukeSato/finetune/vision/dataset/datasettest"
	"github.com/YuminosukeSato/finetune/vision/transforms"
)

// sliceLoader yields fixed batches. Column 0 of every input row holds the
// row's label so that scriptedModel can decide which rows to get right.
type sliceLoader struct {
	batches []dataloader.Batch
}

func newSliceLoader(labels ...[]int) *sliceLoader {
	l := &sliceLoader{}
	for i, ls := range labels {
		x := mat.NewDense(len(ls), 2, nil)
		for r, y := range ls {
			x.Set(r, 0, float64(y))
		}
		l.batches = append(l.batches, dataloader.Batch{Index: i, Inputs: x, Labels: ls})
	}
	return l
}

func (l *sliceLoader) DatasetSize() int {
	n := 0
	for _, b := range l.batches {
		n += b.Size()
	}
	return n
}

func (l *sliceLoader) ForEachBatch(ctx context.Context, fn func(dataloader.Batch) error) error {
	for _, b := range l.batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

// scriptedModel predicts the right class for the first correct[epoch] rows
// of each validation batch and always the right class in training.
type scriptedModel struct {
	correct  []int
	epoch    int
	training bool
	saved    []string
	saveErr  error
	backward int
}

func (m *scriptedModel) Forward(x *mat.Dense) (*mat.Dense, error) {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, 2, nil)
	for i := 0; i < rows; i++ {
		y := int(x.At(i, 0))
		if !m.training && i >= m.correct[m.epoch-1] {
			y = 1 - y
		}
		out.Set(i, y, 1)
	}
	return out, nil
}

func (m *scriptedModel) Backward(*mat.Dense) error { m.backward++; return nil }
func (m *scriptedModel) Train()                    { m.training = true; m.epoch++ }
func (m *scriptedModel) Eval()                     { m.training = false }

func (m *scriptedModel) Save(path string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, path)
	return nil
}

type noopOptimizer struct{ steps int }

func (o *noopOptimizer) Step() error           { o.steps++; return nil }
func (o *noopOptimizer) ZeroGrad()             {}
func (o *noopOptimizer) LearningRate() float64 { return 0 }

func scriptedParams(t *testing.T, correct ...int) (Params, *scriptedModel, *log.TestLogger) {
	t.Helper()
	logger, _ := log.NewTestLogger(log.LevelDebug)
	m := &scriptedModel{correct: correct}
	return Params{
		Dataset:       "flowers",
		Model:         m,
		Loss:          nn.NLLLoss{},
		Optimizer:     &noopOptimizer{},
		Train:         newSliceLoader([]int{0, 1, 0}, []int{1}),
		Valid:         newSliceLoader([]int{0, 1, 1, 0}),
		Epochs:        len(correct),
		CheckpointDir: "models",
		Logger:        logger,
	}, m, logger
}

func TestTrainAndValidBookkeeping(t *testing.T) {
	p, m, logger := scriptedParams(t, 1, 3, 3, 2, 4)

	res, err := TrainAndValid(context.Background(), p)
	require.NoError(t, err)

	require.Equal(t, 5, res.History.Len())
	assert.Equal(t, []float64{0.25, 0.75, 0.75, 0.5, 1}, res.History.ValidAccuracy())
	for _, acc := range res.History.TrainAccuracy() {
		assert.Equal(t, 1.0, acc)
	}
	assert.Equal(t, 1.0, res.Best.Accuracy)
	assert.Equal(t, 5, res.Best.Epoch)

	// NLL of a one-hot output on the right class is -1 per sample.
	for _, loss := range res.History.TrainLoss() {
		assert.InDelta(t, -1.0, loss, 1e-12)
	}

	want := []string{
		filepath.Join("models", "flowers_model_1.pt"),
		filepath.Join("models", "flowers_model_2.pt"),
		filepath.Join("models", "flowers_model_3.pt"),
		filepath.Join("models", "flowers_model_4.pt"),
		filepath.Join("models", "flowers_model_5.pt"),
	}
	assert.Equal(t, want, m.saved)
	assert.Equal(t, want, res.Checkpoints)
	assert.Equal(t, 10, m.backward, "one backward per training batch")
	assert.Equal(t, 10, p.Optimizer.(*noopOptimizer).steps)

	assert.True(t, logger.ContainsMessage("Epoch finished"))
	assert.True(t, logger.ContainsField(log.BestEpochKey, float64(5)))
}

func TestBestEpochMovesOnlyOnStrictImprovement(t *testing.T) {
	p, _, _ := scriptedParams(t, 2, 2, 1, 2)
	res, err := TrainAndValid(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Best.Accuracy)
	assert.Equal(t, 1, res.Best.Epoch)
}

func TestTrainAndValidStopsOnCheckpointError(t *testing.T) {
	p, m, _ := scriptedParams(t, 1, 2)
	m.saveErr = errors.New("disk full")

	res, err := TrainAndValid(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epoch 1: checkpoint")
	assert.Equal(t, 1, res.History.Len())
	assert.Empty(t, res.Checkpoints)
}

func TestTrainAndValidHonoursCancellation(t *testing.T) {
	p, _, _ := scriptedParams(t, 1, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := TrainAndValid(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParamsValidation(t *testing.T) {
	base, _, _ := scriptedParams(t, 1)
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"no dataset", func(p *Params) { p.Dataset = "" }},
		{"no model", func(p *Params) { p.Model = nil }},
		{"no loss", func(p *Params) { p.Loss = nil }},
		{"no optimizer", func(p *Params) { p.Optimizer = nil }},
		{"no valid loader", func(p *Params) { p.Valid = nil }},
		{"zero epochs", func(p *Params) { p.Epochs = 0 }},
		{"no checkpoint dir", func(p *Params) { p.CheckpointDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := base
			tt.mutate(&p)
			_, err := TrainAndValid(context.Background(), p)
			var valErr *errors.ValidationError
			assert.True(t, errors.As(err, &valErr))
		})
	}
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("models", "flowers102_model_7.pt"), CheckpointPath("models", "flowers102", 7))
	assert.Equal(t, filepath.Join("models", "flowers102_history.pt"), HistoryPath("models", "flowers102"))
}

// TestFineTuneImageFolder runs the whole stack on a tiny two-class tree.
func TestFineTuneImageFolder(t *testing.T) {
	root := t.TempDir()
	datasettest.WriteSplits(t, root,
		map[string]int{"daisy": 8, "rose": 8},
		map[string]int{"daisy": 3, "rose": 3},
		12, 12,
	)
	trainSet, err := dataset.NewImageFolder(filepath.Join(root, "train"))
	require.NoError(t, err)
	validSet, err := dataset.NewImageFolder(filepath.Join(root, "valid"))
	require.NoError(t, err)

	trainLoader, err := dataloader.New(trainSet, dataloader.Config{
		BatchSize: 5, NumWorkers: 3, Shuffle: true, Seed: 1,
		Pipeline: transforms.TrainPipeline(10, 8),
	})
	require.NoError(t, err)
	validLoader, err := dataloader.New(validSet, dataloader.Config{
		BatchSize: 4, NumWorkers: 2, Seed: 2,
		Pipeline: transforms.ValidPipeline(10, 8),
	})
	require.NoError(t, err)

	bb, err := nn.NewBackbone(nn.BackboneConfig{Channels: 3, ImageSize: 8, Grid: 4, Features: 32, Seed: 3})
	require.NoError(t, err)
	frozen := mat.DenseCopyOf(bb.Params()[0].Value)
	clf, err := nn.NewClassifier(bb, nn.HeadConfig{Hidden: 16, Dropout: 0.4, Classes: trainSet.NumClasses(), Seed: 4}, trainSet.ClassNames())
	require.NoError(t, err)
	dp, err := nn.NewDataParallel(clf, []int{0, 1, 2}, 5)
	require.NoError(t, err)
	opt, err := optim.New(optim.NameAdam, dp.Parameters(), 1e-3, 0)
	require.NoError(t, err)

	logger, _ := log.NewTestLogger(log.LevelInfo)
	dir := filepath.Join(t.TempDir(), "models")
	res, err := TrainAndValid(context.Background(), Params{
		Dataset:       "flowers",
		Model:         dp,
		Loss:          nn.CrossEntropyLoss{},
		Optimizer:     opt,
		Train:         trainLoader,
		Valid:         validLoader,
		Epochs:        3,
		CheckpointDir: dir,
		LogEvery:      1,
		Logger:        logger,
	})
	require.NoError(t, err)

	require.Equal(t, 3, res.History.Len())
	var running metrics.BestTracker
	for i, row := range res.History.Epochs() {
		assert.GreaterOrEqual(t, row.TrainAccuracy, 0.0)
		assert.LessOrEqual(t, row.TrainAccuracy, 1.0)
		assert.GreaterOrEqual(t, row.ValidAccuracy, 0.0)
		assert.LessOrEqual(t, row.ValidAccuracy, 1.0)
		running.Observe(i+1, row.ValidAccuracy)
	}
	assert.Equal(t, running, res.Best)

	for epoch := 1; epoch <= 3; epoch++ {
		_, err := os.Stat(CheckpointPath(dir, "flowers", epoch))
		assert.NoError(t, err, "epoch %d checkpoint", epoch)
	}
	loaded, err := nn.LoadClassifier(CheckpointPath(dir, "flowers", 3))
	require.NoError(t, err)
	assert.Equal(t, []string{"daisy", "rose"}, loaded.Classes())

	assert.True(t, mat.Equal(frozen, bb.Params()[0].Value), "backbone must stay frozen")
}
