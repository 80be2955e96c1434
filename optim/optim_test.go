package optim

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/nn"
	"github.com/YuminosukeSato/finetune/pkg/errors"
)

func param(values ...float64) *nn.Param {
	return &nn.Param{
		Name:      "w",
		Value:     mat.NewDense(1, len(values), values),
		Grad:      mat.NewDense(1, len(values), nil),
		Trainable: true,
	}
}

func TestAdamFirstStepMovesByLR(t *testing.T) {
	// バイアス補正により、最初のステップの移動量は勾配の符号×学習率になる
	p := param(1, -1)
	p.Grad.SetRow(0, []float64{0.5, -3})
	adam := NewAdam([]*nn.Param{p}, 0.01)

	require.NoError(t, adam.Step())
	assert.InDelta(t, 0.99, p.Value.At(0, 0), 1e-6)
	assert.InDelta(t, -0.99, p.Value.At(0, 1), 1e-6)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	p := param(5, -3)
	adam := NewAdam([]*nn.Param{p}, 0.1)
	for i := 0; i < 500; i++ {
		adam.ZeroGrad()
		w := p.Value.RawRowView(0)
		p.Grad.SetRow(0, []float64{2 * w[0], 2 * w[1]})
		require.NoError(t, adam.Step())
	}
	assert.InDelta(t, 0, p.Value.At(0, 0), 1e-2)
	assert.InDelta(t, 0, p.Value.At(0, 1), 1e-2)
}

func TestOptimizersSkipFrozenParams(t *testing.T) {
	frozen := param(1, 2)
	nn.Freeze([]*nn.Param{frozen})
	live := param(1, 2)
	live.Grad.SetRow(0, []float64{1, 1})

	for _, name := range []string{NameAdam, NameSGD} {
		t.Run(name, func(t *testing.T) {
			opt, err := New(name, []*nn.Param{frozen, live}, 0.1, 0.9)
			require.NoError(t, err)
			require.NoError(t, opt.Step())
			assert.Equal(t, []float64{1, 2}, frozen.Value.RawRowView(0))
		})
	}
}

func TestSGDMomentum(t *testing.T) {
	p := param(0)
	sgd := NewSGD([]*nn.Param{p}, 0.1, 0.5)
	p.Grad.Set(0, 0, 1)
	require.NoError(t, sgd.Step())
	assert.InDelta(t, -0.1, p.Value.At(0, 0), 1e-12)
	require.NoError(t, sgd.Step())
	// velocity = 0.5*1 + 1 = 1.5
	assert.InDelta(t, -0.25, p.Value.At(0, 0), 1e-12)

	sgd.ZeroGrad()
	assert.Equal(t, 0.0, p.Grad.At(0, 0))
}

func TestStepRejectsNaNGradient(t *testing.T) {
	p := param(1)
	p.Grad.Set(0, 0, math.NaN())
	err := NewAdam([]*nn.Param{p}, 0.1).Step()
	var numErr *errors.NumericalInstabilityError
	assert.True(t, errors.As(err, &numErr))
}

func TestNewValidation(t *testing.T) {
	params := []*nn.Param{param(1)}
	_, err := New("rmsprop", params, 0.1, 0)
	assert.Error(t, err)
	_, err = New(NameAdam, params, 0, 0)
	assert.Error(t, err)
	_, err = New(NameSGD, params, 0.1, 1)
	assert.Error(t, err)

	opt, err := New(NameAdam, params, 1e-3, 0)
	require.NoError(t, err)
	assert.Equal(t, 1e-3, opt.LearningRate())
}

func TestAdamTrainsClassifierHead(t *testing.T) {
	bb, err := nn.NewBackbone(nn.BackboneConfig{Channels: 1, ImageSize: 2, Grid: 2, Features: 4, Seed: 1})
	require.NoError(t, err)
	c, err := nn.NewClassifier(bb, nn.HeadConfig{Hidden: 8, Classes: 2, Seed: 1}, nil)
	require.NoError(t, err)
	dp, err := nn.NewDataParallel(c, []int{0, 1}, 1)
	require.NoError(t, err)
	adam := NewAdam(dp.Parameters(), 0.05)

	rng := rand.New(rand.NewSource(1))
	x := mat.NewDense(16, 4, nil)
	labels := make([]int, 16)
	for i := range labels {
		labels[i] = i % 2
		for j := 0; j < 4; j++ {
			x.Set(i, j, rng.Float64()+float64(labels[i]))
		}
	}

	loss := nn.CrossEntropyLoss{}
	var first, last float64
	for epoch := 0; epoch < 100; epoch++ {
		out, err := dp.Forward(x)
		require.NoError(t, err)
		v, grad, err := loss.Forward(out, labels)
		require.NoError(t, err)
		adam.ZeroGrad()
		require.NoError(t, dp.Backward(grad))
		require.NoError(t, adam.Step())
		if epoch == 0 {
			first = v
		}
		last = v
	}
	assert.Less(t, last, first)
}
