package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// randomMatrix は[-1, 1)の一様乱数で埋めた行列を生成する
func randomMatrix(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.Float64()*2 - 1
	}
	return mat.NewDense(rows, cols, data)
}

// testBackbone は小さな入力（3x4x4）用のバックボーンを生成する
func testBackbone(t testing.TB) *Backbone {
	t.Helper()
	bb, err := NewBackbone(BackboneConfig{Channels: 3, ImageSize: 4, Grid: 2, Features: 8, Seed: 7})
	require.NoError(t, err)
	return bb
}

func testClassifier(t testing.TB, dropout float64) *Classifier {
	t.Helper()
	c, err := NewClassifier(testBackbone(t), HeadConfig{Hidden: 6, Dropout: dropout, Classes: 3, Seed: 11}, []string{"a", "b", "c"})
	require.NoError(t, err)
	return c
}

func TestLinearForward(t *testing.T) {
	l := &Linear{
		In:     2,
		Out:    2,
		Weight: newParam("weight", 2, 2, []float64{1, 2, 3, 4}),
		Bias:   newParam("bias", 1, 2, []float64{0.5, -0.5}),
	}
	x := mat.NewDense(1, 2, []float64{1, 1})

	y, err := l.Forward(NewPass(false, nil), x)
	require.NoError(t, err)
	assert.Equal(t, []float64{4.5, 5.5}, y.RawRowView(0))

	_, err = l.Forward(NewPass(false, nil), mat.NewDense(1, 3, nil))
	var dimErr *errors.DimensionError
	assert.True(t, errors.As(err, &dimErr))
}

// TestHeadGradients は解析的な勾配を中心差分による数値勾配と比較する
func TestHeadGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	head := NewSequential(NewLinear(5, 4, rng), ReLU{}, NewLinear(4, 3, rng), LogSoftmax{})
	x := randomMatrix(rng, 6, 5)
	labels := []int{0, 1, 2, 2, 1, 0}
	loss := CrossEntropyLoss{}

	pass := NewPass(true, nil)
	out, err := head.Forward(pass, x)
	require.NoError(t, err)
	_, grad, err := loss.Forward(out, labels)
	require.NoError(t, err)
	_, err = head.Backward(pass, grad)
	require.NoError(t, err)

	lossAt := func() float64 {
		out, err := head.Forward(NewPass(false, nil), x)
		require.NoError(t, err)
		v, _, err := loss.Forward(out, labels)
		require.NoError(t, err)
		return v
	}

	const eps = 1e-6
	for _, p := range head.Params() {
		analytic := pass.Grad(p)
		require.NotNil(t, analytic, p.Name)
		data := p.Value.RawMatrix().Data
		for i := range data {
			orig := data[i]
			data[i] = orig + eps
			plus := lossAt()
			data[i] = orig - eps
			minus := lossAt()
			data[i] = orig
			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, analytic.RawMatrix().Data[i], 1e-5, "%s[%d]", p.Name, i)
		}
	}
}

func TestLogSoftmaxRowsNormalize(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 1000, 1000, 1000})
	y, err := LogSoftmax{}.Forward(NewPass(false, nil), x)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		var sum float64
		for _, v := range y.RawRowView(i) {
			sum += math.Exp(v)
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	assert.InDelta(t, -math.Log(3), y.At(1, 0), 1e-12)
}

func TestDropout(t *testing.T) {
	x := mat.NewDense(50, 40, nil)
	x.Apply(func(_, _ int, _ float64) float64 { return 1 }, x)
	d := Dropout{P: 0.4}

	t.Run("eval is identity", func(t *testing.T) {
		y, err := d.Forward(NewPass(false, nil), x)
		require.NoError(t, err)
		assert.True(t, mat.Equal(x, y))
	})

	t.Run("train zeroes and rescales", func(t *testing.T) {
		pass := NewPass(true, rand.New(rand.NewSource(1)))
		y, err := d.Forward(pass, x)
		require.NoError(t, err)
		data := y.RawMatrix().Data
		zeros := 0
		for _, v := range data {
			if v == 0 {
				zeros++
				continue
			}
			assert.InDelta(t, 1/0.6, v, 1e-12)
		}
		frac := float64(zeros) / float64(len(data))
		assert.InDelta(t, 0.4, frac, 0.05)

		g, err := d.Backward(pass, x)
		require.NoError(t, err)
		assert.True(t, mat.Equal(y, g))
	})

	t.Run("invalid probability", func(t *testing.T) {
		_, err := Dropout{P: 1}.Forward(NewPass(true, nil), x)
		var valErr *errors.ValidationError
		assert.True(t, errors.As(err, &valErr))
	})
}

func TestBackwardWithoutTrainingPass(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	head := NewSequential(NewLinear(2, 2, rng), ReLU{})
	pass := NewPass(false, nil)
	_, err := head.Forward(pass, mat.NewDense(1, 2, []float64{1, 2}))
	require.NoError(t, err)

	_, err = head.Backward(pass, mat.NewDense(1, 2, nil))
	assert.ErrorIs(t, err, errNoActivation)
}

func TestLosses(t *testing.T) {
	t.Run("uniform logits give log C", func(t *testing.T) {
		out := mat.NewDense(2, 4, nil)
		loss, grad, err := CrossEntropyLoss{}.Forward(out, []int{0, 3})
		require.NoError(t, err)
		assert.InDelta(t, math.Log(4), loss, 1e-12)
		for i := 0; i < 2; i++ {
			assert.InDelta(t, 0, floats.Sum(grad.RawRowView(i)), 1e-12)
		}
	})

	t.Run("cross entropy on log-probabilities equals nll", func(t *testing.T) {
		rng := rand.New(rand.NewSource(5))
		logp := logSoftmax(randomMatrix(rng, 4, 3))
		labels := []int{2, 0, 1, 1}
		ce, _, err := CrossEntropyLoss{}.Forward(logp, labels)
		require.NoError(t, err)
		nll, _, err := NLLLoss{}.Forward(logp, labels)
		require.NoError(t, err)
		assert.InDelta(t, nll, ce, 1e-12)
	})

	t.Run("label out of range", func(t *testing.T) {
		_, _, err := NLLLoss{}.Forward(mat.NewDense(1, 2, nil), []int{2})
		var valErr *errors.ValueError
		assert.True(t, errors.As(err, &valErr))
	})

	t.Run("label count mismatch", func(t *testing.T) {
		_, _, err := CrossEntropyLoss{}.Forward(mat.NewDense(2, 2, nil), []int{0})
		var dimErr *errors.DimensionError
		assert.True(t, errors.As(err, &dimErr))
	})

	t.Run("lookup by name", func(t *testing.T) {
		l, err := NewLoss("nll")
		require.NoError(t, err)
		assert.Equal(t, LossNLL, l.Name())
		_, err = NewLoss("hinge")
		assert.Error(t, err)
	})
}
