package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// Layer is one differentiable step of a network. Forward records whatever
// Backward needs on the pass when the pass is in training mode; Backward
// consumes it in reverse order, accumulates parameter gradients on the
// pass and returns the gradient with respect to the layer input.
type Layer interface {
	Forward(p *Pass, x *mat.Dense) (*mat.Dense, error)
	Backward(p *Pass, grad *mat.Dense) (*mat.Dense, error)
	Params() []*Param
}

var errNoActivation = errors.New("backward called without a training forward pass")

func restoreMatrix(p *Pass, op string) (*mat.Dense, error) {
	v, ok := p.restore()
	if !ok {
		return nil, errors.Wrap(errNoActivation, op)
	}
	m, ok := v.(*mat.Dense)
	if !ok {
		return nil, errors.Newf("%s: unexpected saved activation %T", op, v)
	}
	return m, nil
}

// Linear computes y = xW + b with W of shape in x out.
type Linear struct {
	In, Out int
	Weight  *Param
	Bias    *Param
}

// NewLinear initializes weights and bias from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (rng.Float64()*2 - 1) * bound
	}
	return &Linear{
		In:     in,
		Out:    out,
		Weight: newParam("weight", in, out, w),
		Bias:   newParam("bias", 1, out, b),
	}
}

func (l *Linear) Forward(p *Pass, x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	if cols != l.In {
		return nil, errors.NewDimensionError("Linear.Forward", l.In, cols, 1)
	}
	y := mat.NewDense(rows, l.Out, nil)
	y.Mul(x, l.Weight.Value)
	bias := l.Bias.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), bias)
	}
	p.save(x)
	return y, nil
}

func (l *Linear) Backward(p *Pass, grad *mat.Dense) (*mat.Dense, error) {
	x, err := restoreMatrix(p, "Linear.Backward")
	if err != nil {
		return nil, err
	}
	rows, cols := grad.Dims()
	if cols != l.Out {
		return nil, errors.NewDimensionError("Linear.Backward", l.Out, cols, 1)
	}

	if l.Weight.Trainable {
		var dw mat.Dense
		dw.Mul(x.T(), grad)
		gw := p.grad(l.Weight)
		gw.Add(gw, &dw)
	}
	if l.Bias.Trainable {
		gb := p.grad(l.Bias).RawRowView(0)
		for i := 0; i < rows; i++ {
			floats.Add(gb, grad.RawRowView(i))
		}
	}

	dx := mat.NewDense(rows, l.In, nil)
	dx.Mul(grad, l.Weight.Value.T())
	return dx, nil
}

func (l *Linear) Params() []*Param {
	return []*Param{l.Weight, l.Bias}
}

// ReLU is max(0, x) applied elementwise.
type ReLU struct{}

func (ReLU) Forward(p *Pass, x *mat.Dense) (*mat.Dense, error) {
	rows, cols := x.Dims()
	y := mat.NewDense(rows, cols, nil)
	y.Apply(func(_, _ int, v float64) float64 {
		return math.Max(0, v)
	}, x)
	p.save(y)
	return y, nil
}

func (ReLU) Backward(p *Pass, grad *mat.Dense) (*mat.Dense, error) {
	y, err := restoreMatrix(p, "ReLU.Backward")
	if err != nil {
		return nil, err
	}
	rows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	dx.Apply(func(i, j int, g float64) float64 {
		if y.At(i, j) > 0 {
			return g
		}
		return 0
	}, grad)
	return dx, nil
}

func (ReLU) Params() []*Param { return nil }

// Dropout zeroes each element with probability P during training and
// scales survivors by 1/(1-P). It is the identity in evaluation mode.
type Dropout struct {
	P float64
}

func (d Dropout) Forward(p *Pass, x *mat.Dense) (*mat.Dense, error) {
	if d.P < 0 || d.P >= 1 {
		return nil, errors.NewValidationError("dropout", "must be in [0, 1)", d.P)
	}
	if !p.Train || d.P == 0 {
		if p.Train {
			p.save((*mat.Dense)(nil))
		}
		return x, nil
	}

	rows, cols := x.Dims()
	mask := mat.NewDense(rows, cols, nil)
	scale := 1 / (1 - d.P)
	draw := rand.Float64
	if p.rng != nil {
		draw = p.rng.Float64
	}
	raw := mask.RawMatrix().Data
	for i := range raw {
		if draw() >= d.P {
			raw[i] = scale
		}
	}

	y := mat.NewDense(rows, cols, nil)
	y.MulElem(x, mask)
	p.save(mask)
	return y, nil
}

func (d Dropout) Backward(p *Pass, grad *mat.Dense) (*mat.Dense, error) {
	v, ok := p.restore()
	if !ok {
		return nil, errors.Wrap(errNoActivation, "Dropout.Backward")
	}
	mask, _ := v.(*mat.Dense)
	if mask == nil {
		return grad, nil
	}
	rows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	dx.MulElem(grad, mask)
	return dx, nil
}

func (Dropout) Params() []*Param { return nil }

// LogSoftmax normalizes each row into log-probabilities.
type LogSoftmax struct{}

func (LogSoftmax) Forward(p *Pass, x *mat.Dense) (*mat.Dense, error) {
	y := logSoftmax(x)
	p.save(y)
	return y, nil
}

// Backward computes g - softmax(x) * sum(g) per row.
func (LogSoftmax) Backward(p *Pass, grad *mat.Dense) (*mat.Dense, error) {
	y, err := restoreMatrix(p, "LogSoftmax.Backward")
	if err != nil {
		return nil, err
	}
	rows, cols := grad.Dims()
	dx := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		g := grad.RawRowView(i)
		sum := floats.Sum(g)
		ly := y.RawRowView(i)
		out := dx.RawRowView(i)
		for j := range out {
			out[j] = g[j] - math.Exp(ly[j])*sum
		}
	}
	return dx, nil
}

func (LogSoftmax) Params() []*Param { return nil }

func logSoftmax(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	y := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		lse := floats.LogSumExp(row)
		out := y.RawRowView(i)
		for j, v := range row {
			out[j] = v - lse
		}
	}
	return y
}

// Sequential chains layers.
type Sequential struct {
	Layers []Layer
}

// NewSequential builds a Sequential from layers in forward order.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

func (s *Sequential) Forward(p *Pass, x *mat.Dense) (*mat.Dense, error) {
	var err error
	for _, l := range s.Layers {
		if x, err = l.Forward(p, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *Sequential) Backward(p *Pass, grad *mat.Dense) (*mat.Dense, error) {
	var err error
	for i := len(s.Layers) - 1; i >= 0; i-- {
		if grad, err = s.Layers[i].Backward(p, grad); err != nil {
			return nil, err
		}
	}
	return grad, nil
}

func (s *Sequential) Params() []*Param {
	var params []*Param
	for _, l := range s.Layers {
		params = append(params, l.Params()...)
	}
	return params
}
