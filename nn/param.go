// Package nn contains the network pieces used for transfer learning: a
// frozen feature-extracting backbone, a small trainable head built from
// sequential layers, the losses, and the data-parallel executor that
// replicates the model across devices.
//
// Tensors are *mat.Dense with one row per sample.
package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a learnable tensor. Grad accumulates gradients between ZeroGrad
// calls and is nil for frozen parameters.
type Param struct {
	Name      string
	Value     *mat.Dense
	Grad      *mat.Dense
	Trainable bool
}

func newParam(name string, rows, cols int, data []float64) *Param {
	return &Param{
		Name:      name,
		Value:     mat.NewDense(rows, cols, data),
		Grad:      mat.NewDense(rows, cols, nil),
		Trainable: true,
	}
}

// Freeze marks every parameter as not trainable and drops its gradient.
func Freeze(params []*Param) {
	for _, p := range params {
		p.Trainable = false
		p.Grad = nil
	}
}

// Trainable filters params down to the trainable ones.
func Trainable(params []*Param) []*Param {
	out := make([]*Param, 0, len(params))
	for _, p := range params {
		if p.Trainable {
			out = append(out, p)
		}
	}
	return out
}

// ZeroGrad clears the gradients of params.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		if p.Grad != nil {
			p.Grad.Zero()
		}
	}
}

// CountParams returns the total number of scalar values in params.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		r, c := p.Value.Dims()
		n += r * c
	}
	return n
}

// Pass carries the per-replica state of one forward/backward pass: the
// activations saved for backward and the replica's private gradient
// buffers. Parameters themselves are only read during a pass.
type Pass struct {
	// Train enables dropout and activation recording.
	Train bool
	rng   *rand.Rand
	saved []any
	grads map[*Param]*mat.Dense
}

// NewPass starts a pass. rng drives dropout and may be nil in eval mode.
func NewPass(train bool, rng *rand.Rand) *Pass {
	return &Pass{
		Train: train,
		rng:   rng,
		grads: make(map[*Param]*mat.Dense),
	}
}

func (p *Pass) save(v any) {
	if p.Train {
		p.saved = append(p.saved, v)
	}
}

func (p *Pass) restore() (any, bool) {
	if len(p.saved) == 0 {
		return nil, false
	}
	v := p.saved[len(p.saved)-1]
	p.saved = p.saved[:len(p.saved)-1]
	return v, true
}

// grad returns the pass-local gradient buffer of param.
func (p *Pass) grad(param *Param) *mat.Dense {
	g, ok := p.grads[param]
	if !ok {
		r, c := param.Value.Dims()
		g = mat.NewDense(r, c, nil)
		p.grads[param] = g
	}
	return g
}

// Grad returns the gradient accumulated by this pass for param, or nil.
func (p *Pass) Grad(param *Param) *mat.Dense {
	return p.grads[param]
}

// AccumulateInto adds the pass-local gradients into the parameters'
// Grad fields.
func (p *Pass) AccumulateInto(params []*Param) {
	for _, param := range params {
		if !param.Trainable || param.Grad == nil {
			continue
		}
		if g, ok := p.grads[param]; ok {
			param.Grad.Add(param.Grad, g)
		}
	}
}
