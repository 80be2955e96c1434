// Package optim updates trainable parameters from their accumulated
// gradients. Frozen parameters are skipped.
package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/YuminosukeSato/finetune/nn"
	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// Optimizer applies one update per Step from the parameters' Grad fields.
type Optimizer interface {
	Step() error
	ZeroGrad()
	LearningRate() float64
}

// Optimizer names accepted by New.
const (
	NameAdam = "adam"
	NameSGD  = "sgd"
)

// New builds the optimizer registered under name over params.
func New(name string, params []*nn.Param, lr, momentum float64) (Optimizer, error) {
	if lr <= 0 {
		return nil, errors.NewValidationError("learning_rate", "must be positive", lr)
	}
	switch name {
	case NameAdam:
		return NewAdam(params, lr), nil
	case NameSGD:
		if momentum < 0 || momentum >= 1 {
			return nil, errors.NewValidationError("momentum", "must be in [0, 1)", momentum)
		}
		return NewSGD(params, lr, momentum), nil
	default:
		return nil, errors.NewValidationError("optimizer", fmt.Sprintf("must be %q or %q", NameAdam, NameSGD), name)
	}
}

// Adam implements Adam with bias correction.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	params []*nn.Param
	m, v   map[*nn.Param][]float64
	t      int
}

// NewAdam creates Adam with the usual defaults (beta1 0.9, beta2 0.999,
// epsilon 1e-8) over the trainable subset of params.
func NewAdam(params []*nn.Param, lr float64) *Adam {
	return &Adam{
		LR:      lr,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		params:  nn.Trainable(params),
		m:       make(map[*nn.Param][]float64),
		v:       make(map[*nn.Param][]float64),
	}
}

func (a *Adam) LearningRate() float64 { return a.LR }

func (a *Adam) ZeroGrad() { nn.ZeroGrad(a.params) }

// Step updates every parameter in place.
func (a *Adam) Step() error {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for _, p := range a.params {
		g := p.Grad.RawMatrix().Data
		if err := errors.CheckNumericalStability("Adam.Step", g, a.t); err != nil {
			return err
		}
		w := p.Value.RawMatrix().Data
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(w))
			a.m[p] = m
			a.v[p] = make([]float64, len(w))
		}
		v := a.v[p]
		for i, gi := range g {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*gi
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*gi*gi
			w[i] -= a.LR * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.Epsilon)
		}
	}
	return nil
}

// SGD is stochastic gradient descent with optional momentum.
type SGD struct {
	LR       float64
	Momentum float64

	params   []*nn.Param
	velocity map[*nn.Param][]float64
}

// NewSGD creates SGD over the trainable subset of params.
func NewSGD(params []*nn.Param, lr, momentum float64) *SGD {
	return &SGD{
		LR:       lr,
		Momentum: momentum,
		params:   nn.Trainable(params),
		velocity: make(map[*nn.Param][]float64),
	}
}

func (s *SGD) LearningRate() float64 { return s.LR }

func (s *SGD) ZeroGrad() { nn.ZeroGrad(s.params) }

func (s *SGD) Step() error {
	for _, p := range s.params {
		g := p.Grad.RawMatrix().Data
		if err := errors.CheckNumericalStability("SGD.Step", g, 0); err != nil {
			return err
		}
		w := p.Value.RawMatrix().Data
		if s.Momentum == 0 {
			floats.AddScaled(w, -s.LR, g)
			continue
		}
		vel, ok := s.velocity[p]
		if !ok {
			vel = make([]float64, len(w))
			s.velocity[p] = vel
		}
		floats.Scale(s.Momentum, vel)
		floats.Add(vel, g)
		floats.AddScaled(w, -s.LR, vel)
	}
	return nil
}
