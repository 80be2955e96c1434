package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/core/model"
	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// Module is a trainable network with a train/eval switch that can persist
// itself.
type Module interface {
	Layer
	Train()
	Eval()
	IsTraining() bool
	Save(path string) error
}

// HeadConfig describes the trainable classification head
// Linear(in, Hidden) -> ReLU -> Dropout -> Linear(Hidden, Classes) -> LogSoftmax.
type HeadConfig struct {
	Hidden  int
	Dropout float64
	Classes int
	Seed    int64
}

// Classifier is a frozen Backbone followed by a trainable head.
type Classifier struct {
	model.ModeState

	Backbone *Backbone
	Head     *Sequential
	classes  []string
}

var _ Module = (*Classifier)(nil)

// NewClassifier attaches a freshly initialized head to backbone. classes
// names the output units in label order and may be nil.
func NewClassifier(backbone *Backbone, cfg HeadConfig, classes []string) (*Classifier, error) {
	if backbone == nil {
		return nil, errors.NewValueError("NewClassifier", "backbone is nil")
	}
	switch {
	case cfg.Hidden <= 0:
		return nil, errors.NewValidationError("head.hidden", "must be positive", cfg.Hidden)
	case cfg.Classes <= 0:
		return nil, errors.NewValidationError("head.classes", "must be positive", cfg.Classes)
	case cfg.Dropout < 0 || cfg.Dropout >= 1:
		return nil, errors.NewValidationError("head.dropout", "must be in [0, 1)", cfg.Dropout)
	case classes != nil && len(classes) != cfg.Classes:
		return nil, errors.NewDimensionError("NewClassifier", cfg.Classes, len(classes), 0)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	head := NewSequential(
		NewLinear(backbone.OutFeatures(), cfg.Hidden, rng),
		ReLU{},
		Dropout{P: cfg.Dropout},
		NewLinear(cfg.Hidden, cfg.Classes, rng),
		LogSoftmax{},
	)
	return &Classifier{
		Backbone: backbone,
		Head:     head,
		classes:  append([]string(nil), classes...),
	}, nil
}

// Classes returns the class names in label order.
func (c *Classifier) Classes() []string {
	return append([]string(nil), c.classes...)
}

// NumClasses is the width of the output layer.
func (c *Classifier) NumClasses() int {
	for i := len(c.Head.Layers) - 1; i >= 0; i-- {
		if l, ok := c.Head.Layers[i].(*Linear); ok {
			return l.Out
		}
	}
	return 0
}

// Forward returns per-class log-probabilities for each row of x.
func (c *Classifier) Forward(p *Pass, x *mat.Dense) (*mat.Dense, error) {
	features, err := c.Backbone.Forward(p, x)
	if err != nil {
		return nil, err
	}
	return c.Head.Forward(p, features)
}

// Backward propagates through the head only and returns nil.
func (c *Classifier) Backward(p *Pass, grad *mat.Dense) (*mat.Dense, error) {
	if _, err := c.Head.Backward(p, grad); err != nil {
		return nil, err
	}
	return nil, nil
}

// Params lists backbone parameters first, then the head's.
func (c *Classifier) Params() []*Param {
	return append(c.Backbone.Params(), c.Head.Params()...)
}

// Save writes a full checkpoint of the classifier to path.
func (c *Classifier) Save(path string) error {
	state, err := c.State()
	if err != nil {
		return err
	}
	return model.SaveModel(state, path)
}

// LayerState is the serialized form of one head layer.
type LayerState struct {
	Kind   string
	In     int
	Out    int
	P      float64
	Weight []float64
	Bias   []float64
}

// ClassifierState is the checkpoint payload: backbone, head, class names
// and the mode the model was in when saved.
type ClassifierState struct {
	Backbone BackboneState
	Head     []LayerState
	Classes  []string
	Mode     string
}

// State snapshots the classifier.
func (c *Classifier) State() (*ClassifierState, error) {
	s := &ClassifierState{
		Backbone: c.Backbone.State(),
		Classes:  c.Classes(),
		Mode:     c.Mode().String(),
	}
	for _, l := range c.Head.Layers {
		switch l := l.(type) {
		case *Linear:
			s.Head = append(s.Head, LayerState{
				Kind:   "linear",
				In:     l.In,
				Out:    l.Out,
				Weight: append([]float64(nil), l.Weight.Value.RawMatrix().Data...),
				Bias:   append([]float64(nil), l.Bias.Value.RawMatrix().Data...),
			})
		case ReLU:
			s.Head = append(s.Head, LayerState{Kind: "relu"})
		case Dropout:
			s.Head = append(s.Head, LayerState{Kind: "dropout", P: l.P})
		case LogSoftmax:
			s.Head = append(s.Head, LayerState{Kind: "log_softmax"})
		default:
			return nil, errors.Newf("cannot serialize layer %T", l)
		}
	}
	return s, nil
}

// ClassifierFromState rebuilds a classifier from a checkpoint payload.
func ClassifierFromState(s *ClassifierState) (*Classifier, error) {
	backbone, err := BackboneFromState(s.Backbone)
	if err != nil {
		return nil, err
	}
	layers := make([]Layer, 0, len(s.Head))
	for i, ls := range s.Head {
		switch ls.Kind {
		case "linear":
			if len(ls.Weight) != ls.In*ls.Out || len(ls.Bias) != ls.Out {
				return nil, errors.Newf("layer %d: weight shape does not match %dx%d", i, ls.In, ls.Out)
			}
			layers = append(layers, &Linear{
				In:     ls.In,
				Out:    ls.Out,
				Weight: newParam("weight", ls.In, ls.Out, append([]float64(nil), ls.Weight...)),
				Bias:   newParam("bias", 1, ls.Out, append([]float64(nil), ls.Bias...)),
			})
		case "relu":
			layers = append(layers, ReLU{})
		case "dropout":
			layers = append(layers, Dropout{P: ls.P})
		case "log_softmax":
			layers = append(layers, LogSoftmax{})
		default:
			return nil, errors.Newf("layer %d: unknown kind %q", i, ls.Kind)
		}
	}
	c := &Classifier{
		Backbone: backbone,
		Head:     NewSequential(layers...),
		classes:  append([]string(nil), s.Classes...),
	}
	if s.Mode == model.Evaluation.String() {
		c.Eval()
	}
	return c, nil
}

// LoadClassifier reads a checkpoint written by Classifier.Save.
func LoadClassifier(path string) (*Classifier, error) {
	var s ClassifierState
	if err := model.LoadModel(&s, path); err != nil {
		return nil, err
	}
	return ClassifierFromState(&s)
}
