package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// Loss reduces a batch of model outputs and labels to a mean scalar and
// returns the gradient of that mean with respect to the outputs.
type Loss interface {
	Name() string
	Forward(out *mat.Dense, labels []int) (float64, *mat.Dense, error)
}

// Loss names accepted by NewLoss.
const (
	LossCrossEntropy = "cross_entropy"
	LossNLL          = "nll"
)

// NewLoss returns the loss registered under name.
func NewLoss(name string) (Loss, error) {
	switch name {
	case LossCrossEntropy:
		return CrossEntropyLoss{}, nil
	case LossNLL:
		return NLLLoss{}, nil
	default:
		return nil, errors.NewValidationError("loss", fmt.Sprintf("must be %q or %q", LossCrossEntropy, LossNLL), name)
	}
}

// CrossEntropyLoss applies log-softmax to its input and takes the mean
// negative log-likelihood of the labels. Applied to log-probabilities it
// is equivalent to NLLLoss, since log-softmax is idempotent.
type CrossEntropyLoss struct{}

func (CrossEntropyLoss) Name() string { return LossCrossEntropy }

func (CrossEntropyLoss) Forward(out *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	if err := checkLabels("CrossEntropyLoss", out, labels); err != nil {
		return 0, nil, err
	}
	logp := logSoftmax(out)
	rows, cols := out.Dims()
	n := float64(rows)

	var loss float64
	grad := mat.NewDense(rows, cols, nil)
	grad.Apply(func(_, _ int, v float64) float64 { return math.Exp(v) / n }, logp)
	for i, y := range labels {
		loss -= logp.At(i, y)
		grad.Set(i, y, grad.At(i, y)-1/n)
	}
	loss /= n
	if err := errors.CheckScalar("CrossEntropyLoss", loss, 0); err != nil {
		return 0, nil, err
	}
	return loss, grad, nil
}

// NLLLoss takes the mean of -out[i, label[i]]; out must already hold
// log-probabilities.
type NLLLoss struct{}

func (NLLLoss) Name() string { return LossNLL }

func (NLLLoss) Forward(out *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	if err := checkLabels("NLLLoss", out, labels); err != nil {
		return 0, nil, err
	}
	rows, cols := out.Dims()
	n := float64(rows)

	var loss float64
	grad := mat.NewDense(rows, cols, nil)
	for i, y := range labels {
		loss -= out.At(i, y)
		grad.Set(i, y, -1/n)
	}
	loss /= n
	if err := errors.CheckScalar("NLLLoss", loss, 0); err != nil {
		return 0, nil, err
	}
	return loss, grad, nil
}

func checkLabels(op string, out *mat.Dense, labels []int) error {
	rows, cols := out.Dims()
	if len(labels) != rows {
		return errors.NewDimensionError(op, rows, len(labels), 0)
	}
	for _, y := range labels {
		if y < 0 || y >= cols {
			return errors.NewValueError(op, fmt.Sprintf("label %d out of range [0, %d)", y, cols))
		}
	}
	return nil
}
