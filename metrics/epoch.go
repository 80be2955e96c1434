package metrics

import (
	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// EpochAccumulator sums one phase (training or validation) of an epoch.
// Loss is accumulated as batch mean times batch size so that a short last
// batch is weighted correctly, and Result divides by the dataset size, so
// the epoch loss is a per-sample mean. Summing the batch means and dividing
// by the dataset size instead would report a value about BatchSize times
// smaller; curves from such runs are not on the same scale.
type EpochAccumulator struct {
	lossSum float64
	correct int
	seen    int
}

// Add records one batch.
func (a *EpochAccumulator) Add(meanLoss float64, batchSize, correct int) {
	a.lossSum += meanLoss * float64(batchSize)
	a.correct += correct
	a.seen += batchSize
}

// Seen is the number of samples recorded so far.
func (a *EpochAccumulator) Seen() int { return a.seen }

// Result normalizes the sums by the dataset size.
func (a *EpochAccumulator) Result(datasetSize int) (loss, accuracy float64, err error) {
	if datasetSize <= 0 {
		return 0, 0, errors.NewValueError("EpochAccumulator.Result", "dataset size must be positive")
	}
	if a.correct > datasetSize {
		return 0, 0, errors.NewValueError("EpochAccumulator.Result", "more correct predictions than samples")
	}
	n := float64(datasetSize)
	return a.lossSum / n, float64(a.correct) / n, nil
}

// Reset clears the sums.
func (a *EpochAccumulator) Reset() { *a = EpochAccumulator{} }

// EpochMetrics is one history row.
type EpochMetrics struct {
	TrainLoss     float64
	ValidLoss     float64
	TrainAccuracy float64
	ValidAccuracy float64
}

// History is the append-only list of completed epochs.
type History struct {
	epochs []EpochMetrics
}

// NewHistory creates a history pre-populated with rows.
func NewHistory(rows ...EpochMetrics) *History {
	return &History{epochs: append([]EpochMetrics(nil), rows...)}
}

// Append adds the metrics of the next epoch.
func (h *History) Append(m EpochMetrics) { h.epochs = append(h.epochs, m) }

// Len is the number of completed epochs.
func (h *History) Len() int { return len(h.epochs) }

// Epochs returns a copy of all rows in epoch order.
func (h *History) Epochs() []EpochMetrics {
	return append([]EpochMetrics(nil), h.epochs...)
}

// At returns the row of the 1-based epoch.
func (h *History) At(epoch int) (EpochMetrics, bool) {
	if epoch < 1 || epoch > len(h.epochs) {
		return EpochMetrics{}, false
	}
	return h.epochs[epoch-1], true
}

func (h *History) column(get func(EpochMetrics) float64) []float64 {
	out := make([]float64, len(h.epochs))
	for i, e := range h.epochs {
		out[i] = get(e)
	}
	return out
}

func (h *History) TrainLoss() []float64 {
	return h.column(func(e EpochMetrics) float64 { return e.TrainLoss })
}

func (h *History) ValidLoss() []float64 {
	return h.column(func(e EpochMetrics) float64 { return e.ValidLoss })
}

func (h *History) TrainAccuracy() []float64 {
	return h.column(func(e EpochMetrics) float64 { return e.TrainAccuracy })
}

func (h *History) ValidAccuracy() []float64 {
	return h.column(func(e EpochMetrics) float64 { return e.ValidAccuracy })
}

// BestTracker keeps the highest validation accuracy seen and the epoch it
// was reached in. Only a strict improvement moves the epoch, so ties keep
// the earlier one and Epoch stays 0 while accuracy is 0.
type BestTracker struct {
	Accuracy float64
	Epoch    int
}

// Observe records epoch's accuracy and reports whether it is a new best.
func (b *BestTracker) Observe(epoch int, accuracy float64) bool {
	if accuracy > b.Accuracy {
		b.Accuracy = accuracy
		b.Epoch = epoch
		return true
	}
	return false
}
