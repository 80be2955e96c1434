package metrics

import (
	"time"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// Window accumulates timing stats across training steps.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Steps is the number of measurements since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	total := w.data + w.compute
	steps := float64(w.steps)
	snap := Snapshot{
		ImagesPerSec: errors.SafeDivide(float64(w.samples), total.Seconds()),
		AvgDataMS:    errors.SafeDivide(w.data.Seconds()*1000, steps),
		AvgComputeMS: errors.SafeDivide(w.compute.Seconds()*1000, steps),
		LastLoss:     w.lastLoss,
	}

	*w = Window{}
	return snap
}

// Snapshot is the loggable view of a Window.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
}
