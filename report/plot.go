package report

import (
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/finetune/metrics"
	"github.com/YuminosukeSato/finetune/pkg/errors"
	"github.com/YuminosukeSato/finetune/pkg/log"
)

const (
	plotWidth  = 6 * vg.Inch
	plotHeight = 4 * vg.Inch
)

// LossCurvePath is <dir>/<dataset>_loss_curve.png.
func LossCurvePath(dir, dataset string) string {
	return filepath.Join(dir, dataset+"_loss_curve.png")
}

// AccuracyCurvePath is <dir>/<dataset>_accuracy_curve.png.
func AccuracyCurvePath(dir, dataset string) string {
	return filepath.Join(dir, dataset+"_accuracy_curve.png")
}

// PlotLoss draws training and validation loss per epoch to path.
func PlotLoss(h *metrics.History, path string) error {
	return plotPair(path, "Loss",
		"Tr Loss", h.TrainLoss(),
		"Val Loss", h.ValidLoss(),
	)
}

// PlotAccuracy draws training and validation accuracy per epoch to path.
func PlotAccuracy(h *metrics.History, path string) error {
	return plotPair(path, "Accuracy",
		"Tr Accuracy", h.TrainAccuracy(),
		"Val Accuracy", h.ValidAccuracy(),
	)
}

// Render writes both curves for dataset into dir and returns their paths.
func Render(h *metrics.History, dir, dataset string) (lossPath, accuracyPath string, err error) {
	lossPath = LossCurvePath(dir, dataset)
	if err := PlotLoss(h, lossPath); err != nil {
		return "", "", err
	}
	accuracyPath = AccuracyCurvePath(dir, dataset)
	if err := PlotAccuracy(h, accuracyPath); err != nil {
		return "", "", err
	}
	log.GetLogger().Info("Curves saved",
		log.ComponentKey, "report",
		log.OperationKey, log.OperationReport,
		log.DatasetKey, dataset,
		log.EpochsKey, h.Len(),
	)
	return lossPath, accuracyPath, nil
}

// plotPair draws two series against the 1-based epoch number with the y
// axis fixed to [0, 1]; values outside are clipped.
func plotPair(path, ylabel, nameA string, a []float64, nameB string, b []float64) error {
	if len(a) == 0 {
		return errors.Wrap(errors.ErrEmptyData, "plot "+ylabel)
	}
	p := plot.New()
	p.X.Label.Text = "Epoch Number"
	p.Y.Label.Text = ylabel
	p.Legend.Top = true

	if err := plotutil.AddLines(p, nameA, epochXYs(a), nameB, epochXYs(b)); err != nil {
		return errors.Wrapf(err, "plot %s", ylabel)
	}
	p.Y.Min, p.Y.Max = 0, 1
	p.X.Min, p.X.Max = 1, float64(max(len(a), 2))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return errors.Wrapf(err, "save plot %s", path)
	}
	return nil
}

func epochXYs(ys []float64) plotter.XYs {
	pts := make(plotter.XYs, len(ys))
	for i, y := range ys {
		pts[i].X = float64(i + 1)
		pts[i].Y = y
	}
	return pts
}
