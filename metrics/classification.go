// Package metrics holds the per-batch and per-epoch bookkeeping of a
// training run: predicted classes, correct counts, epoch averages, the
// history of completed epochs and the best validation accuracy.
package metrics

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// ArgMaxRows は各行で最大値をとる列番号（予測クラス）を返す
func ArgMaxRows(out mat.Matrix) []int {
	rows, cols := out.Dims()
	preds := make([]int, rows)
	row := make([]float64, cols)
	for i := 0; i < rows; i++ {
		mat.Row(row, i, out)
		preds[i] = floats.MaxIdx(row)
	}
	return preds
}

// CountCorrect はモデル出力の予測クラスがラベルと一致する件数を返す
func CountCorrect(out mat.Matrix, labels []int) (int, error) {
	rows, _ := out.Dims()
	if rows != len(labels) {
		return 0, errors.NewDimensionError("CountCorrect", rows, len(labels), 0)
	}
	correct := 0
	for i, p := range ArgMaxRows(out) {
		if p == labels[i] {
			correct++
		}
	}
	return correct, nil
}
