// Package report persists the training history and renders the loss and
// accuracy curves of a run.
package report

import (
	"os"
	"path/filepath"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/YuminosukeSato/finetune/metrics"
	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// historyColumns is the row layout of the history file:
// train loss, valid loss, train accuracy, valid accuracy.
const historyColumns = 4

// MarshalHistory encodes h as a protobuf ListValue of rows.
func MarshalHistory(h *metrics.History) ([]byte, error) {
	rows := make([]*structpb.Value, 0, h.Len())
	for _, e := range h.Epochs() {
		row, err := structpb.NewList([]interface{}{e.TrainLoss, e.ValidLoss, e.TrainAccuracy, e.ValidAccuracy})
		if err != nil {
			return nil, errors.Wrap(err, "encode history row")
		}
		rows = append(rows, structpb.NewListValue(row))
	}
	data, err := proto.Marshal(&structpb.ListValue{Values: rows})
	if err != nil {
		return nil, errors.Wrap(err, "marshal history")
	}
	return data, nil
}

// UnmarshalHistory decodes data written by MarshalHistory.
func UnmarshalHistory(data []byte) (*metrics.History, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(data, &list); err != nil {
		return nil, errors.Wrap(err, "unmarshal history")
	}
	h := metrics.NewHistory()
	for i, v := range list.GetValues() {
		row := v.GetListValue().GetValues()
		if len(row) != historyColumns {
			return nil, errors.NewDimensionError("UnmarshalHistory", historyColumns, len(row), 1)
		}
		var vals [historyColumns]float64
		for j, cell := range row {
			n, ok := cell.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, errors.Newf("history row %d column %d is not a number", i, j)
			}
			vals[j] = n.NumberValue
		}
		h.Append(metrics.EpochMetrics{
			TrainLoss:     vals[0],
			ValidLoss:     vals[1],
			TrainAccuracy: vals[2],
			ValidAccuracy: vals[3],
		})
	}
	return h, nil
}

// SaveHistory writes h to path, creating parent directories.
func SaveHistory(h *metrics.History, path string) error {
	data, err := MarshalHistory(h)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write history %s", path)
	}
	return nil
}

// LoadHistory reads a history file written by SaveHistory.
func LoadHistory(path string) (*metrics.History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read history %s", path)
	}
	return UnmarshalHistory(data)
}
