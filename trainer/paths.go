package trainer

import (
	"fmt"
	"path/filepath"
)

// CheckpointPath is <dir>/<dataset>_model_<epoch>.pt.
func CheckpointPath(dir, dataset string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_model_%d.pt", dataset, epoch))
}

// HistoryPath is <dir>/<dataset>_history.pt.
func HistoryPath(dir, dataset string) string {
	return filepath.Join(dir, dataset+"_history.pt")
}
