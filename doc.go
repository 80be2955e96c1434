// Package finetune fine-tunes a pretrained image classifier on a
// directory-per-class dataset using data parallelism across a list of
// devices.
//
// A frozen feature extractor (nn.Backbone) feeds a small trainable head
//
//	Linear(features, 256) -> ReLU -> Dropout(0.4) -> Linear(256, classes) -> LogSoftmax
//
// which is replicated over the configured devices by nn.DataParallel. Each
// epoch runs one training and one validation pass, appends a row to the
// history and writes a full checkpoint. After the last epoch the history is
// saved and the loss and accuracy curves are rendered.
//
// # Layout
//
//   - config: defaults, YAML file and command-line overrides
//   - vision/dataset, vision/transforms, vision/dataloader: input pipeline
//   - nn, optim: network, losses, data-parallel replication and optimizers
//   - metrics, trainer: epoch bookkeeping and the training loop
//   - report: history file and curves
//   - core/model, core/parallel, performance: persistence, fan-out helpers
//     and buffer pooling
//   - pkg/errors, pkg/log: error types and structured logging
//
// # Quick Start
//
//	go run ./cmd/finetune -data-root /data -dataset flowers102 -devices 0,1,2,3 -epochs 30
//
// produces
//
//	models/flowers102_model_<epoch>.pt
//	models/flowers102_history.pt
//	flowers102_loss_curve.png
//	flowers102_accuracy_curve.png
//
// # Error Handling
//
// Errors carry stack traces (github.com/cockroachdb/errors) and structured
// types such as DatasetError and DeviceError:
//
//	_, err := dataset.NewImageFolder(dir)
//	var dsErr *errors.DatasetError
//	if errors.As(err, &dsErr) {
//	    // dsErr.Root, dsErr.Reason
//	}
//
// Non-fatal conditions (an empty class directory, more devices than CPUs)
// are reported through errors.Warn, which can be routed to zerolog.
package finetune
