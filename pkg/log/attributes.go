// Standard attribute keys for training runs.
//
// Keys follow a dotted hierarchy ("training.epoch", "metrics.loss") so that
// logs from the loader, the replicas and the epoch loop can be filtered and
// aggregated together.

package log

// Run and component context.
const (
	// ComponentKey identifies which package is logging.
	// Examples: "trainer", "dataloader", "report"
	ComponentKey = "ml.component"

	// OperationKey specifies the operation being performed.
	OperationKey = "ml.operation"

	// PhaseKey indicates the phase of the epoch: training or validation.
	PhaseKey = "ml.phase"

	// DatasetKey names the dataset directory, e.g. "flowers102".
	DatasetKey = "data.dataset"

	// ModelNameKey identifies the model, e.g. the backbone kind.
	ModelNameKey = "model.name"

	TrainableParamsKey = "model.trainable_params"
	TotalParamsKey     = "model.total_params"
)

// Data shape.
const (
	// TrainSamplesKey and ValidSamplesKey are the sizes of the two splits.
	TrainSamplesKey = "data.train_samples"
	ValidSamplesKey = "data.valid_samples"

	// ClassDistributionKey maps class name to sample count.
	ClassDistributionKey = "data.class_distribution"

	// ClassesKey indicates the number of target classes.
	ClassesKey = "data.classes"

	// FeaturesKey indicates the backbone feature width.
	FeaturesKey = "data.features"

	// BatchSizeKey indicates the configured batch size.
	BatchSizeKey = "data.batch_size"

	// BatchKey is the index of a batch within an epoch.
	BatchKey = "data.batch"
)

// Training metrics and timing.
const (
	DurationSecondsKey = "perf.duration_seconds"
	ImagesPerSecKey    = "perf.images_per_sec"

	// Batch buffer pool counters.
	BuffersAllocatedKey = "perf.buffers_allocated"
	BuffersRecycledKey  = "perf.buffers_recycled"
	BuffersPeakKey      = "perf.buffers_peak"

	// LossKey records a loss value.
	LossKey = "metrics.loss"

	TrainLossKey     = "metrics.train_loss"
	ValidLossKey     = "metrics.valid_loss"
	TrainAccuracyKey = "metrics.train_accuracy"
	ValidAccuracyKey = "metrics.valid_accuracy"
	BestAccuracyKey  = "metrics.best_accuracy"
	BestEpochKey     = "metrics.best_epoch"

	// EpochKey records the 1-based epoch number.
	EpochKey = "training.epoch"

	// EpochsKey records the total number of epochs.
	EpochsKey = "training.epochs"

	// LearningRateKey records the optimizer learning rate.
	LearningRateKey = "hyperparams.learning_rate"

	// RandomSeedKey records the sampling seed, 0 meaning time-based.
	RandomSeedKey = "config.random_seed"
)

// Infrastructure.
const (
	// GPUIDKey identifies a replica's device id.
	GPUIDKey = "infra.gpu_id"

	// DevicesKey lists the device ids of a data-parallel run.
	DevicesKey = "infra.devices"

	// PathKey records a filesystem path (checkpoint, plot, history).
	PathKey = "io.path"

	HistoryPathKey       = "io.history"
	LossCurvePathKey     = "io.loss_curve"
	AccuracyCurvePathKey = "io.accuracy_curve"
)

// Standard attribute values.
const (
	OperationTrain      = "train"
	OperationValidate   = "validate"
	OperationCheckpoint = "checkpoint"
	OperationReport     = "report"

	PhaseTraining   = "training"
	PhaseValidation = "validation"
)
