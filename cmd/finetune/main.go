// Command finetune trains a classification head on top of a frozen feature
// extractor over <data_root>/<dataset>/{train,valid}, replicated across the
// configured devices. It writes a checkpoint per epoch, the history file and
// the loss and accuracy curves.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/YuminosukeSato/finetune/config"
	"github.com/YuminosukeSato/finetune/nn"
	"github.com/YuminosukeSato/finetune/optim"
	"github.com/YuminosukeSato/finetune/performance"
	"github.com/YuminosukeSato/finetune/pkg/errors"
	"github.com/YuminosukeSato/finetune/pkg/log"
	"github.com/YuminosukeSato/finetune/report"
	"github.com/YuminosukeSato/finetune/trainer"
	"github.com/YuminosukeSato/finetune/vision/dataloader"
	"github.com/YuminosukeSato/finetune/vision/dataset"
	"github.com/YuminosukeSato/finetune/vision/transforms"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	dataRoot := flag.String("data-root", "", "Directory containing <dataset>/train and <dataset>/valid")
	datasetName := flag.String("dataset", "", "Dataset directory name")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	devices := flag.String("devices", "", "Comma separated device ids, first is primary")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	lr := flag.Float64("lr", 0, "Learning rate")
	optimizer := flag.String("optimizer", "", "Optimizer: adam or sgd")
	loss := flag.String("loss", "", "Loss: cross_entropy or nll")
	weights := flag.String("weights", "", "Pretrained backbone weights file")
	exportBackbone := flag.String("export-backbone", "", "Write the backbone weights used for this run to a file")
	seed := flag.Int64("seed", 0, "PRNG seed, 0 seeds from the clock")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	outputDir := flag.String("output-dir", "", "Checkpoint and history directory")
	plotDir := flag.String("plot-dir", "", "Curve output directory")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fatal(err, "failed to load config")
		}
		cfg = loaded
	}

	deviceIDs, err := config.ParseDevices(*devices)
	if err != nil {
		fatal(err, "invalid -devices")
	}
	cfg.ApplyOverrides(config.Overrides{
		DataRoot:     *dataRoot,
		Dataset:      *datasetName,
		BatchSize:    *batchSize,
		NumWorkers:   *numWorkers,
		Devices:      deviceIDs,
		Epochs:       *epochs,
		LearningRate: *lr,
		Optimizer:    *optimizer,
		Loss:         *loss,
		Weights:      *weights,
		Seed:         *seed,
		LogLevel:     *logLevel,
		OutputDir:    *outputDir,
		PlotDir:      *plotDir,
	})
	if err := cfg.Validate(); err != nil {
		fatal(err, "invalid config")
	}

	if err := log.SetupLogger(cfg.LogLevel); err != nil {
		fatal(err, "failed to set up logging")
	}
	errors.SetZerologWarnFunc(errors.NewZerologWarnFunc(
		zerolog.New(os.Stderr).With().Timestamp().Str("component", "finetune").Logger(),
	))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *exportBackbone); err != nil {
		log.GetLogger().Error("Fine-tuning failed", err, log.DatasetKey, cfg.Dataset)
		stop()
		os.Exit(1)
	}
}

func fatal(err error, msg string) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func run(ctx context.Context, cfg *config.Config, exportBackbone string) error {
	logger := log.GetLogger().With(log.ComponentKey, "finetune", log.DatasetKey, cfg.Dataset)

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logger.Info("Run configured",
		log.DevicesKey, cfg.Devices,
		log.BatchSizeKey, cfg.BatchSize,
		log.EpochsKey, cfg.Epochs,
		log.LearningRateKey, cfg.LearningRate,
		log.RandomSeedKey, cfg.Seed,
	)

	trainSet, err := dataset.NewImageFolder(cfg.TrainDir())
	if err != nil {
		return err
	}
	validSet, err := dataset.NewImageFolder(cfg.ValidDir())
	if err != nil {
		return err
	}
	if err := sameClasses(trainSet, validSet); err != nil {
		return err
	}
	numClasses := trainSet.NumClasses()
	if cfg.NumClasses != 0 && cfg.NumClasses != numClasses {
		errors.Warn(errors.NewClassCountWarning(cfg.NumClasses, numClasses))
	}
	logger.Info("Datasets loaded",
		log.ClassesKey, numClasses,
		log.TrainSamplesKey, trainSet.Len(),
		log.ValidSamplesKey, validSet.Len(),
	)
	logger.Debug("Training class distribution", log.ClassDistributionKey, trainSet.ClassDistribution())

	pool := performance.NewTensorPool()
	trainLoader, err := dataloader.New(trainSet, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Shuffle:    true,
		Seed:       cfg.Seed,
		Pipeline:   transforms.TrainPipeline(cfg.ResizeSize, cfg.ImageSize),
		Pool:       pool,
	})
	if err != nil {
		return err
	}
	validSeed := cfg.Seed
	if validSeed != 0 {
		validSeed++
	}
	validLoader, err := dataloader.New(validSet, dataloader.Config{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Shuffle:    true,
		Seed:       validSeed,
		Pipeline:   transforms.ValidPipeline(cfg.ResizeSize, cfg.ImageSize),
		Pool:       pool,
	})
	if err != nil {
		return err
	}

	backbone, err := buildBackbone(cfg)
	if err != nil {
		return err
	}
	if exportBackbone != "" {
		if err := nn.SaveBackbone(backbone, exportBackbone); err != nil {
			return err
		}
		logger.Info("Backbone exported", log.PathKey, exportBackbone)
	}
	clf, err := nn.NewClassifier(backbone, nn.HeadConfig{
		Hidden:  cfg.HiddenUnits,
		Dropout: cfg.Dropout,
		Classes: numClasses,
		Seed:    seed,
	}, trainSet.ClassNames())
	if err != nil {
		return err
	}
	logger.Info("Model built",
		log.ModelNameKey, backbone.Name(),
		log.FeaturesKey, backbone.OutFeatures(),
		log.TrainableParamsKey, nn.CountParams(nn.Trainable(clf.Params())),
		log.TotalParamsKey, nn.CountParams(clf.Params()),
	)

	model, err := nn.NewDataParallel(clf, cfg.Devices, seed)
	if err != nil {
		return err
	}
	opt, err := optim.New(cfg.Optimizer, model.Parameters(), cfg.LearningRate, cfg.Momentum)
	if err != nil {
		return err
	}
	lossFn, err := nn.NewLoss(cfg.Loss)
	if err != nil {
		return err
	}

	res, err := trainer.TrainAndValid(ctx, trainer.Params{
		Dataset:       cfg.Dataset,
		Model:         model,
		Loss:          lossFn,
		Optimizer:     opt,
		Train:         trainLoader,
		Valid:         validLoader,
		Epochs:        cfg.Epochs,
		CheckpointDir: cfg.OutputDir,
		LogEvery:      cfg.LogEvery,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	historyPath := trainer.HistoryPath(cfg.OutputDir, cfg.Dataset)
	if err := report.SaveHistory(res.History, historyPath); err != nil {
		return err
	}
	lossPath, accPath, err := report.Render(res.History, cfg.PlotDir, cfg.Dataset)
	if err != nil {
		return err
	}
	stats := pool.Stats()
	logger.Debug("Batch buffer pool",
		log.BuffersAllocatedKey, stats.TotalAllocated,
		log.BuffersRecycledKey, stats.TotalRecycled,
		log.BuffersPeakKey, stats.PeakUsage,
	)
	logger.Info("Run finished",
		log.BestAccuracyKey, res.Best.Accuracy,
		log.BestEpochKey, res.Best.Epoch,
		log.HistoryPathKey, historyPath,
		log.LossCurvePathKey, lossPath,
		log.AccuracyCurvePathKey, accPath,
	)
	return nil
}

func buildBackbone(cfg *config.Config) (*nn.Backbone, error) {
	if cfg.Backbone.Weights != "" {
		return nn.LoadBackbone(cfg.Backbone.Weights, cfg.ImageSize)
	}
	return nn.NewBackbone(nn.BackboneConfig{
		Channels:  3,
		ImageSize: cfg.ImageSize,
		Grid:      cfg.Backbone.Grid,
		Features:  cfg.Backbone.Features,
		Seed:      cfg.Backbone.Seed,
	})
}

// sameClasses requires both splits to use the same sorted class names, so
// that a label means the same class in training and validation.
func sameClasses(train, valid *dataset.ImageFolder) error {
	a, b := train.ClassNames(), valid.ClassNames()
	if len(a) != len(b) {
		return errors.NewDatasetError(valid.Root(), fmt.Sprintf("has %d classes, training split has %d", len(b), len(a)), nil)
	}
	for i := range a {
		if a[i] != b[i] {
			return errors.NewDatasetError(valid.Root(), fmt.Sprintf("class %d is %q, training split has %q", i, b[i], a[i]), nil)
		}
	}
	return nil
}
