package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/finetune/config"
	"github.com/YuminosukeSato/finetune/nn"
	"github.com/YuminosukeSato/finetune/pkg/errors"
	"github.com/YuminosukeSato/finetune/pkg/log"
	"github.com/YuminosukeSato/finetune/report"
	"github.com/YuminosukeSato/finetune/trainer"
	"github.com/YuminosukeSato/finetune/vision/dataset"
	"github.com/YuminosukeSato/finetune/vision/dataset/datasettest"
)

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	datasettest.WriteSplits(t, filepath.Join(root, "flowers"),
		map[string]int{"daisy": 5, "rose": 5, "tulip": 5},
		map[string]int{"daisy": 2, "rose": 2, "tulip": 2},
		20, 16,
	)
	cfg := config.Default()
	cfg.ApplyOverrides(config.Overrides{
		DataRoot:   root,
		Dataset:    "flowers",
		BatchSize:  4,
		NumWorkers: 2,
		Devices:    []int{0, 1},
		Epochs:     2,
		Seed:       7,
		OutputDir:  filepath.Join(root, "models"),
		PlotDir:    filepath.Join(root, "plots"),
	})
	cfg.ImageSize, cfg.ResizeSize = 12, 14
	cfg.HiddenUnits = 8
	cfg.Backbone.Grid, cfg.Backbone.Features = 3, 16
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunProducesAllArtifacts(t *testing.T) {
	cfg := smallConfig(t)
	exported := filepath.Join(t.TempDir(), "backbone.gob")

	prev := log.GetLogger()
	defer log.SetLogger(prev)
	testLogger, _ := log.NewTestLogger(log.LevelDebug)
	log.SetLogger(testLogger)

	require.NoError(t, run(context.Background(), cfg, exported))

	assert.True(t, testLogger.ContainsField(log.TrainSamplesKey, 15.0))
	assert.True(t, testLogger.ContainsField(log.ValidSamplesKey, 6.0))
	assert.True(t, testLogger.ContainsField(log.HistoryPathKey, trainer.HistoryPath(cfg.OutputDir, "flowers")))
	assert.True(t, testLogger.ContainsMessage(log.BuffersRecycledKey))
	assert.True(t, testLogger.ContainsMessage(log.ClassDistributionKey))

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		assert.FileExists(t, trainer.CheckpointPath(cfg.OutputDir, "flowers", epoch))
	}
	h, err := report.LoadHistory(trainer.HistoryPath(cfg.OutputDir, "flowers"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs, h.Len())
	assert.FileExists(t, report.LossCurvePath(cfg.PlotDir, "flowers"))
	assert.FileExists(t, report.AccuracyCurvePath(cfg.PlotDir, "flowers"))

	// 書き出したバックボーンを次の実行で読み込める
	bb, err := nn.LoadBackbone(exported, cfg.ImageSize)
	require.NoError(t, err)
	assert.Equal(t, 16, bb.OutFeatures())

	clf, err := nn.LoadClassifier(trainer.CheckpointPath(cfg.OutputDir, "flowers", cfg.Epochs))
	require.NoError(t, err)
	assert.Equal(t, 3, clf.NumClasses())
}

func TestRunFailsOnMissingSplit(t *testing.T) {
	cfg := smallConfig(t)
	require.NoError(t, os.RemoveAll(cfg.ValidDir()))

	err := run(context.Background(), cfg, "")
	var dsErr *errors.DatasetError
	assert.True(t, errors.As(err, &dsErr))
}

func TestSameClasses(t *testing.T) {
	root := t.TempDir()
	datasettest.WriteTree(t, filepath.Join(root, "a"), map[string]int{"daisy": 1, "rose": 1}, 4, 4)
	datasettest.WriteTree(t, filepath.Join(root, "b"), map[string]int{"daisy": 1, "tulip": 1}, 4, 4)
	datasettest.WriteTree(t, filepath.Join(root, "c"), map[string]int{"daisy": 1}, 4, 4)

	a, err := dataset.NewImageFolder(filepath.Join(root, "a"))
	require.NoError(t, err)
	b, err := dataset.NewImageFolder(filepath.Join(root, "b"))
	require.NoError(t, err)
	c, err := dataset.NewImageFolder(filepath.Join(root, "c"))
	require.NoError(t, err)

	assert.NoError(t, sameClasses(a, a))
	assert.Error(t, sameClasses(a, b))
	assert.Error(t, sameClasses(a, c))
}
