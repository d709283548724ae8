package commands

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/internal/calibration"
	"github.com/inferloop/vaeanomaly/internal/config"
	"github.com/inferloop/vaeanomaly/internal/dataset"
	"github.com/inferloop/vaeanomaly/internal/storage"
	"github.com/inferloop/vaeanomaly/internal/vae"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// writeNoiseImages writes n random grayscale images into root/class
func writeNoiseImages(t *testing.T, root, class string, n int, seed uint64) {
	t.Helper()
	dir := filepath.Join(root, class)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	rng := rand.New(rand.NewPCG(seed, seed))
	for i := 0; i < n; i++ {
		img := image.NewGray(image.Rect(0, 0, 8, 8))
		for p := range img.Pix {
			img.Pix[p] = uint8(rng.IntN(256))
		}
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%s_%02d.png", class, i)))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
}

// calibrationConfig creates a training folder and a checkpoint of an
// untrained model
func calibrationConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Seed = 7
	cfg.Data.TrainDir = filepath.Join(dir, "train")
	cfg.Data.TrainClasses = nil
	cfg.Data.ValidationSplit = 0.5
	cfg.Data.Workers = 2
	cfg.Scoring.NormalClass = "NV"
	cfg.Scoring.BatchSize = 4
	cfg.Scoring.CalibrationFile = filepath.Join(dir, "calibration", constants.GammaFitFile)
	cfg.Checkpoint = storage.Config{Location: filepath.Join(dir, "checkpoints")}

	writeNoiseImages(t, cfg.Data.TrainDir, "NV", 20, 1)
	writeNoiseImages(t, cfg.Data.TrainDir, "MEL", 4, 2)

	arch := vae.ArchitectureConfig{ImageSize: 8, Channels: 1, Depth: 2, Latent: 3}
	model, err := vae.NewModel(arch, 1, logrus.New())
	require.NoError(t, err)

	ctx := context.Background()
	store, err := storage.NewStore(ctx, &cfg.Checkpoint, logrus.New())
	require.NoError(t, err)
	_, err = store.Save(ctx, &models.Checkpoint{
		Version:        constants.CheckpointFormatVersion,
		Epoch:          1,
		ValidationLoss: 1,
		Architecture: models.ArchitectureInfo{
			ImageSize: 8, Channels: 1, Depth: 2, Latent: 3, KLWeight: 1,
		},
		Model:     model.StateDict(),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	return cfg
}

func TestCalibrateFitsValidationSplit(t *testing.T) {
	cfg := calibrationConfig(t)

	require.NoError(t, runCalibrate(context.Background(), cfg, &CalibrateOptions{}, logrus.New()))

	folder, err := dataset.NewImageFolder(cfg.Data.TrainDir)
	require.NoError(t, err)
	_, val, err := folder.Split(1-cfg.Data.ValidationSplit, cfg.Seed)
	require.NoError(t, err)
	want := val.ClassDistribution()["NV"]
	require.Less(t, want, 20)

	fit, err := calibration.LoadGammaFit(cfg.Scoring.CalibrationFile)
	require.NoError(t, err)
	assert.Equal(t, want, fit.Samples)
}

func TestCalibrateExplicitReferenceDir(t *testing.T) {
	cfg := calibrationConfig(t)
	reference := filepath.Join(t.TempDir(), "holdout")
	writeNoiseImages(t, reference, "NV", 5, 3)

	opts := &CalibrateOptions{DataDir: reference}
	require.NoError(t, runCalibrate(context.Background(), cfg, opts, logrus.New()))

	fit, err := calibration.LoadGammaFit(cfg.Scoring.CalibrationFile)
	require.NoError(t, err)
	assert.Equal(t, 5, fit.Samples)
}

func TestCalibrateRequiresHeldOutImages(t *testing.T) {
	cfg := calibrationConfig(t)
	cfg.Data.ValidationSplit = 0

	err := runCalibrate(context.Background(), cfg, &CalibrateOptions{}, logrus.New())
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestSplitTrainingDataMatchesCalibration(t *testing.T) {
	cfg := calibrationConfig(t)

	_, trainSet, valSet, err := splitTrainingData(cfg)
	require.NoError(t, err)
	reference, err := referenceData(cfg, "", "NV")
	require.NoError(t, err)

	held := make(map[string]bool)
	for i := 0; i < valSet.Len(); i++ {
		path, _, _ := valSet.Item(i)
		held[path] = true
	}
	for i := 0; i < trainSet.Len(); i++ {
		path, _, _ := trainSet.Item(i)
		assert.False(t, held[path])
	}
	for i := 0; i < reference.Len(); i++ {
		path, label, _ := reference.Item(i)
		assert.Equal(t, "NV", label)
		assert.True(t, held[path], path)
	}
}
