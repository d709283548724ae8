package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

func checkpointAt(epoch int, valLoss float64) *models.Checkpoint {
	return &models.Checkpoint{
		Epoch:          epoch,
		ValidationLoss: valLoss,
		Model: models.StateDict{
			Parameters: []models.NamedTensor{{Name: "mu.weight", Shape: []int{2}, Data: []float64{float64(epoch), valLoss}}},
		},
	}
}

func newTestStorage(t *testing.T, compress bool) *FileStorage {
	t.Helper()
	fs, err := NewFileStorage(&FileStorageConfig{
		BasePath:    filepath.Join(t.TempDir(), "ckpt"),
		Compression: compress,
	}, logrus.New())
	require.NoError(t, err)
	return fs
}

func TestNewFileStorageInvalidConfig(t *testing.T) {
	_, err := NewFileStorage(nil, logrus.New())
	assert.ErrorIs(t, err, errors.ErrConfiguration)

	_, err = NewFileStorage(&FileStorageConfig{}, logrus.New())
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestFileStorageSaveLoad(t *testing.T) {
	for _, compress := range []bool{false, true} {
		fs := newTestStorage(t, compress)
		ctx := context.Background()

		key, err := fs.Save(ctx, checkpointAt(3, 41.5))
		require.NoError(t, err)
		assert.Equal(t, "vae_epoch-0003_val-41.500000", key)

		_, err = os.Stat(filepath.Join(fs.Location(), key+".ckpt"))
		require.NoError(t, err)

		got, err := fs.Load(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Epoch)
		assert.Equal(t, []float64{3, 41.5}, got.Model.Parameters[0].Data)
	}
}

func TestFileStorageListAndLatest(t *testing.T) {
	fs := newTestStorage(t, false)
	ctx := context.Background()

	_, err := fs.Latest(ctx)
	assert.ErrorIs(t, err, errors.ErrCheckpointNotFound)

	for _, cp := range []*models.Checkpoint{checkpointAt(2, 50), checkpointAt(10, 30), checkpointAt(5, 40)} {
		_, err := fs.Save(ctx, cp)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(fs.Location(), "notes.txt"), []byte("x"), 0o644))

	infos, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, []int{2, 5, 10}, []int{infos[0].Epoch, infos[1].Epoch, infos[2].Epoch})
	assert.InDelta(t, 30.0, infos[2].ValidationLoss, 1e-9)
	assert.Greater(t, infos[0].Size, int64(0))

	latest, err := fs.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, latest.Epoch)
}

func TestFileStorageLoadErrors(t *testing.T) {
	fs := newTestStorage(t, false)
	ctx := context.Background()

	_, err := fs.Load(ctx, "vae_epoch-0001_val-1.000000")
	assert.ErrorIs(t, err, errors.ErrCheckpointNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(fs.Location(), "vae_epoch-0001_val-1.000000.ckpt"), []byte("junk"), 0o644))
	_, err = fs.Load(ctx, "vae_epoch-0001_val-1.000000")
	assert.ErrorIs(t, err, errors.ErrCheckpointCorrupted)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = fs.Save(cancelled, checkpointAt(1, 1))
	assert.ErrorIs(t, err, context.Canceled)
}
