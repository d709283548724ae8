package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

func testCheckpoint() *models.Checkpoint {
	return &models.Checkpoint{
		RunID:          "run-1",
		Epoch:          7,
		ValidationLoss: 123.456789,
		Architecture:   models.ArchitectureInfo{ImageSize: 8, Channels: 1, Depth: 2, Latent: 3, KLWeight: 1},
		Model: models.StateDict{
			Parameters: []models.NamedTensor{{Name: "mu.weight", Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}},
			Buffers:    []models.NamedTensor{{Name: "encoder.0.bn.running_mean", Shape: []int{1}, Data: []float64{0.5}}},
		},
		Optimizer: models.OptimizerState{Name: "adam", Step: 12, LearningRate: 1e-3},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEncodeDecode(t *testing.T) {
	for _, compress := range []bool{false, true} {
		data, err := Encode(testCheckpoint(), compress)
		require.NoError(t, err)
		assert.Equal(t, compress, len(data) > 1 && data[0] == 0x1f && data[1] == 0x8b)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, constants.CheckpointFormatVersion, got.Version)
		assert.Equal(t, 7, got.Epoch)
		assert.Equal(t, []float64{1, 2, 3, 4}, got.Model.Parameters[0].Data)
		assert.Equal(t, 12, got.Optimizer.Step)
		assert.True(t, got.CreatedAt.Equal(testCheckpoint().CreatedAt))
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not a checkpoint"))
	assert.ErrorIs(t, err, errors.ErrCheckpointCorrupted)

	_, err = Decode([]byte{0x1f, 0x8b, 0x00})
	assert.ErrorIs(t, err, errors.ErrCheckpointCorrupted)
}

func TestDecodeRejectsInvalidCheckpoint(t *testing.T) {
	cp := testCheckpoint()
	cp.Model.Parameters[0].Shape = []int{3, 3}
	data, err := Encode(cp, false)
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, errors.ErrCheckpointCorrupted)

	cp = testCheckpoint()
	cp.Version = constants.CheckpointFormatVersion + 1
	data, err = Encode(cp, false)
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, errors.ErrCheckpointCorrupted)
}

func TestParseObjectName(t *testing.T) {
	name := ObjectName(models.CheckpointKey(7, 123.456789))
	assert.Equal(t, "vae_epoch-0007_val-123.456789.ckpt", name)

	key, epoch, val, ok := ParseObjectName("runs/a/" + name)
	require.True(t, ok)
	assert.Equal(t, "vae_epoch-0007_val-123.456789", key)
	assert.Equal(t, 7, epoch)
	assert.InDelta(t, 123.456789, val, 1e-9)

	for _, bad := range []string{"gamma_fit.json", "vae_epoch-7_val-1.0.ckpt", "vae_epoch-0007_val-abc.ckpt", "vae.ckpt"} {
		_, _, _, ok := ParseObjectName(bad)
		assert.False(t, ok, bad)
	}
}
