package vae

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/pkg/errors"
)

func TestBuildArchitectureDefault(t *testing.T) {
	arch, err := BuildArchitecture(DefaultArchitectureConfig())
	require.NoError(t, err)

	assert.Equal(t, 3, arch.PyramidStages)
	assert.Equal(t, 512, arch.MaxDepth)
	require.Len(t, arch.Encoder, 4)
	require.Len(t, arch.Decoder, 5)

	depths := [][2]int{{3, 64}, {64, 128}, {128, 256}, {256, 512}}
	for i, s := range arch.Encoder {
		assert.Equal(t, StageConv, s.Kind)
		assert.Equal(t, depths[i][0], s.In, "encoder stage %d", i)
		assert.Equal(t, depths[i][1], s.Out, "encoder stage %d", i)
		assert.Equal(t, 4, s.Kernel)
		assert.Equal(t, 2, s.Stride)
		assert.Equal(t, 1, s.Padding)
		assert.Equal(t, i > 0, s.Normalize)
		assert.Equal(t, ActivationReLU, s.Activation)
	}

	assert.Equal(t, 512, arch.Projection.In)
	assert.Equal(t, 100, arch.Projection.Out)
	assert.Equal(t, 1, arch.Projection.Stride)
	assert.Equal(t, 0, arch.Projection.Padding)

	first := arch.Decoder[0]
	assert.Equal(t, StageConvTranspose, first.Kind)
	assert.Equal(t, 100, first.In)
	assert.Equal(t, 512, first.Out)
	assert.Equal(t, 1, first.Stride)
	assert.True(t, first.Normalize)

	mirror := [][2]int{{512, 256}, {256, 128}, {128, 64}}
	for i, want := range mirror {
		s := arch.Decoder[i+1]
		assert.Equal(t, want[0], s.In)
		assert.Equal(t, want[1], s.Out)
		assert.True(t, s.Normalize)
	}

	last := arch.Decoder[4]
	assert.Equal(t, 64, last.In)
	assert.Equal(t, 3, last.Out)
	assert.False(t, last.Normalize)
	assert.Equal(t, ActivationTanh, last.Activation)
}

func TestBuildArchitectureStageCount(t *testing.T) {
	tests := []struct {
		size   int
		stages int
	}{
		{8, 0},
		{16, 1},
		{32, 2},
		{64, 3},
		{128, 4},
		{256, 5},
	}

	for _, tt := range tests {
		arch, err := BuildArchitecture(ArchitectureConfig{ImageSize: tt.size, Channels: 1, Depth: 2, Latent: 3})
		require.NoError(t, err, "size %d", tt.size)
		assert.Equal(t, tt.stages, arch.PyramidStages, "size %d", tt.size)
		assert.Equal(t, 2<<tt.stages, arch.MaxDepth, "size %d", tt.size)
		assert.Len(t, arch.Encoder, tt.stages+1)
		assert.Len(t, arch.Decoder, tt.stages+2)
	}
}

func TestBuildArchitectureRejectsInvalidImageSize(t *testing.T) {
	for _, size := range []int{0, 4, 12, 100, 255} {
		_, err := BuildArchitecture(ArchitectureConfig{ImageSize: size, Channels: 3, Depth: 8, Latent: 4})
		require.Error(t, err, "size %d", size)
		assert.ErrorIs(t, err, errors.ErrConfiguration)
		assert.ErrorIs(t, err, errors.ErrInvalidImageSize)
	}
}

func TestBuildArchitectureRejectsNonPositiveSizes(t *testing.T) {
	configs := []ArchitectureConfig{
		{ImageSize: 64, Channels: 0, Depth: 8, Latent: 4},
		{ImageSize: 64, Channels: 3, Depth: 0, Latent: 4},
		{ImageSize: 64, Channels: 3, Depth: 8, Latent: -1},
	}
	for _, cfg := range configs {
		_, err := BuildArchitecture(cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrConfiguration)

		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, errors.CodeInvalidArchitecture, appErr.Code)
	}
}

func TestArchitectureSummary(t *testing.T) {
	arch, err := BuildArchitecture(ArchitectureConfig{ImageSize: 16, Channels: 1, Depth: 4, Latent: 2})
	require.NoError(t, err)

	summary := arch.Summary()
	assert.Contains(t, summary, "1 pyramid stages")
	assert.Contains(t, summary, "encoder.1")
	assert.Contains(t, summary, "decoder.2")
	assert.Contains(t, summary, "tanh")
}
