// Package vae implements the convolutional variational autoencoder: the
// encoder/decoder pyramid, the latent projection, the reparameterized
// forward pass and the ELBO loss.
package vae

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// StageKind selects the operator of a pyramid stage
type StageKind int

const (
	StageConv StageKind = iota
	StageConvTranspose
)

func (k StageKind) String() string {
	switch k {
	case StageConv:
		return "conv"
	case StageConvTranspose:
		return "deconv"
	default:
		return fmt.Sprintf("StageKind(%d)", int(k))
	}
}

// Activation is the nonlinearity applied at the end of a stage
type Activation int

const (
	ActivationNone Activation = iota
	ActivationReLU
	ActivationTanh
)

func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationReLU:
		return "relu"
	case ActivationTanh:
		return "tanh"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// Stage describes one block of the encoder or decoder: a (transposed)
// convolution, optional batch normalization and an activation.
type Stage struct {
	Name       string
	Kind       StageKind
	In         int
	Out        int
	Kernel     int
	Stride     int
	Padding    int
	Normalize  bool
	Activation Activation
}

// ArchitectureConfig holds the hyperparameters the pyramid is derived from
type ArchitectureConfig struct {
	ImageSize int `json:"image_size" mapstructure:"image_size" yaml:"image_size"`
	Channels  int `json:"channels" mapstructure:"channels" yaml:"channels"`
	Depth     int `json:"depth" mapstructure:"depth" yaml:"depth"`
	Latent    int `json:"latent" mapstructure:"latent" yaml:"latent"`
}

// DefaultArchitectureConfig returns the 64x64 RGB configuration
func DefaultArchitectureConfig() ArchitectureConfig {
	return ArchitectureConfig{
		ImageSize: constants.DefaultImageSize,
		Channels:  constants.DefaultChannels,
		Depth:     constants.DefaultDepth,
		Latent:    constants.DefaultLatent,
	}
}

// Architecture is the resolved layer plan for a configuration
type Architecture struct {
	Config ArchitectureConfig

	// PyramidStages is log2(ImageSize) - 3, the number of stages between
	// the input stage and the 4x4 feature map.
	PyramidStages int
	MaxDepth      int

	Encoder    []Stage
	Projection Stage
	Decoder    []Stage
}

// BuildArchitecture validates cfg and derives the encoder and decoder
// stages. Every encoder stage halves the spatial size, so the encoder ends
// on a MaxDepth x 4 x 4 feature map for any power-of-two image size >= 8.
func BuildArchitecture(cfg ArchitectureConfig) (*Architecture, error) {
	if cfg.ImageSize < constants.MinImageSize || bits.OnesCount(uint(cfg.ImageSize)) != 1 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidImageSize,
			fmt.Sprintf("image size %d must be a power of two and at least %d", cfg.ImageSize, constants.MinImageSize)).
			WithContext("image_size", cfg.ImageSize)
	}
	if cfg.Channels < 1 || cfg.Depth < 1 || cfg.Latent < 1 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidArchitecture,
			fmt.Sprintf("channels (%d), depth (%d) and latent size (%d) must be positive", cfg.Channels, cfg.Depth, cfg.Latent))
	}

	n := bits.TrailingZeros(uint(cfg.ImageSize)) - 3
	maxDepth := cfg.Depth << n

	arch := &Architecture{
		Config:        cfg,
		PyramidStages: n,
		MaxDepth:      maxDepth,
	}

	arch.Encoder = append(arch.Encoder, Stage{
		Name:       "encoder.0",
		Kind:       StageConv,
		In:         cfg.Channels,
		Out:        cfg.Depth,
		Kernel:     constants.FilterSize,
		Stride:     constants.Stride,
		Padding:    constants.Padding,
		Activation: ActivationReLU,
	})
	for i := 0; i < n; i++ {
		arch.Encoder = append(arch.Encoder, Stage{
			Name:       fmt.Sprintf("encoder.%d", i+1),
			Kind:       StageConv,
			In:         cfg.Depth << i,
			Out:        cfg.Depth << (i + 1),
			Kernel:     constants.FilterSize,
			Stride:     constants.Stride,
			Padding:    constants.Padding,
			Normalize:  true,
			Activation: ActivationReLU,
		})
	}

	arch.Projection = Stage{
		Name:       "latent",
		Kind:       StageConv,
		In:         maxDepth,
		Out:        cfg.Latent,
		Kernel:     constants.FilterSize,
		Stride:     1,
		Padding:    0,
		Activation: ActivationNone,
	}

	arch.Decoder = append(arch.Decoder, Stage{
		Name:       "decoder.0",
		Kind:       StageConvTranspose,
		In:         cfg.Latent,
		Out:        maxDepth,
		Kernel:     constants.FilterSize,
		Stride:     1,
		Padding:    0,
		Normalize:  true,
		Activation: ActivationReLU,
	})
	for i := n; i >= 1; i-- {
		arch.Decoder = append(arch.Decoder, Stage{
			Name:       fmt.Sprintf("decoder.%d", n-i+1),
			Kind:       StageConvTranspose,
			In:         cfg.Depth << i,
			Out:        cfg.Depth << (i - 1),
			Kernel:     constants.FilterSize,
			Stride:     constants.Stride,
			Padding:    constants.Padding,
			Normalize:  true,
			Activation: ActivationReLU,
		})
	}
	arch.Decoder = append(arch.Decoder, Stage{
		Name:       fmt.Sprintf("decoder.%d", n+1),
		Kind:       StageConvTranspose,
		In:         cfg.Depth,
		Out:        cfg.Channels,
		Kernel:     constants.FilterSize,
		Stride:     constants.Stride,
		Padding:    constants.Padding,
		Activation: ActivationTanh,
	})

	return arch, nil
}

// Summary renders the stage plan, one stage per line
func (a *Architecture) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "image %dx%dx%d, depth %d, latent %d, %d pyramid stages, max depth %d\n",
		a.Config.Channels, a.Config.ImageSize, a.Config.ImageSize, a.Config.Depth, a.Config.Latent,
		a.PyramidStages, a.MaxDepth)
	writeStage := func(s Stage) {
		norm := ""
		if s.Normalize {
			norm = " bn"
		}
		fmt.Fprintf(&b, "  %-10s %-6s %4d -> %-4d k%d s%d p%d%s %s\n",
			s.Name, s.Kind, s.In, s.Out, s.Kernel, s.Stride, s.Padding, norm, s.Activation)
	}
	for _, s := range a.Encoder {
		writeStage(s)
	}
	writeStage(a.Projection)
	for _, s := range a.Decoder {
		writeStage(s)
	}
	return b.String()
}
