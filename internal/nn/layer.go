package nn

import (
	"fmt"

	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// Layer is a differentiable transformation of a batch
type Layer interface {
	// Forward computes the layer output and caches what Backward needs
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)

	// Backward takes dLoss/dOutput, accumulates parameter gradients and
	// returns dLoss/dInput
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)

	// Parameters returns the learnable parameters
	Parameters() []*Parameter
}

// ModeSetter is implemented by layers that behave differently in training
type ModeSetter interface {
	SetTraining(training bool)
}

// BufferHolder is implemented by layers with non-learned state
type BufferHolder interface {
	Buffers() []*Parameter
}

func checkInput(layer string, x *tensor.Tensor, channels int) error {
	if x.Rank() != 4 {
		return errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("%s expects a [batch, channels, height, width] input, got %v", layer, x.Shape()))
	}
	if x.Dim(1) != channels {
		return errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("%s expects %d channels, got %d", layer, channels, x.Dim(1)))
	}
	return nil
}

func checkGrad(layer string, grad *tensor.Tensor, outShape []int) error {
	if outShape == nil {
		return errors.NewInternalError(fmt.Sprintf("%s: Backward called before Forward", layer))
	}
	shape := grad.Shape()
	if len(shape) != len(outShape) {
		return gradMismatch(layer, shape, outShape)
	}
	for i := range shape {
		if shape[i] != outShape[i] {
			return gradMismatch(layer, shape, outShape)
		}
	}
	return nil
}

func gradMismatch(layer string, got, want []int) error {
	return errors.NewDataError(errors.CodeInvalidShape,
		fmt.Sprintf("%s: gradient shape %v does not match output %v", layer, got, want))
}
