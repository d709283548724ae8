package nn

import (
	"math"

	"github.com/inferloop/vaeanomaly/internal/tensor"
)

// ReLU is the rectified linear unit max(0, x)
type ReLU struct {
	out *tensor.Tensor
}

// NewReLU creates a ReLU activation
func NewReLU() *ReLU { return &ReLU{} }

// Forward implements Layer
func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	data := out.Data()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	r.out = out
	return out, nil
}

// Backward implements Layer
func (r *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkGrad("relu", grad, shapeOf(r.out)); err != nil {
		return nil, err
	}
	dx := grad.Clone()
	data, out := dx.Data(), r.out.Data()
	for i := range data {
		if out[i] <= 0 {
			data[i] = 0
		}
	}
	return dx, nil
}

// Parameters implements Layer
func (r *ReLU) Parameters() []*Parameter { return nil }

// Tanh squashes decoder output into (-1, 1)
type Tanh struct {
	out *tensor.Tensor
}

// NewTanh creates a Tanh activation
func NewTanh() *Tanh { return &Tanh{} }

// Forward implements Layer
func (t *Tanh) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x.Clone()
	data := out.Data()
	for i, v := range data {
		data[i] = math.Tanh(v)
	}
	t.out = out
	return out, nil
}

// Backward implements Layer
func (t *Tanh) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkGrad("tanh", grad, shapeOf(t.out)); err != nil {
		return nil, err
	}
	dx := grad.Clone()
	data, out := dx.Data(), t.out.Data()
	for i := range data {
		data[i] *= 1 - out[i]*out[i]
	}
	return dx, nil
}

// Parameters implements Layer
func (t *Tanh) Parameters() []*Parameter { return nil }

func shapeOf(t *tensor.Tensor) []int {
	if t == nil {
		return nil
	}
	return t.Shape()
}
