package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// ConvTranspose2d is the adjoint of Conv2d: it scatters every input pixel
// through the kernel, growing the spatial size to (in-1)*stride - 2*padding
// + kernel. The weight is stored as [in, out*k*k], the flattening of
// [in, out, k, k].
type ConvTranspose2d struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int

	Weight *Parameter
	Bias   *Parameter

	input    *tensor.Tensor
	geom     tensor.ConvGeometry
	outShape []int
}

// NewConvTranspose2d creates a transposed convolution with Kaiming
// (fan-out) initialized weights and zero bias. Fan-out follows the stored
// weight layout, in*k*k.
func NewConvTranspose2d(name string, in, out, kernel, stride, padding int, rng *rand.Rand) *ConvTranspose2d {
	c := &ConvTranspose2d{
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      NewParameter(name+".weight", in, out, kernel, kernel),
		Bias:        NewParameter(name+".bias", out),
	}
	KaimingNormal(c.Weight, in*kernel*kernel, rng)
	return c
}

// Forward implements Layer
func (c *ConvTranspose2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("conv_transpose2d", x, c.InChannels); err != nil {
		return nil, err
	}

	n, h, w := x.Dim(0), x.Dim(2), x.Dim(3)
	oh := (h-1)*c.Stride - 2*c.Padding + c.Kernel
	ow := (w-1)*c.Stride - 2*c.Padding + c.Kernel
	if oh < 1 || ow < 1 {
		return nil, errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("conv_transpose2d: output size %dx%d is empty", oh, ow))
	}

	// geometry of the forward convolution this layer is the adjoint of
	g := tensor.ConvGeometry{
		Channels: c.OutChannels,
		Height:   oh,
		Width:    ow,
		Kernel:   c.Kernel,
		Stride:   c.Stride,
		Padding:  c.Padding,
	}

	out := tensor.Zeros(n, c.OutChannels, oh, ow)
	weight := tensor.Matrix(c.InChannels, g.ColRows(), c.Weight.Value)
	col := mat.NewDense(g.ColRows(), h*w, nil)

	for b := 0; b < n; b++ {
		in := tensor.Matrix(c.InChannels, h*w, x.Sample(b))
		col.Mul(weight.T(), in)
		tensor.Col2Im(col.RawMatrix().Data, g, out.Sample(b))
		addChannelBias(out.Sample(b), c.Bias.Value, oh*ow)
	}

	c.input = x
	c.geom = g
	c.outShape = out.Shape()
	return out, nil
}

// Backward implements Layer
func (c *ConvTranspose2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkGrad("conv_transpose2d", grad, c.outShape); err != nil {
		return nil, err
	}

	g := c.geom
	rows := g.ColRows()
	spatialIn := c.input.Dim(2) * c.input.Dim(3)
	dx := tensor.ZerosLike(c.input)

	weight := tensor.Matrix(c.InChannels, rows, c.Weight.Value)
	dWeight := tensor.Matrix(c.InChannels, rows, c.Weight.Grad)
	gCol := make([]float64, rows*spatialIn)
	gColMat := tensor.Matrix(rows, spatialIn, gCol)
	partial := mat.NewDense(c.InChannels, rows, nil)

	for b := 0; b < c.input.Dim(0); b++ {
		tensor.Im2Col(grad.Sample(b), g, gCol)
		in := tensor.Matrix(c.InChannels, spatialIn, c.input.Sample(b))

		partial.Mul(in, gColMat.T())
		dWeight.Add(dWeight, partial)
		accumulateChannelSums(c.Bias.Grad, grad.Sample(b), g.Height*g.Width)

		dIn := tensor.Matrix(c.InChannels, spatialIn, dx.Sample(b))
		dIn.Mul(weight, gColMat)
	}

	return dx, nil
}

// Parameters implements Layer
func (c *ConvTranspose2d) Parameters() []*Parameter {
	return []*Parameter{c.Weight, c.Bias}
}
