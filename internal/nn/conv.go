package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// Conv2d is a strided 2D convolution with bias. The weight is stored as an
// [out, in*k*k] matrix, the row-major flattening of [out, in, k, k].
type Conv2d struct {
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

// NewConv2d creates a convolution with Kaiming (fan-out) initialized
// weights and zero bias.
func NewConv2d(name string, in, out, kernel, stride, padding int, rng *rand.Rand) *Conv2d {
	c := &Conv2d{
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      NewParameter(name+".weight", out, in, kernel, kernel),
		Bias:        NewParameter(name+".bias", out),
	}
	KaimingNormal(c.Weight, out*kernel*kernel, rng)
	return c
}

// Forward implements Layer
func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("conv2d", x, c.InChannels); err != nil {
		return nil, err
	}

	n, h, w := x.Dim(0), x.Dim(2), x.Dim(3)
	g := tensor.ConvGeometry{
		Channels: c.InChannels,
		Height:   h,
		Width:    w,
		Kernel:   c.Kernel,
		Stride:   c.Stride,
		Padding:  c.Padding,
	}
	oh, ow := g.OutSize()
	if oh < 1 || ow < 1 {
		return nil, errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("conv2d: input %dx%d too small for kernel %d", h, w, c.Kernel))
	}

	out := tensor.Zeros(n, c.OutChannels, oh, ow)
	weight := tensor.Matrix(c.OutChannels, g.ColRows(), c.Weight.Value)
	col := make([]float64, g.ColRows()*g.ColCols())
	colMat := tensor.Matrix(g.ColRows(), g.ColCols(), col)

	for b := 0; b < n; b++ {
		tensor.Im2Col(x.Sample(b), g, col)
		dst := tensor.Matrix(c.OutChannels, oh*ow, out.Sample(b))
		dst.Mul(weight, colMat)
		addChannelBias(out.Sample(b), c.Bias.Value, oh*ow)
	}

	c.input = x
	c.geom = g
	c.outShape = out.Shape()
	return out, nil
}

// Backward implements Layer
func (c *Conv2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkGrad("conv2d", grad, c.outShape); err != nil {
		return nil, err
	}

	g := c.geom
	rows, cols := g.ColRows(), g.ColCols()
	dx := tensor.ZerosLike(c.input)

	weight := tensor.Matrix(c.OutChannels, rows, c.Weight.Value)
	dWeight := tensor.Matrix(c.OutChannels, rows, c.Weight.Grad)
	col := make([]float64, rows*cols)
	colMat := tensor.Matrix(rows, cols, col)
	dCol := mat.NewDense(rows, cols, nil)
	partial := mat.NewDense(c.OutChannels, rows, nil)

	for b := 0; b < c.input.Dim(0); b++ {
		gOut := tensor.Matrix(c.OutChannels, cols, grad.Sample(b))

		tensor.Im2Col(c.input.Sample(b), g, col)
		partial.Mul(gOut, colMat.T())
		dWeight.Add(dWeight, partial)
		accumulateChannelSums(c.Bias.Grad, grad.Sample(b), cols)

		dCol.Mul(weight.T(), gOut)
		tensor.Col2Im(dCol.RawMatrix().Data, g, dx.Sample(b))
	}

	return dx, nil
}

// Parameters implements Layer
func (c *Conv2d) Parameters() []*Parameter {
	return []*Parameter{c.Weight, c.Bias}
}

func addChannelBias(sample, bias []float64, spatial int) {
	for ch, bv := range bias {
		plane := sample[ch*spatial : (ch+1)*spatial]
		for i := range plane {
			plane[i] += bv
		}
	}
}

func accumulateChannelSums(dst, sample []float64, spatial int) {
	for ch := range dst {
		s := 0.0
		for _, v := range sample[ch*spatial : (ch+1)*spatial] {
			s += v
		}
		dst[ch] += s
	}
}
