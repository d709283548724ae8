package tensor

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/inferloop/vaeanomaly/pkg/errors"
)

func TestNew(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	x, err := New([]int{2, 3}, data)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, x.Shape())
	assert.Equal(t, 3.0, x.At(0, 2))
	assert.Equal(t, 4.0, x.At(1, 0))

	// backing store is shared
	data[0] = 10
	assert.Equal(t, 10.0, x.At(0, 0))

	_, err = New([]int{2, 2}, data)
	assert.ErrorIs(t, err, errors.ErrInvalidShape)

	_, err = New([]int{-1, 6}, data)
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
}

func TestShapeIsCopied(t *testing.T) {
	x := Zeros(2, 3)
	shape := x.Shape()
	shape[0] = 7
	assert.Equal(t, 2, x.Dim(0))
	assert.Equal(t, 2, x.Rank())
	assert.Equal(t, 6, x.Len())
	assert.Equal(t, "Tensor[2 3]", x.String())
}

func TestSamples(t *testing.T) {
	x := Zeros(3, 1, 2, 2)
	assert.Equal(t, 4, x.SampleSize())
	copy(x.Sample(1), []float64{1, 2, 3, 4})
	assert.Equal(t, 3.0, x.At(1, 0, 1, 0))
	assert.Equal(t, []float64{0, 30, 0}, x.SumSquaresPerSample())
}

func TestCloneAndReshape(t *testing.T) {
	x := Full(2, 2, 2)
	c := x.Clone()
	c.Set(5, 0, 0)
	assert.Equal(t, 2.0, x.At(0, 0))

	r, err := x.Reshape(4)
	require.NoError(t, err)
	r.Data()[3] = 9
	assert.Equal(t, 9.0, x.At(1, 1))

	_, err = x.Reshape(3)
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
	assert.Panics(t, func() { x.MustReshape(5) })
}

func TestArithmetic(t *testing.T) {
	a := Full(3, 2, 2)
	b := Full(1, 2, 2)

	d, err := a.Sub(b)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 2, 2}, d.Data())

	require.NoError(t, a.AddInPlace(b))
	assert.Equal(t, []float64{4, 4, 4, 4}, a.Data())

	_, err = a.Sub(Zeros(4))
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
	assert.ErrorIs(t, a.AddInPlace(Zeros(1, 4)), errors.ErrInvalidShape)
}

func TestRepeatBatch(t *testing.T) {
	x, err := New([]int{1, 1, 1, 2}, []float64{1, -1})
	require.NoError(t, err)

	r, err := RepeatBatch(x, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 1, 2}, r.Shape())
	assert.Equal(t, []float64{1, -1, 1, -1, 1, -1}, r.Data())

	_, err = RepeatBatch(Zeros(2, 2), 2)
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
	_, err = RepeatBatch(x, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
}

func TestStack(t *testing.T) {
	s, err := Stack([]*Tensor{Full(1, 2), Full(2, 2)})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, s.Shape())
	assert.Equal(t, []float64{1, 1, 2, 2}, s.Data())

	_, err = Stack(nil)
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
	_, err = Stack([]*Tensor{Zeros(2), Zeros(3)})
	assert.ErrorIs(t, err, errors.ErrInvalidShape)
}

func TestRandNIsSeeded(t *testing.T) {
	a := RandN(rand.New(rand.NewPCG(1, 2)), 4, 4)
	b := RandN(rand.New(rand.NewPCG(1, 2)), 4, 4)
	assert.Equal(t, a.Data(), b.Data())
}

func TestIm2Col(t *testing.T) {
	g := ConvGeometry{Channels: 1, Height: 3, Width: 3, Kernel: 2, Stride: 1}
	oh, ow := g.OutSize()
	assert.Equal(t, 2, oh)
	assert.Equal(t, 2, ow)
	require.Equal(t, 4, g.ColRows())
	require.Equal(t, 4, g.ColCols())

	src := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	col := make([]float64, g.ColRows()*g.ColCols())
	Im2Col(src, g, col)
	assert.Equal(t, []float64{
		1, 2, 4, 5,
		2, 3, 5, 6,
		4, 5, 7, 8,
		5, 6, 8, 9,
	}, col)
}

func TestIm2ColPadding(t *testing.T) {
	g := ConvGeometry{Channels: 1, Height: 2, Width: 2, Kernel: 2, Stride: 1, Padding: 1}
	oh, ow := g.OutSize()
	assert.Equal(t, 3, oh)
	assert.Equal(t, 3, ow)

	col := make([]float64, g.ColRows()*g.ColCols())
	for i := range col {
		col[i] = -1
	}
	Im2Col([]float64{1, 2, 3, 4}, g, col)
	// top-left tap of the first output position reads padding
	assert.Equal(t, 0.0, col[0])
	// bottom-right tap of the first output position reads the first pixel
	assert.Equal(t, 1.0, col[3*g.ColCols()])
}

func TestCol2ImIsAdjoint(t *testing.T) {
	g := ConvGeometry{Channels: 2, Height: 8, Width: 8, Kernel: 4, Stride: 2, Padding: 1}
	rng := rand.New(rand.NewPCG(3, 4))

	x := make([]float64, g.Channels*g.Height*g.Width)
	c := make([]float64, g.ColRows()*g.ColCols())
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	for i := range c {
		c[i] = rng.NormFloat64()
	}

	ax := make([]float64, len(c))
	Im2Col(x, g, ax)
	atc := make([]float64, len(x))
	Col2Im(c, g, atc)

	assert.InDelta(t, floats.Dot(ax, c), floats.Dot(x, atc), 1e-9)
}

func TestMatrixSharesData(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	m := Matrix(2, 3, data)
	assert.Equal(t, 6.0, m.At(1, 2))
	m.Set(0, 0, 7)
	assert.Equal(t, 7.0, data[0])
}
