// Package tensor provides the dense float64 containers the model is built
// on. Tensors are row-major; image batches use the [batch, channels,
// height, width] layout and latent vectors use [batch, n_latent].
package tensor

import (
	"fmt"
	"math/rand/v2"

	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// Tensor is a dense row-major float64 tensor
type Tensor struct {
	shape []int
	data  []float64
}

// New creates a tensor over data. The slice is used as the backing store,
// not copied.
func New(shape []int, data []float64) (*Tensor, error) {
	size, err := volume(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("shape %v needs %d values, got %d", shape, size, len(data)))
	}
	return &Tensor{shape: copyInts(shape), data: data}, nil
}

// Zeros creates a zero-filled tensor
func Zeros(shape ...int) *Tensor {
	size, err := volume(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{shape: copyInts(shape), data: make([]float64, size)}
}

// Full creates a tensor filled with value
func Full(value float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// RandN creates a tensor of independent standard normal draws
func RandN(rng *rand.Rand, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.data {
		t.data[i] = rng.NormFloat64()
	}
	return t
}

// ZerosLike creates a zero tensor with the shape of t
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.shape...)
}

// Shape returns a copy of the tensor shape
func (t *Tensor) Shape() []int {
	return copyInts(t.shape)
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.shape[i]
}

// Rank returns the number of dimensions
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the backing slice
func (t *Tensor) Data() []float64 {
	return t.data
}

// SampleSize returns the number of elements per entry of the first dimension
func (t *Tensor) SampleSize() int {
	if len(t.shape) == 0 || t.shape[0] == 0 {
		return 0
	}
	return len(t.data) / t.shape[0]
}

// Sample returns the backing slice of batch entry i
func (t *Tensor) Sample(i int) []float64 {
	n := t.SampleSize()
	return t.data[i*n : (i+1)*n]
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: copyInts(t.shape), data: data}
}

// Reshape returns a tensor sharing the backing data with a new shape
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return New(shape, t.data)
}

// MustReshape is Reshape for shapes known to be valid
func (t *Tensor) MustReshape(shape ...int) *Tensor {
	r, err := t.Reshape(shape...)
	if err != nil {
		panic(err)
	}
	return r
}

// At returns the element at the given index
func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

// Set sets the element at the given index
func (t *Tensor) Set(value float64, idx ...int) {
	t.data[t.offset(idx)] = value
}

// AddInPlace adds o element-wise into t
func (t *Tensor) AddInPlace(o *Tensor) error {
	if !SameShape(t, o) {
		return shapeMismatch(t, o)
	}
	for i, v := range o.data {
		t.data[i] += v
	}
	return nil
}

// Sub returns t - o
func (t *Tensor) Sub(o *Tensor) (*Tensor, error) {
	if !SameShape(t, o) {
		return nil, shapeMismatch(t, o)
	}
	out := ZerosLike(t)
	for i := range t.data {
		out.data[i] = t.data[i] - o.data[i]
	}
	return out, nil
}

// SumSquaresPerSample returns, for every batch entry, the sum of squared
// elements of that entry.
func (t *Tensor) SumSquaresPerSample() []float64 {
	n := t.shape[0]
	out := make([]float64, n)
	for b := 0; b < n; b++ {
		s := 0.0
		for _, v := range t.Sample(b) {
			s += v * v
		}
		out[b] = s
	}
	return out
}

// RepeatBatch stacks n copies of a single-entry tensor along the first
// dimension.
func RepeatBatch(t *Tensor, n int) (*Tensor, error) {
	if t.Rank() == 0 || t.shape[0] != 1 {
		return nil, errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("RepeatBatch needs a batch of one, got shape %v", t.shape))
	}
	if n < 1 {
		return nil, errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("RepeatBatch needs n >= 1, got %d", n))
	}
	shape := copyInts(t.shape)
	shape[0] = n
	out := Zeros(shape...)
	for i := 0; i < n; i++ {
		copy(out.Sample(i), t.data)
	}
	return out, nil
}

// Stack joins equally shaped samples into a batch along a new first dimension
func Stack(samples []*Tensor) (*Tensor, error) {
	if len(samples) == 0 {
		return nil, errors.NewDataError(errors.CodeInvalidShape, "cannot stack zero tensors")
	}
	inner := samples[0].shape
	shape := append([]int{len(samples)}, inner...)
	out := Zeros(shape...)
	size := samples[0].Len()
	for i, s := range samples {
		if !equalInts(s.shape, inner) {
			return nil, shapeMismatch(samples[0], s)
		}
		copy(out.data[i*size:(i+1)*size], s.data)
	}
	return out, nil
}

// SameShape reports whether a and b have identical shapes
func SameShape(a, b *Tensor) bool {
	return equalInts(a.shape, b.shape)
}

// String implements fmt.Stringer
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: index %v for shape %v", idx, t.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + v
	}
	return off
}

func volume(shape []int) (int, error) {
	size := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errors.NewDataError(errors.CodeInvalidShape, fmt.Sprintf("negative dimension in shape %v", shape))
		}
		size *= d
	}
	return size, nil
}

func shapeMismatch(a, b *Tensor) error {
	return errors.NewDataError(errors.CodeInvalidShape,
		fmt.Sprintf("shape mismatch: %v vs %v", a.shape, b.shape))
}

func copyInts(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
