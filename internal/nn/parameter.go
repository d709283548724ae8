// Package nn implements the layers of the convolutional VAE with explicit
// forward and backward passes. Layers cache what their backward pass needs
// during Forward, so a Backward call always refers to the most recent
// Forward on the same layer.
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// Parameter is a learnable tensor with its accumulated gradient. Buffers
// (running statistics) use the same type with a nil Grad.
type Parameter struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

// NewParameter allocates a zero-valued parameter with a gradient slot
func NewParameter(name string, shape ...int) *Parameter {
	p := newBuffer(name, shape...)
	p.Grad = make([]float64, len(p.Value))
	return p
}

func newBuffer(name string, shape ...int) *Parameter {
	size := 1
	for _, d := range shape {
		size *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Parameter{Name: name, Shape: s, Value: make([]float64, size)}
}

// Len returns the number of scalars in the parameter
func (p *Parameter) Len() int {
	return len(p.Value)
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Fill sets every value to v
func (p *Parameter) Fill(v float64) {
	for i := range p.Value {
		p.Value[i] = v
	}
}

// Snapshot copies the parameter into a serializable form
func (p *Parameter) Snapshot() models.NamedTensor {
	data := make([]float64, len(p.Value))
	copy(data, p.Value)
	shape := make([]int, len(p.Shape))
	copy(shape, p.Shape)
	return models.NamedTensor{Name: p.Name, Shape: shape, Data: data}
}

// Restore loads values from a snapshot with the same name and size
func (p *Parameter) Restore(nt models.NamedTensor) error {
	if nt.Name != p.Name {
		return errors.NewTrainingError(errors.CodeStateMismatch,
			fmt.Sprintf("expected tensor %q, got %q", p.Name, nt.Name))
	}
	if len(nt.Data) != len(p.Value) {
		return errors.NewTrainingError(errors.CodeStateMismatch,
			fmt.Sprintf("tensor %q: expected %d values, got %d", p.Name, len(p.Value), len(nt.Data)))
	}
	copy(p.Value, nt.Data)
	return nil
}

// KaimingNormal initializes p from N(0, 2/fanOut), the fan-out variant of
// He initialization for rectifier networks.
func KaimingNormal(p *Parameter, fanOut int, rng *rand.Rand) {
	std := math.Sqrt(2.0 / float64(fanOut))
	for i := range p.Value {
		p.Value[i] = rng.NormFloat64() * std
	}
}
