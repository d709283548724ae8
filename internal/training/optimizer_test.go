package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/internal/nn"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

func TestAdamFirstStep(t *testing.T) {
	p := nn.NewParameter("w", 3)
	copy(p.Value, []float64{1, 2, 3})
	copy(p.Grad, []float64{0.5, -2, 0})

	opt := NewAdamOptimizer([]*nn.Parameter{p}, 0.1)
	opt.Step()

	// bias correction makes the first update lr * g / (|g| + eps)
	assert.InDelta(t, 0.9, p.Value[0], 1e-6)
	assert.InDelta(t, 2.1, p.Value[1], 1e-6)
	assert.Equal(t, 3.0, p.Value[2])
	assert.Equal(t, 1, opt.GetTimeStep())
}

func TestAdamMinimisesQuadratic(t *testing.T) {
	p := nn.NewParameter("x", 2)
	copy(p.Value, []float64{3, -4})
	opt := NewAdamOptimizer([]*nn.Parameter{p}, 0.1)

	for i := 0; i < 500; i++ {
		for j, v := range p.Value {
			p.Grad[j] = 2 * v
		}
		opt.Step()
	}
	assert.Less(t, math.Abs(p.Value[0]), 0.05)
	assert.Less(t, math.Abs(p.Value[1]), 0.05)
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := nn.NewParameter("w", 2)
	p.Grad[0], p.Grad[1] = 1, -1
	opt := NewAdamOptimizer([]*nn.Parameter{p}, 0.01)
	opt.Step()
	opt.Step()

	state := opt.State()
	assert.Equal(t, 2, state.Step)
	assert.Equal(t, "w", state.FirstMoment[0].Name)

	q := nn.NewParameter("w", 2)
	restored := NewAdamOptimizer([]*nn.Parameter{q}, 1)
	require.NoError(t, restored.LoadState(state))
	assert.Equal(t, 2, restored.GetTimeStep())
	assert.Equal(t, 0.01, restored.GetLearningRate())
	assert.Equal(t, opt.m, restored.m)
	assert.Equal(t, opt.v, restored.v)

	state.Step = 99
	state.FirstMoment[0].Data[0] = 42
	assert.NotEqual(t, 42.0, restored.m[0][0])
}

func TestAdamLoadStateMismatch(t *testing.T) {
	opt := NewAdamOptimizer([]*nn.Parameter{nn.NewParameter("w", 2)}, 0.01)
	state := opt.State()

	other := NewAdamOptimizer([]*nn.Parameter{nn.NewParameter("b", 2)}, 0.01)
	err := other.LoadState(state)
	assert.ErrorIs(t, err, errors.NewTrainingError(errors.CodeStateMismatch, ""))

	state.Name = "sgd"
	assert.Error(t, opt.LoadState(state))
}

func TestMultiStepLRScheduler(t *testing.T) {
	s := NewMultiStepLRScheduler([]int{20, 10, 20}, 0.1)
	assert.Equal(t, []int{10, 20}, s.Milestones)

	assert.InDelta(t, 1e-3, s.GetLR(0, 1e-3), 1e-15)
	assert.InDelta(t, 1e-3, s.GetLR(9, 1e-3), 1e-15)
	assert.InDelta(t, 1e-4, s.GetLR(10, 1e-3), 1e-15)
	assert.InDelta(t, 1e-5, s.GetLR(25, 1e-3), 1e-15)
	assert.Contains(t, s.GetName(), "MultiStepLR")
}
