package training

import (
	"fmt"
	"math"

	"github.com/inferloop/vaeanomaly/internal/nn"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// AdamOptimizer implements the Adam optimization algorithm over a fixed
// list of parameters.
type AdamOptimizer struct {
	params       []*nn.Parameter
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int         // time step
	m            [][]float64 // first moment estimate
	v            [][]float64 // second moment estimate
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(params []*nn.Parameter, learningRate float64) *AdamOptimizer {
	opt := &AdamOptimizer{
		params:       params,
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
	opt.Reset()
	return opt
}

// Step applies one update from the accumulated gradients
func (opt *AdamOptimizer) Step() {
	opt.t++

	beta1Correction := 1 - math.Pow(opt.beta1, float64(opt.t))
	beta2Correction := 1 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range opt.params {
		m, v := opt.m[i], opt.v[i]
		for j, g := range p.Grad {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*g
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*g*g

			mhat := m[j] / beta1Correction
			vhat := v[j] / beta2Correction
			p.Value[j] -= opt.learningRate * mhat / (math.Sqrt(vhat) + opt.epsilon)
		}
	}
}

// GetLearningRate returns the current learning rate
func (opt *AdamOptimizer) GetLearningRate() float64 {
	return opt.learningRate
}

// SetLearningRate sets the learning rate
func (opt *AdamOptimizer) SetLearningRate(lr float64) {
	opt.learningRate = lr
}

// GetTimeStep returns the current time step
func (opt *AdamOptimizer) GetTimeStep() int {
	return opt.t
}

// Reset clears the moment estimates and the step counter
func (opt *AdamOptimizer) Reset() {
	opt.t = 0
	opt.m = make([][]float64, len(opt.params))
	opt.v = make([][]float64, len(opt.params))
	for i, p := range opt.params {
		opt.m[i] = make([]float64, p.Len())
		opt.v[i] = make([]float64, p.Len())
	}
}

// State snapshots the optimizer for a checkpoint
func (opt *AdamOptimizer) State() models.OptimizerState {
	state := models.OptimizerState{
		Name:         "adam",
		Step:         opt.t,
		LearningRate: opt.learningRate,
		FirstMoment:  make([]models.NamedTensor, len(opt.params)),
		SecondMoment: make([]models.NamedTensor, len(opt.params)),
	}
	for i, p := range opt.params {
		state.FirstMoment[i] = moment(p, opt.m[i])
		state.SecondMoment[i] = moment(p, opt.v[i])
	}
	return state
}

func moment(p *nn.Parameter, values []float64) models.NamedTensor {
	data := make([]float64, len(values))
	copy(data, values)
	shape := make([]int, len(p.Shape))
	copy(shape, p.Shape)
	return models.NamedTensor{Name: p.Name, Shape: shape, Data: data}
}

// LoadState restores a snapshot taken from an optimizer over parameters
// with the same names and sizes.
func (opt *AdamOptimizer) LoadState(state models.OptimizerState) error {
	if state.Name != "adam" {
		return errors.NewTrainingError(errors.CodeStateMismatch,
			fmt.Sprintf("expected adam optimizer state, got %q", state.Name))
	}
	if len(state.FirstMoment) != len(opt.params) || len(state.SecondMoment) != len(opt.params) {
		return errors.NewTrainingError(errors.CodeStateMismatch,
			fmt.Sprintf("optimizer state holds %d/%d moments for %d parameters",
				len(state.FirstMoment), len(state.SecondMoment), len(opt.params)))
	}

	for i, p := range opt.params {
		for _, nt := range []models.NamedTensor{state.FirstMoment[i], state.SecondMoment[i]} {
			if nt.Name != p.Name || len(nt.Data) != p.Len() {
				return errors.NewTrainingError(errors.CodeStateMismatch,
					fmt.Sprintf("optimizer moment %q does not match parameter %q", nt.Name, p.Name))
			}
		}
	}

	for i := range opt.params {
		copy(opt.m[i], state.FirstMoment[i].Data)
		copy(opt.v[i], state.SecondMoment[i].Data)
	}
	opt.t = state.Step
	opt.learningRate = state.LearningRate
	return nil
}
