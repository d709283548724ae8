package nn

import (
	"math"

	"github.com/inferloop/vaeanomaly/internal/tensor"
)

// BatchNorm2d normalizes every channel over the batch and spatial
// dimensions. In training mode it uses batch statistics and updates the
// running estimates; in evaluation mode it uses the running estimates and
// mutates nothing.
type BatchNorm2d struct {
	Channels int
	Momentum float64
	Epsilon  float64

	Gamma       *Parameter
	Beta        *Parameter
	RunningMean *Parameter
	RunningVar  *Parameter

	training  bool
	usedBatch bool
	xhat      *tensor.Tensor
	invStd    []float64
	outShape  []int
}

// NewBatchNorm2d creates a batch normalization layer with scale 1 and shift 0
func NewBatchNorm2d(name string, channels int, momentum, epsilon float64) *BatchNorm2d {
	bn := &BatchNorm2d{
		Channels:    channels,
		Momentum:    momentum,
		Epsilon:     epsilon,
		Gamma:       NewParameter(name+".weight", channels),
		Beta:        NewParameter(name+".bias", channels),
		RunningMean: newBuffer(name+".running_mean", channels),
		RunningVar:  newBuffer(name+".running_var", channels),
		training:    true,
	}
	bn.Gamma.Fill(1)
	bn.RunningVar.Fill(1)
	return bn
}

// SetTraining implements ModeSetter
func (bn *BatchNorm2d) SetTraining(training bool) {
	bn.training = training
}

// Forward implements Layer
func (bn *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkInput("batchnorm2d", x, bn.Channels); err != nil {
		return nil, err
	}

	n, c := x.Dim(0), bn.Channels
	spatial := x.Dim(2) * x.Dim(3)
	count := float64(n * spatial)

	mean := make([]float64, c)
	variance := make([]float64, c)
	if bn.training {
		for b := 0; b < n; b++ {
			sample := x.Sample(b)
			for ch := 0; ch < c; ch++ {
				for _, v := range sample[ch*spatial : (ch+1)*spatial] {
					mean[ch] += v
				}
			}
		}
		for ch := range mean {
			mean[ch] /= count
		}
		for b := 0; b < n; b++ {
			sample := x.Sample(b)
			for ch := 0; ch < c; ch++ {
				for _, v := range sample[ch*spatial : (ch+1)*spatial] {
					d := v - mean[ch]
					variance[ch] += d * d
				}
			}
		}
		for ch := range variance {
			variance[ch] /= count
		}

		unbias := 1.0
		if count > 1 {
			unbias = count / (count - 1)
		}
		for ch := 0; ch < c; ch++ {
			bn.RunningMean.Value[ch] = (1-bn.Momentum)*bn.RunningMean.Value[ch] + bn.Momentum*mean[ch]
			bn.RunningVar.Value[ch] = (1-bn.Momentum)*bn.RunningVar.Value[ch] + bn.Momentum*variance[ch]*unbias
		}
	} else {
		copy(mean, bn.RunningMean.Value)
		copy(variance, bn.RunningVar.Value)
	}

	invStd := make([]float64, c)
	for ch := range invStd {
		invStd[ch] = 1 / math.Sqrt(variance[ch]+bn.Epsilon)
	}

	xhat := tensor.ZerosLike(x)
	out := tensor.ZerosLike(x)
	for b := 0; b < n; b++ {
		src, nrm, dst := x.Sample(b), xhat.Sample(b), out.Sample(b)
		for ch := 0; ch < c; ch++ {
			gamma, beta := bn.Gamma.Value[ch], bn.Beta.Value[ch]
			for i := ch * spatial; i < (ch+1)*spatial; i++ {
				nrm[i] = (src[i] - mean[ch]) * invStd[ch]
				dst[i] = gamma*nrm[i] + beta
			}
		}
	}

	bn.xhat = xhat
	bn.invStd = invStd
	bn.usedBatch = bn.training
	bn.outShape = out.Shape()
	return out, nil
}

// Backward implements Layer
func (bn *BatchNorm2d) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkGrad("batchnorm2d", grad, bn.outShape); err != nil {
		return nil, err
	}

	n, c := grad.Dim(0), bn.Channels
	spatial := grad.Dim(2) * grad.Dim(3)
	count := float64(n * spatial)

	sumDy := make([]float64, c)
	sumDyXhat := make([]float64, c)
	for b := 0; b < n; b++ {
		dy, nrm := grad.Sample(b), bn.xhat.Sample(b)
		for ch := 0; ch < c; ch++ {
			for i := ch * spatial; i < (ch+1)*spatial; i++ {
				sumDy[ch] += dy[i]
				sumDyXhat[ch] += dy[i] * nrm[i]
			}
		}
	}
	for ch := 0; ch < c; ch++ {
		bn.Gamma.Grad[ch] += sumDyXhat[ch]
		bn.Beta.Grad[ch] += sumDy[ch]
	}

	dx := tensor.ZerosLike(grad)
	for b := 0; b < n; b++ {
		dy, nrm, dst := grad.Sample(b), bn.xhat.Sample(b), dx.Sample(b)
		for ch := 0; ch < c; ch++ {
			scale := bn.Gamma.Value[ch] * bn.invStd[ch]
			for i := ch * spatial; i < (ch+1)*spatial; i++ {
				if bn.usedBatch {
					dst[i] = scale * (dy[i] - sumDy[ch]/count - nrm[i]*sumDyXhat[ch]/count)
				} else {
					dst[i] = scale * dy[i]
				}
			}
		}
	}

	return dx, nil
}

// Parameters implements Layer
func (bn *BatchNorm2d) Parameters() []*Parameter {
	return []*Parameter{bn.Gamma, bn.Beta}
}

// Buffers implements BufferHolder
func (bn *BatchNorm2d) Buffers() []*Parameter {
	return []*Parameter{bn.RunningMean, bn.RunningVar}
}
