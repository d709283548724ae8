package vae

import (
	"fmt"
	"math"

	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// ELBOLoss is the negative evidence lower bound with a Gaussian decoder of
// unit variance: 0.5 * ||recon - x||^2 + KLWeight * KL(q(z|x) || N(0, I)).
type ELBOLoss struct {
	KLWeight float64
}

// LossResult holds the batch-averaged loss terms and their per-sample values
type LossResult struct {
	Loss           float64
	Reconstruction float64
	KL             float64
	LogP           float64

	ReconstructionPerSample []float64
	KLPerSample             []float64
}

// LossGrads are the gradients of the batch loss with respect to the
// reconstruction and the latent distribution parameters.
type LossGrads struct {
	Reconstruction *tensor.Tensor
	Mu             *tensor.Tensor
	Logvar         *tensor.Tensor
}

func checkLossInputs(recon, original, mu, logvar *tensor.Tensor) error {
	if !tensor.SameShape(recon, original) {
		return errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("reconstruction %v and original %v differ in shape", recon.Shape(), original.Shape()))
	}
	if !tensor.SameShape(mu, logvar) || mu.Rank() != 2 {
		return errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("mu %v and logvar %v must share a [N, n_latent] shape", mu.Shape(), logvar.Shape()))
	}
	if recon.Rank() == 0 || recon.Dim(0) != mu.Dim(0) || recon.Dim(0) == 0 {
		return errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("batch sizes differ: reconstruction %v, latent %v", recon.Shape(), mu.Shape()))
	}
	return nil
}

// Forward evaluates the loss. Non-finite results are returned as numeric
// instability errors.
func (l ELBOLoss) Forward(recon, original, mu, logvar *tensor.Tensor) (*LossResult, error) {
	if err := checkLossInputs(recon, original, mu, logvar); err != nil {
		return nil, err
	}

	diff, err := recon.Sub(original)
	if err != nil {
		return nil, err
	}
	n := recon.Dim(0)
	res := &LossResult{
		ReconstructionPerSample: diff.SumSquaresPerSample(),
		KLPerSample:             make([]float64, n),
	}

	for b := 0; b < n; b++ {
		res.ReconstructionPerSample[b] *= 0.5

		m, lv := mu.Sample(b), logvar.Sample(b)
		var expTerm, logTerm, muTerm float64
		for i := range m {
			expTerm += math.Exp(lv[i])
			logTerm += lv[i]
			muTerm += m[i] * m[i]
		}
		res.KLPerSample[b] = 0.5 * (expTerm - logTerm + muTerm - float64(len(m)))

		res.Reconstruction += res.ReconstructionPerSample[b]
		res.KL += res.KLPerSample[b]
	}
	res.Reconstruction /= float64(n)
	res.KL /= float64(n)
	res.Loss = res.Reconstruction + l.KLWeight*res.KL
	res.LogP = -res.Reconstruction

	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		return nil, errors.NewNumericError(
			fmt.Sprintf("non-finite loss (reconstruction %g, KL %g)", res.Reconstruction, res.KL))
	}
	return res, nil
}

// Backward returns the gradients of the batch-averaged loss
func (l ELBOLoss) Backward(recon, original, mu, logvar *tensor.Tensor) (*LossGrads, error) {
	if err := checkLossInputs(recon, original, mu, logvar); err != nil {
		return nil, err
	}

	inv := 1 / float64(recon.Dim(0))
	dRecon, err := recon.Sub(original)
	if err != nil {
		return nil, err
	}
	for i := range dRecon.Data() {
		dRecon.Data()[i] *= inv
	}

	dMu := tensor.ZerosLike(mu)
	dLogvar := tensor.ZerosLike(logvar)
	for i, m := range mu.Data() {
		dMu.Data()[i] = l.KLWeight * m * inv
		dLogvar.Data()[i] = l.KLWeight * 0.5 * (math.Exp(logvar.Data()[i]) - 1) * inv
	}

	return &LossGrads{Reconstruction: dRecon, Mu: dMu, Logvar: dLogvar}, nil
}
