// Package calibration fits a three-parameter gamma distribution to the
// reconstruction errors of normal reference images, so raw errors can be
// reported as negative log-densities under that fit.
package calibration

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

const minFitSamples = 3

// GammaFit is a fitted gamma(shape, loc, scale) distribution. The density
// is zero at and below Loc. A fit is never modified after FitGamma returns.
type GammaFit struct {
	Shape            float64 `json:"shape"`
	Loc              float64 `json:"loc"`
	Scale            float64 `json:"scale"`
	Samples          int     `json:"samples"`
	NegLogLikelihood float64 `json:"neg_log_likelihood"`
}

// FitGamma estimates shape, location and scale by maximum likelihood.
// The search starts from method-of-moments estimates and runs Nelder-Mead
// over (log(shape-1), log(min(x)-loc), log(scale)), which keeps the
// location strictly below the smallest sample and the shape above 1, where
// the likelihood is bounded.
func FitGamma(samples []float64) (*GammaFit, error) {
	if len(samples) < minFitSamples {
		return nil, errors.NewCalibrationError(errors.CodeInsufficientData,
			fmt.Sprintf("gamma fit needs at least %d samples, got %d", minFitSamples, len(samples)))
	}
	for _, x := range samples {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errors.NewNumericError("gamma fit samples must be finite")
		}
	}

	mean, std := stat.MeanStdDev(samples, nil)
	if std == 0 {
		return nil, errors.NewCalibrationError(errors.CodeInsufficientData,
			"gamma fit needs samples with non-zero spread")
	}
	minX := floats.Min(samples)

	shape, loc, scale := momentEstimates(samples, mean, std, minX)

	nll := func(p []float64) float64 {
		a := 1 + math.Exp(p[0])
		l := minX - math.Exp(p[1])
		b := math.Exp(p[2])
		v := negLogLikelihood(samples, a, l, b)
		if math.IsNaN(v) {
			return math.Inf(1)
		}
		return v
	}

	init := []float64{math.Log(shape - 1), math.Log(minX - loc), math.Log(scale)}
	problem := optimize.Problem{Func: nll}
	settings := &optimize.Settings{
		MajorIterations: 20000,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-12,
			Iterations: 200,
		},
	}

	result, err := optimize.Minimize(problem, init, settings, &optimize.NelderMead{})
	if result == nil {
		return nil, errors.WrapError(err, errors.ErrorTypeCalibration, errors.CodeFitFailed, "gamma fit did not run")
	}
	if math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		return nil, errors.NewCalibrationError(errors.CodeFitFailed,
			fmt.Sprintf("gamma fit diverged (status %v)", result.Status))
	}

	return &GammaFit{
		Shape:            1 + math.Exp(result.X[0]),
		Loc:              minX - math.Exp(result.X[1]),
		Scale:            math.Exp(result.X[2]),
		Samples:          len(samples),
		NegLogLikelihood: result.F,
	}, nil
}

// momentEstimates derives a starting point from the sample skewness:
// shape = 4/skew^2, scale = std/sqrt(shape), loc = mean - shape*scale.
func momentEstimates(samples []float64, mean, std, minX float64) (shape, loc, scale float64) {
	skew := stat.Skew(samples, nil)
	shape = 1e4
	if skew > 0.02 {
		shape = 4 / (skew * skew)
	}
	shape = math.Min(math.Max(shape, 1.5), 1e4)
	scale = std / math.Sqrt(shape)
	loc = mean - shape*scale
	if loc >= minX {
		loc = minX - 0.1*std
	}
	return shape, loc, scale
}

// negLogLikelihood of the samples under gamma(shape, loc, scale)
func negLogLikelihood(samples []float64, shape, loc, scale float64) float64 {
	n := float64(len(samples))
	lg, _ := math.Lgamma(shape)
	var sumLog, sumLin float64
	for _, x := range samples {
		d := x - loc
		if d <= 0 {
			return math.Inf(1)
		}
		sumLog += math.Log(d)
		sumLin += d
	}
	return n*lg + n*shape*math.Log(scale) - (shape-1)*sumLog + sumLin/scale
}

// NegLogDensity returns -log pdf(x). Where the density is zero (x at or
// below Loc) or underflows, the fixed sentinel score is returned instead
// of +Inf.
func (g *GammaFit) NegLogDensity(x float64) float64 {
	d := x - g.Loc
	if d <= 0 || math.IsNaN(d) {
		return constants.GammaSentinelScore
	}
	dist := distuv.Gamma{Alpha: g.Shape, Beta: 1 / g.Scale}
	v := -dist.LogProb(d)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return constants.GammaSentinelScore
	}
	return v
}

// Mean returns the mean of the fitted distribution
func (g *GammaFit) Mean() float64 {
	return g.Loc + g.Shape*g.Scale
}

// Save writes the fit as JSON
func (g *GammaFit) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to encode gamma fit")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to write gamma fit to %s", path))
	}
	return nil
}

// LoadGammaFit reads a fit written by Save
func LoadGammaFit(path string) (*GammaFit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewCalibrationError(errors.CodeNotCalibrated,
				fmt.Sprintf("no gamma fit at %s", path))
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
			fmt.Sprintf("failed to read gamma fit from %s", path))
	}

	var g GammaFit
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to decode gamma fit")
	}
	if g.Shape <= 0 || g.Scale <= 0 {
		return nil, errors.NewCalibrationError(errors.CodeFitFailed,
			fmt.Sprintf("invalid gamma fit (shape %g, scale %g)", g.Shape, g.Scale))
	}
	return &g, nil
}
