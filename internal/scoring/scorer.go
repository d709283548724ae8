// Package scoring turns a trained VAE into per-image anomaly scores: the
// plain ELBO terms, importance-weighted (IWAE) estimates and, when a
// calibration is available, the gamma negative log-density of the
// reconstruction error.
package scoring

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/dataset"
	"github.com/inferloop/vaeanomaly/internal/observability/metrics"
	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/internal/vae"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// Calibration maps a reconstruction error to a calibrated score
type Calibration interface {
	NegLogDensity(x float64) float64
}

// Source yields labelled image batches until io.EOF
type Source interface {
	Next(ctx context.Context) (*dataset.Batch, error)
}

// Scorer computes anomaly scores with a trained model. The model is put in
// evaluation mode and must not be trained while a Scorer uses it.
type Scorer struct {
	model       *vae.Model
	loss        vae.ELBOLoss
	calibration Calibration
	metrics     *metrics.PrometheusMetrics
	logger      *logrus.Logger
}

// NewScorer creates a scorer for model with the given KL weight
func NewScorer(model *vae.Model, klWeight float64, logger *logrus.Logger) *Scorer {
	if logger == nil {
		logger = logrus.New()
	}
	model.Eval()
	return &Scorer{
		model:  model,
		loss:   vae.ELBOLoss{KLWeight: klWeight},
		logger: logger,
	}
}

// WithCalibration adds the gamma variant to every scored image
func (s *Scorer) WithCalibration(c Calibration) *Scorer {
	s.calibration = c
	return s
}

// WithMetrics records scoring counts and latency
func (s *Scorer) WithMetrics(m *metrics.PrometheusMetrics) *Scorer {
	s.metrics = m
	return s
}

// ScoreImage scores a single image [1, C, H, W] with samples Monte Carlo
// samples. The returned scores are reconst, KL, vae, iwae_reconst, iwae_KL
// and iwae, plus gamma when a calibration is set.
func (s *Scorer) ScoreImage(ctx context.Context, image *tensor.Tensor, samples int) (*Scores, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if samples < 1 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidSampleCount,
			fmt.Sprintf("number of samples must be at least 1, got %d", samples))
	}
	if image.Rank() != 4 || image.Dim(0) != 1 {
		return nil, errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("expected a single image [1, C, H, W], got %v", image.Shape()))
	}

	batch, err := tensor.RepeatBatch(image, samples)
	if err != nil {
		return nil, err
	}

	res, err := s.model.Forward(batch)
	if err != nil {
		return nil, err
	}
	elbo, err := s.loss.Forward(res.Reconstruction, batch, res.Mu, res.Logvar)
	if err != nil {
		return nil, err
	}

	iw, err := s.importanceWeighted(image, batch, samples)
	if err != nil {
		return nil, err
	}

	scores := NewScores()
	scores.Set(constants.ScoreReconst, elbo.Reconstruction)
	scores.Set(constants.ScoreKL, elbo.KL)
	scores.Set(constants.ScoreVAE, elbo.Loss)
	scores.Set(constants.ScoreIWAEReconst, iw.reconst)
	scores.Set(constants.ScoreIWAEKL, iw.kl)
	scores.Set(constants.ScoreIWAE, iw.bound)
	if s.calibration != nil {
		scores.Set(constants.ScoreGamma, s.calibration.NegLogDensity(elbo.Reconstruction))
	}
	return scores, nil
}

type iwaeScores struct {
	reconst float64
	kl      float64
	bound   float64
}

// importanceWeighted encodes the image once and decodes samples fresh
// latent draws from q(z|x). Constants of the Gaussian log-densities cancel
// in log p(z) - log q(z|x) and are omitted throughout.
func (s *Scorer) importanceWeighted(image, batch *tensor.Tensor, samples int) (*iwaeScores, error) {
	mu, logvar, err := s.model.Encode(image)
	if err != nil {
		return nil, err
	}
	muRep, err := tensor.RepeatBatch(mu, samples)
	if err != nil {
		return nil, err
	}
	logvarRep, err := tensor.RepeatBatch(logvar, samples)
	if err != nil {
		return nil, err
	}

	z, eps, err := s.model.Reparameterize(muRep, logvarRep)
	if err != nil {
		return nil, err
	}
	recon, err := s.model.Decode(z)
	if err != nil {
		return nil, err
	}
	diff, err := recon.Sub(batch)
	if err != nil {
		return nil, err
	}

	sqErr := diff.SumSquaresPerSample()
	sqZ := z.SumSquaresPerSample()
	sqEps := eps.SumSquaresPerSample()

	klWeight := s.loss.KLWeight
	logpxz := make([]float64, samples)
	logRatio := make([]float64, samples)
	weights := make([]float64, samples)
	for i := 0; i < samples; i++ {
		logpxz[i] = -0.5 * sqErr[i]
		logRatio[i] = -0.5*sqZ[i] + 0.5*sqEps[i]
		weights[i] = logpxz[i] + klWeight*logRatio[i]
	}

	out := &iwaeScores{
		reconst: -LogMeanExp(logpxz),
		kl:      -LogMeanExp(logRatio),
		bound:   -LogMeanExp(weights),
	}
	if !isFinite(out.reconst) || !isFinite(out.kl) || !isFinite(out.bound) {
		return nil, errors.NewNumericError(
			fmt.Sprintf("non-finite IWAE estimate (reconst %g, KL %g, iwae %g)", out.reconst, out.kl, out.bound))
	}
	return out, nil
}

// ScoreSource scores every image of source into record, each under its own
// label. Per-image failures are collected by class and returned as a
// *errors.ClassErrors after the source is drained; cancellation and
// configuration errors abort immediately.
func (s *Scorer) ScoreSource(ctx context.Context, source Source, samples int, record *Record) (int, error) {
	failures := errors.NewClassErrors()
	scored := 0

	for {
		batch, err := source.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return scored, err
		}

		for i := 0; i < batch.Len(); i++ {
			image, label := batch.Image(i), batch.Labels[i]

			start := time.Now()
			scores, err := s.ScoreImage(ctx, image, samples)
			if err != nil {
				if ctx.Err() != nil || stderrors.Is(err, errors.ErrConfiguration) {
					return scored, err
				}
				s.logger.WithFields(logrus.Fields{
					"class": label,
					"error": err,
				}).Warn("Failed to score image")
				s.metrics.RecordError("scoring", errorType(err))
				failures.Add(label, err)
				continue
			}

			record.Add(label, scores)
			s.metrics.RecordImageScored(label, time.Since(start))
			scored++
		}

		s.logger.WithFields(logrus.Fields{
			"scored": scored,
		}).Debug("Scored batch")
	}

	s.logger.WithFields(logrus.Fields{
		"scored":  scored,
		"classes": len(record.Classes()),
		"failed":  failures.Len(),
	}).Info("Scoring completed")

	return scored, failures.ErrOrNil()
}

func errorType(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return string(appErr.Type)
	}
	return "unknown"
}
