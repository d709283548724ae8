// Package training fits the VAE with Adam, decays the learning rate at
// fixed epochs and checkpoints whenever the validation loss improves.
package training

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/dataset"
	"github.com/inferloop/vaeanomaly/internal/observability/metrics"
	"github.com/inferloop/vaeanomaly/internal/vae"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/interfaces"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// Config contains the training hyperparameters
type Config struct {
	Epochs       int     `json:"epochs" mapstructure:"epochs"`
	LearningRate float64 `json:"learning_rate" mapstructure:"learning_rate"`
	DecayEpochs  []int   `json:"decay_epochs" mapstructure:"decay_epochs"`
	DecayGamma   float64 `json:"decay_gamma" mapstructure:"decay_gamma"`
	KLWeight     float64 `json:"kl_weight" mapstructure:"kl_weight"`
	LogInterval  int     `json:"log_interval" mapstructure:"log_interval"`
}

// BatchSource yields the batches of one epoch and rewinds for the next.
// *dataset.Loader implements it.
type BatchSource interface {
	Next(ctx context.Context) (*dataset.Batch, error)
	Reset()
}

// EpochObserver receives every finished epoch. Observer errors are logged
// and never stop training.
type EpochObserver interface {
	ObserveEpoch(ctx context.Context, runID string, result EpochResult) error
}

// Context carries everything a training run touches. Store and Metrics
// may be nil.
type Context struct {
	Model     *vae.Model
	Optimizer *AdamOptimizer
	Loss      vae.ELBOLoss
	Scheduler LRScheduler
	Store     interfaces.CheckpointStore
	Metrics   *metrics.PrometheusMetrics
	Observers []EpochObserver
	Logger    *logrus.Logger
}

// NewContext builds a training context for model from config
func NewContext(model *vae.Model, config *Config, store interfaces.CheckpointStore, pm *metrics.PrometheusMetrics, logger *logrus.Logger) *Context {
	if logger == nil {
		logger = logrus.New()
	}
	return &Context{
		Model:     model,
		Optimizer: NewAdamOptimizer(model.Parameters(), config.LearningRate),
		Loss:      vae.ELBOLoss{KLWeight: config.KLWeight},
		Scheduler: NewMultiStepLRScheduler(config.DecayEpochs, config.DecayGamma),
		Store:     store,
		Metrics:   pm,
		Logger:    logger,
	}
}

// EpochResult summarises one finished epoch
type EpochResult struct {
	Epoch          int           `json:"epoch"`
	TrainLoss      float64       `json:"train_loss"`
	Reconstruction float64       `json:"reconstruction"`
	KL             float64       `json:"kl"`
	ValidationLoss float64       `json:"validation_loss"`
	LearningRate   float64       `json:"learning_rate"`
	Duration       time.Duration `json:"duration"`
	Checkpoint     string        `json:"checkpoint,omitempty"`
}

// FitResult summarises a training run
type FitResult struct {
	RunID              string        `json:"run_id"`
	Epochs             []EpochResult `json:"epochs"`
	BestEpoch          int           `json:"best_epoch"`
	BestValidationLoss float64       `json:"best_validation_loss"`
	BestCheckpoint     string        `json:"best_checkpoint,omitempty"`
}

// Trainer runs the epoch loop. Epochs are numbered from 1; a resumed
// trainer continues after the checkpoint epoch.
type Trainer struct {
	config *Config
	tc     *Context
	logger *logrus.Logger

	runID          string
	epoch          int
	bestLoss       float64
	bestEpoch      int
	bestCheckpoint string
}

// NewTrainer validates the configuration and creates a trainer
func NewTrainer(config *Config, tc *Context) (*Trainer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if tc == nil || tc.Model == nil || tc.Optimizer == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "training context needs a model and an optimizer")
	}
	if config.Epochs < 1 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig,
			fmt.Sprintf("epochs must be at least 1, got %d", config.Epochs))
	}
	if config.LearningRate <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig,
			fmt.Sprintf("learning rate must be positive, got %g", config.LearningRate))
	}
	if tc.Scheduler == nil {
		tc.Scheduler = NewMultiStepLRScheduler(nil, 1)
	}
	if tc.Logger == nil {
		tc.Logger = logrus.New()
	}

	return &Trainer{
		config:   config,
		tc:       tc,
		logger:   tc.Logger,
		runID:    uuid.New().String(),
		bestLoss: math.Inf(1),
	}, nil
}

// RunID identifies the run in logs and checkpoints
func (t *Trainer) RunID() string {
	return t.runID
}

// Epoch returns the last completed epoch
func (t *Trainer) Epoch() int {
	return t.epoch
}

// Resume restores model, optimizer, epoch and best loss from a checkpoint.
// An empty key resumes from the latest checkpoint in the store.
func (t *Trainer) Resume(ctx context.Context, key string) error {
	if t.tc.Store == nil {
		return errors.NewConfigurationError(errors.CodeInvalidConfig, "cannot resume without a checkpoint store")
	}

	var (
		cp  *models.Checkpoint
		err error
	)
	if key == "" {
		cp, err = t.tc.Store.Latest(ctx)
	} else {
		cp, err = t.tc.Store.Load(ctx, key)
	}
	if err != nil {
		return err
	}

	if want := t.architectureInfo(); cp.Architecture != want {
		return errors.NewTrainingError(errors.CodeStateMismatch,
			fmt.Sprintf("checkpoint architecture %+v does not match model %+v", cp.Architecture, want))
	}
	if err := t.tc.Model.LoadStateDict(cp.Model); err != nil {
		return err
	}
	if err := t.tc.Optimizer.LoadState(cp.Optimizer); err != nil {
		return err
	}

	t.epoch = cp.Epoch
	t.bestLoss = cp.ValidationLoss
	t.bestEpoch = cp.Epoch
	t.bestCheckpoint = cp.Key()
	if cp.RunID != "" {
		t.runID = cp.RunID
	}

	t.logger.WithFields(logrus.Fields{
		"run_id":          t.runID,
		"checkpoint":      cp.Key(),
		"epoch":           cp.Epoch,
		"validation_loss": cp.ValidationLoss,
	}).Info("Resumed from checkpoint")

	return nil
}

// Fit trains until the configured epoch count. A nil validation source
// makes the training loss the checkpoint criterion. Cancellation is
// checked between batches; the run can later resume from the last
// checkpoint.
func (t *Trainer) Fit(ctx context.Context, train, validation BatchSource) (*FitResult, error) {
	result := &FitResult{RunID: t.runID}

	t.logger.WithFields(logrus.Fields{
		"run_id":      t.runID,
		"start_epoch": t.epoch + 1,
		"epochs":      t.config.Epochs,
		"parameters":  t.tc.Model.NumParameters(),
		"scheduler":   t.tc.Scheduler.GetName(),
	}).Info("Starting training")

	for epoch := t.epoch + 1; epoch <= t.config.Epochs; epoch++ {
		start := time.Now()
		lr := t.tc.Scheduler.GetLR(epoch-1, t.config.LearningRate)
		t.tc.Optimizer.SetLearningRate(lr)

		stats, err := t.trainEpoch(ctx, epoch, train)
		if err != nil {
			return result, err
		}

		valLoss := stats.loss
		if validation != nil {
			if valLoss, err = t.validate(ctx, validation); err != nil {
				return result, err
			}
		}

		er := EpochResult{
			Epoch:          epoch,
			TrainLoss:      stats.loss,
			Reconstruction: stats.reconstruction,
			KL:             stats.kl,
			ValidationLoss: valLoss,
			LearningRate:   lr,
		}

		if valLoss < t.bestLoss {
			key, err := t.checkpoint(ctx, epoch, valLoss)
			if err != nil {
				return result, err
			}
			t.bestLoss = valLoss
			t.bestEpoch = epoch
			if key != "" {
				t.bestCheckpoint = key
				er.Checkpoint = key
			}
		}

		t.epoch = epoch
		er.Duration = time.Since(start)
		result.Epochs = append(result.Epochs, er)

		t.tc.Metrics.RecordEpoch(epoch, er.TrainLoss, er.ValidationLoss, lr, er.Duration)
		t.logger.WithFields(logrus.Fields{
			"run_id":          t.runID,
			"epoch":           epoch,
			"train_loss":      er.TrainLoss,
			"reconstruction":  er.Reconstruction,
			"kl":              er.KL,
			"validation_loss": er.ValidationLoss,
			"learning_rate":   lr,
			"duration":        er.Duration,
			"checkpoint":      er.Checkpoint,
		}).Info("Epoch completed")

		for _, o := range t.tc.Observers {
			if err := o.ObserveEpoch(ctx, t.runID, er); err != nil {
				t.logger.WithError(err).WithField("epoch", epoch).Warn("Epoch observer failed")
			}
		}
	}

	result.BestEpoch = t.bestEpoch
	result.BestValidationLoss = t.bestLoss
	result.BestCheckpoint = t.bestCheckpoint
	return result, nil
}

type epochStats struct {
	loss           float64
	reconstruction float64
	kl             float64
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, src BatchSource) (epochStats, error) {
	model := t.tc.Model
	model.Train()
	src.Reset()

	var (
		stats   epochStats
		samples int
		batches int
	)
	for {
		if err := ctx.Err(); err != nil {
			return stats, cancelled(err, epoch)
		}

		batch, err := src.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, cancelled(ctx.Err(), epoch)
			}
			return stats, err
		}

		model.ZeroGrad()
		res, err := model.Forward(batch.Images)
		if err != nil {
			return stats, err
		}
		loss, err := t.tc.Loss.Forward(res.Reconstruction, res.Input, res.Mu, res.Logvar)
		if err != nil {
			return stats, err
		}
		grads, err := t.tc.Loss.Backward(res.Reconstruction, res.Input, res.Mu, res.Logvar)
		if err != nil {
			return stats, err
		}
		if err := model.Backward(res, grads); err != nil {
			return stats, err
		}
		t.tc.Optimizer.Step()

		n := float64(batch.Len())
		stats.loss += loss.Loss * n
		stats.reconstruction += loss.Reconstruction * n
		stats.kl += loss.KL * n
		samples += batch.Len()
		batches++

		t.tc.Metrics.RecordBatch("train")
		t.tc.Metrics.SetLossComponents(loss.Reconstruction, loss.KL)
		if t.config.LogInterval > 0 && batches%t.config.LogInterval == 0 {
			t.logger.WithFields(logrus.Fields{
				"epoch": epoch,
				"batch": batches,
				"loss":  loss.Loss,
			}).Debug("Training batch")
		}
	}

	if samples == 0 {
		return stats, errors.NewDataError(errors.CodeEmptyDataset, "training source produced no batches")
	}
	stats.loss /= float64(samples)
	stats.reconstruction /= float64(samples)
	stats.kl /= float64(samples)
	return stats, nil
}

// validate returns the sample-weighted mean loss in eval mode
func (t *Trainer) validate(ctx context.Context, src BatchSource) (float64, error) {
	model := t.tc.Model
	model.Eval()
	defer model.Train()
	src.Reset()

	var total float64
	var samples int
	for {
		if err := ctx.Err(); err != nil {
			return 0, cancelled(err, t.epoch+1)
		}

		batch, err := src.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}

		res, err := model.Forward(batch.Images)
		if err != nil {
			return 0, err
		}
		loss, err := t.tc.Loss.Forward(res.Reconstruction, res.Input, res.Mu, res.Logvar)
		if err != nil {
			return 0, err
		}
		total += loss.Loss * float64(batch.Len())
		samples += batch.Len()
		t.tc.Metrics.RecordBatch("validation")
	}

	if samples == 0 {
		return 0, errors.NewDataError(errors.CodeEmptyDataset, "validation source produced no batches")
	}
	return total / float64(samples), nil
}

func (t *Trainer) checkpoint(ctx context.Context, epoch int, valLoss float64) (string, error) {
	if t.tc.Store == nil {
		return "", nil
	}

	cp := &models.Checkpoint{
		Version:        constants.CheckpointFormatVersion,
		RunID:          t.runID,
		Epoch:          epoch,
		ValidationLoss: valLoss,
		Architecture:   t.architectureInfo(),
		Model:          t.tc.Model.StateDict(),
		Optimizer:      t.tc.Optimizer.State(),
		CreatedAt:      time.Now().UTC(),
	}

	key, err := t.tc.Store.Save(ctx, cp)
	if err != nil {
		t.tc.Metrics.RecordCheckpoint("error")
		return "", err
	}
	t.tc.Metrics.RecordCheckpoint("ok")

	t.logger.WithFields(logrus.Fields{
		"run_id":          t.runID,
		"key":             key,
		"location":        t.tc.Store.Location(),
		"validation_loss": valLoss,
	}).Info("Validation loss improved, checkpoint saved")

	return key, nil
}

func (t *Trainer) architectureInfo() models.ArchitectureInfo {
	cfg := t.tc.Model.Architecture().Config
	return models.ArchitectureInfo{
		ImageSize: cfg.ImageSize,
		Channels:  cfg.Channels,
		Depth:     cfg.Depth,
		Latent:    cfg.Latent,
		KLWeight:  t.tc.Loss.KLWeight,
	}
}

func cancelled(err error, epoch int) error {
	return errors.WrapError(err, errors.ErrorTypeTraining, errors.CodeTrainingCancelled,
		fmt.Sprintf("training interrupted during epoch %d", epoch))
}

// DefaultConfig returns the default training configuration
func DefaultConfig() *Config {
	return &Config{
		Epochs:       constants.DefaultEpochs,
		LearningRate: constants.DefaultLearningRate,
		DecayGamma:   constants.DefaultDecayGamma,
		KLWeight:     constants.DefaultKLWeight,
		LogInterval:  10,
	}
}
