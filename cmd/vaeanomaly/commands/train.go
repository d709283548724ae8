package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/vaeanomaly/internal/config"
	"github.com/inferloop/vaeanomaly/internal/dataset"
	"github.com/inferloop/vaeanomaly/internal/observability/health"
	"github.com/inferloop/vaeanomaly/internal/storage"
	"github.com/inferloop/vaeanomaly/internal/storage/implementations/influxdb"
	"github.com/inferloop/vaeanomaly/internal/training"
	"github.com/inferloop/vaeanomaly/internal/vae"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

type TrainOptions struct {
	TrainDir   string
	Epochs     int
	BatchSize  int
	Checkpoint string
	Resume     bool
	ResumeKey  string
}

func NewTrainCmd() *cobra.Command {
	opts := &TrainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the VAE on normal images",
		Long: `Train the convolutional VAE on a class-per-subdirectory image folder.
A checkpoint is written every time the validation loss improves; an
interrupted run continues from the latest checkpoint with --resume.`,
		Example: `  # Train on the NV class only
  vaeanomaly train --train-dir data/isic/train --config vaeanomaly.yaml

  # Continue an interrupted run
  vaeanomaly train --train-dir data/isic/train --resume`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("train-dir") {
				cfg.Data.TrainDir = opts.TrainDir
			}
			if cmd.Flags().Changed("epochs") {
				cfg.Training.Epochs = opts.Epochs
			}
			if cmd.Flags().Changed("batch-size") {
				cfg.Data.BatchSize = opts.BatchSize
			}
			if cmd.Flags().Changed("checkpoint-dir") {
				cfg.Checkpoint.Location = opts.Checkpoint
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runTrain(ctx, cfg, opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.TrainDir, "train-dir", "", "Training image folder (one subdirectory per class)")
	cmd.Flags().IntVar(&opts.Epochs, "epochs", 0, "Number of epochs")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "Batch size")
	cmd.Flags().StringVar(&opts.Checkpoint, "checkpoint-dir", "", "Checkpoint directory or s3://bucket/prefix")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "Resume from a checkpoint")
	cmd.Flags().StringVar(&opts.ResumeKey, "resume-key", "", "Checkpoint key to resume from (default: latest)")

	return cmd
}

func runTrain(ctx context.Context, cfg *config.Config, opts *TrainOptions, logger *logrus.Logger) error {
	if cfg.Data.TrainDir == "" {
		return errors.NewConfigurationError(errors.CodeInvalidConfig, "a training directory is required (--train-dir or data.train_dir)")
	}

	folder, trainSet, valSet, err := splitTrainingData(cfg)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"train_dir":   cfg.Data.TrainDir,
		"classes":     folder.ClassDistribution(),
		"train":       trainSet.Len(),
		"validation":  lenOf(valSet),
		"image_size":  cfg.Model.ImageSize,
		"checkpoints": cfg.Checkpoint.Location,
	}).Info("Loaded training data")

	loaderConfig := dataset.LoaderConfig{
		BatchSize: cfg.Data.BatchSize,
		ImageSize: cfg.Model.ImageSize,
		Channels:  cfg.Model.Channels,
		Shuffle:   cfg.Data.Shuffle,
		Seed:      cfg.Seed,
		Workers:   cfg.Data.Workers,
	}
	trainLoader, err := dataset.NewLoader(trainSet, loaderConfig, logger)
	if err != nil {
		return err
	}

	var validation training.BatchSource
	if valSet != nil {
		loaderConfig.Shuffle = false
		valLoader, err := dataset.NewLoader(valSet, loaderConfig, logger)
		if err != nil {
			return err
		}
		validation = valLoader
	}

	model, err := vae.NewModel(cfg.Model, cfg.Seed, logger)
	if err != nil {
		return err
	}
	logger.Info("Architecture:\n" + model.Architecture().Summary())

	store, err := storage.NewStore(ctx, &cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	pm, err := startMetrics(ctx, cfg, logger, health.CheckpointStoreCheck(store))
	if err != nil {
		return err
	}

	tc := training.NewContext(model, &cfg.Training, store, pm, logger)
	if cfg.History.Enabled() {
		history, err := influxdb.NewInfluxDBHistory(&cfg.History, logger)
		if err != nil {
			return err
		}
		if err := history.Connect(ctx); err != nil {
			return err
		}
		defer history.Close()
		tc.Observers = append(tc.Observers, history)
	}
	trainer, err := training.NewTrainer(&cfg.Training, tc)
	if err != nil {
		return err
	}
	if opts.Resume {
		if err := trainer.Resume(ctx, opts.ResumeKey); err != nil {
			return err
		}
	}

	result, err := trainer.Fit(ctx, trainLoader, validation)
	printEpochs(result)
	if err != nil {
		return err
	}

	fmt.Printf("\nBest epoch %d, validation loss %s, checkpoint %s\n",
		result.BestEpoch, formatFloat(result.BestValidationLoss), result.BestCheckpoint)
	return nil
}

func lenOf(ds *dataset.ImageFolder) int {
	if ds == nil {
		return 0
	}
	return ds.Len()
}

func printEpochs(result *training.FitResult) {
	if result == nil || len(result.Epochs) == 0 {
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"EPOCH", "TRAIN", "RECONST", "KL", "VALIDATION", "LR", "CHECKPOINT"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, e := range result.Epochs {
		table.Append([]string{
			fmt.Sprintf("%d", e.Epoch),
			formatFloat(e.TrainLoss),
			formatFloat(e.Reconstruction),
			formatFloat(e.KL),
			formatFloat(e.ValidationLoss),
			fmt.Sprintf("%g", e.LearningRate),
			e.Checkpoint,
		})
	}
	table.Render()
}
