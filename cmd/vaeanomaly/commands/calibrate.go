package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/vaeanomaly/internal/calibration"
	"github.com/inferloop/vaeanomaly/internal/config"
	"github.com/inferloop/vaeanomaly/internal/dataset"
	"github.com/inferloop/vaeanomaly/internal/scoring"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

type CalibrateOptions struct {
	DataDir    string
	Class      string
	Checkpoint string
	Output     string
}

func NewCalibrateCmd() *cobra.Command {
	opts := &CalibrateOptions{}

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Fit the gamma calibration of reconstruction errors",
		Long: `Score the reference images of the normal class and fit a three-parameter
gamma distribution to their reconstruction errors by maximum likelihood.
The reference images are the normal images of the validation split of
data.train_dir, the same partition train holds out, unless --data-dir
names a separate held-out folder. The fit is written as JSON and used by
evaluate for the gamma score.`,
		Example: `  # Fit on the NV validation split of the training folder
  vaeanomaly calibrate --class NV --output checkpoints/gamma_fit.json

  # Fit on a separate held-out folder
  vaeanomaly calibrate --data-dir data/isic/val --class NV`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("class") {
				cfg.Scoring.NormalClass = opts.Class
			}
			if cmd.Flags().Changed("output") {
				cfg.Scoring.CalibrationFile = opts.Output
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runCalibrate(ctx, cfg, opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "Held-out reference folder (default: validation split of data.train_dir)")
	cmd.Flags().StringVar(&opts.Class, "class", "", "Reference class (default: scoring.normal_class)")
	cmd.Flags().StringVar(&opts.Checkpoint, "checkpoint", "", "Checkpoint key (default: latest)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Calibration file (default: "+constants.GammaFitFile+")")

	return cmd
}

func runCalibrate(ctx context.Context, cfg *config.Config, opts *CalibrateOptions, logger *logrus.Logger) error {
	class := cfg.Scoring.NormalClass
	folder, err := referenceData(cfg, opts.DataDir, class)
	if err != nil {
		return err
	}

	model, cp, err := loadModel(ctx, cfg, opts.Checkpoint, logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"class":  class,
		"images": folder.Len(),
	}).Info("Loaded reference images")

	loader, err := dataset.NewLoader(folder, dataset.LoaderConfig{
		BatchSize: cfg.Scoring.BatchSize,
		ImageSize: cp.Architecture.ImageSize,
		Channels:  cp.Architecture.Channels,
		Workers:   cfg.Data.Workers,
	}, logger)
	if err != nil {
		return err
	}

	// one sample is enough: only the reconstruction error is fitted
	record := scoring.NewRecord()
	scorer := scoring.NewScorer(model, cp.Architecture.KLWeight, logger)
	_, err = scorer.ScoreSource(ctx, loader, 1, record)
	var failures *errors.ClassErrors
	if err != nil && !stderrors.As(err, &failures) {
		return err
	}
	if failures != nil {
		logger.WithField("failed", failures.Error()).Warn("Some reference images could not be scored")
	}

	fit, err := calibration.FitGamma(record.Values(class, constants.ScoreReconst))
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.Scoring.CalibrationFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create calibration directory")
		}
	}
	if err := fit.Save(cfg.Scoring.CalibrationFile); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"class":   class,
		"samples": fit.Samples,
		"file":    cfg.Scoring.CalibrationFile,
	}).Info("Gamma calibration saved")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"SHAPE", "LOC", "SCALE", "SAMPLES", "NLL"})
	table.Append([]string{
		formatFloat(fit.Shape),
		formatFloat(fit.Loc),
		formatFloat(fit.Scale),
		fmt.Sprintf("%d", fit.Samples),
		formatFloat(fit.NegLogLikelihood),
	})
	table.Render()
	return nil
}
