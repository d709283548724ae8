package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/vaeanomaly/internal/calibration"
	"github.com/inferloop/vaeanomaly/internal/config"
	"github.com/inferloop/vaeanomaly/internal/dataset"
	"github.com/inferloop/vaeanomaly/internal/evaluation"
	"github.com/inferloop/vaeanomaly/internal/export"
	"github.com/inferloop/vaeanomaly/internal/observability/health"
	"github.com/inferloop/vaeanomaly/internal/scoring"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

type EvaluateOptions struct {
	TestDir     string
	Checkpoint  string
	Samples     int
	NormalClass string
	OutputDir   string
	Gamma       bool
}

func NewEvaluateCmd() *cobra.Command {
	opts := &EvaluateOptions{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score test images and report per-class means and AUC",
		Long: `Score every image of a class-per-subdirectory test folder with the
reconstruction, KL, VAE and importance-weighted scores (plus the
gamma-calibrated score when a calibration file exists), then report the
mean of each score per class and the AUC of every abnormal class against
the normal class.`,
		Example: `  # Evaluate the latest checkpoint
  vaeanomaly evaluate --test-dir data/isic/test --output results/

  # Evaluate a specific checkpoint with 64 importance samples
  vaeanomaly evaluate --test-dir data/isic/test --checkpoint vae_epoch-0042_val-512.123456 --samples 64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("test-dir") {
				cfg.Data.TestDir = opts.TestDir
			}
			if cmd.Flags().Changed("samples") {
				cfg.Scoring.Samples = opts.Samples
			}
			if cmd.Flags().Changed("normal-class") {
				cfg.Scoring.NormalClass = opts.NormalClass
			}
			if cmd.Flags().Changed("output") {
				cfg.Export.OutputDirectory = opts.OutputDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runEvaluate(ctx, cfg, opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.TestDir, "test-dir", "", "Test image folder (one subdirectory per class)")
	cmd.Flags().StringVar(&opts.Checkpoint, "checkpoint", "", "Checkpoint key (default: latest)")
	cmd.Flags().IntVarP(&opts.Samples, "samples", "L", 0, "Importance samples per image")
	cmd.Flags().StringVar(&opts.NormalClass, "normal-class", "", "Label of the normal class")
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", "", "Directory for score reports")
	cmd.Flags().BoolVar(&opts.Gamma, "gamma", true, "Add the gamma-calibrated score when a calibration file exists")

	return cmd
}

func runEvaluate(ctx context.Context, cfg *config.Config, opts *EvaluateOptions, logger *logrus.Logger) error {
	if cfg.Data.TestDir == "" {
		return errors.NewConfigurationError(errors.CodeInvalidConfig, "a test directory is required (--test-dir or data.test_dir)")
	}

	model, cp, err := loadModel(ctx, cfg, opts.Checkpoint, logger)
	if err != nil {
		return err
	}
	pm, err := startMetrics(ctx, cfg, logger, health.CalibrationCheck(cfg.Scoring.CalibrationFile))
	if err != nil {
		return err
	}

	scorer := scoring.NewScorer(model, cp.Architecture.KLWeight, logger).WithMetrics(pm)
	if opts.Gamma {
		fit, err := calibration.LoadGammaFit(cfg.Scoring.CalibrationFile)
		switch {
		case err == nil:
			scorer.WithCalibration(fit)
			logger.WithFields(logrus.Fields{
				"shape": fit.Shape,
				"loc":   fit.Loc,
				"scale": fit.Scale,
			}).Info("Using gamma calibration")
		case stderrors.Is(err, errors.ErrNotCalibrated):
			logger.WithField("file", cfg.Scoring.CalibrationFile).Warn("No gamma calibration found; run calibrate to add the gamma score")
		default:
			return err
		}
	}

	folder, err := dataset.NewImageFolder(cfg.Data.TestDir, cfg.Scoring.Classes...)
	if err != nil {
		return err
	}
	loader, err := dataset.NewLoader(folder, dataset.LoaderConfig{
		BatchSize: cfg.Scoring.BatchSize,
		ImageSize: cp.Architecture.ImageSize,
		Channels:  cp.Architecture.Channels,
		Workers:   cfg.Data.Workers,
	}, logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"test_dir":     cfg.Data.TestDir,
		"classes":      folder.ClassDistribution(),
		"samples":      cfg.Scoring.Samples,
		"normal_class": cfg.Scoring.NormalClass,
	}).Info("Scoring test images")

	record := scoring.NewRecord()
	_, err = scorer.ScoreSource(ctx, loader, cfg.Scoring.Samples, record)
	var failures *errors.ClassErrors
	if err != nil && !stderrors.As(err, &failures) {
		return err
	}

	report, err := evaluation.Summarize(record, cfg.Scoring.NormalClass)
	if err != nil {
		return err
	}
	report.Publish(pm)

	engine, err := export.NewExportEngine(&cfg.Export, logger)
	if err != nil {
		return err
	}
	files, err := engine.ExportReport(ctx, report, record)
	if err != nil {
		return err
	}

	renderTable(os.Stdout, "Mean score per class", report.Means)
	renderTable(os.Stdout, fmt.Sprintf("AUC against %s", cfg.Scoring.NormalClass), report.AUC)

	for _, class := range report.Errors.Classes() {
		classErr, _ := report.Errors.Get(class)
		logger.WithFields(logrus.Fields{
			"class": class,
			"error": classErr,
		}).Warn("Metrics omitted for class")
	}
	if failures != nil {
		for _, class := range failures.Classes() {
			classErr, _ := failures.Get(class)
			logger.WithFields(logrus.Fields{
				"class": class,
				"error": classErr,
			}).Warn("Images could not be scored")
		}
	}

	fmt.Println()
	for _, f := range files {
		fmt.Printf("Wrote %s (%d bytes)\n", f.Path, f.Size)
	}
	return nil
}
