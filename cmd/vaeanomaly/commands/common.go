// Package commands implements the vaeanomaly subcommands.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/vaeanomaly/internal/config"
	"github.com/inferloop/vaeanomaly/internal/dataset"
	"github.com/inferloop/vaeanomaly/internal/evaluation"
	"github.com/inferloop/vaeanomaly/internal/observability/health"
	"github.com/inferloop/vaeanomaly/internal/observability/metrics"
	"github.com/inferloop/vaeanomaly/internal/storage"
	"github.com/inferloop/vaeanomaly/internal/vae"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/interfaces"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// loadConfig reads the --config file and applies the global logging flags
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	flags := cmd.Root().PersistentFlags()
	cfgFile, _ := flags.GetString("config")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if level, _ := flags.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format, _ := flags.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}

	return cfg, setupLogger(cfg.Logging.Level, cfg.Logging.Format), nil
}

func setupLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == constants.LogFormatJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// startMetrics creates the metrics registry and serves it, together with
// a health endpoint running checks, when enabled. The server shuts down
// when ctx is cancelled.
func startMetrics(ctx context.Context, cfg *config.Config, logger *logrus.Logger, checks ...health.HealthCheck) (*metrics.PrometheusMetrics, error) {
	pm, err := metrics.NewPrometheusMetrics(&cfg.Metrics, logger)
	if err != nil {
		return nil, err
	}

	monitor := health.NewHealthMonitor(logger)
	for _, c := range checks {
		monitor.RegisterCheck(c)
	}
	pm.Handle(constants.DefaultHealthPath, monitor.Handler())

	if err := pm.Start(ctx); err != nil {
		return nil, err
	}
	return pm, nil
}

// splitTrainingData scans data.train_dir and splits off the validation
// images. The split depends only on the folder contents, the class filter
// and the seed, so train and calibrate see the same partition. valSet is
// nil when data.validation_split is 0.
func splitTrainingData(cfg *config.Config) (folder, trainSet, valSet *dataset.ImageFolder, err error) {
	folder, err = dataset.NewImageFolder(cfg.Data.TrainDir, cfg.Data.TrainClasses...)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Data.ValidationSplit <= 0 {
		return folder, folder, nil, nil
	}
	trainSet, valSet, err = folder.Split(1-cfg.Data.ValidationSplit, cfg.Seed)
	if err != nil {
		return nil, nil, nil, err
	}
	return folder, trainSet, valSet, nil
}

// referenceData returns the held-out images of class used for calibration:
// every image of class under dir when dir is set, otherwise the normal
// images of the validation split of data.train_dir.
func referenceData(cfg *config.Config, dir, class string) (*dataset.ImageFolder, error) {
	if dir != "" {
		return dataset.NewImageFolder(dir, class)
	}
	if cfg.Data.TrainDir == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig,
			"a reference directory is required (--data-dir or data.train_dir)")
	}
	if cfg.Data.ValidationSplit <= 0 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig,
			"calibration needs held-out images: set data.validation_split or pass --data-dir")
	}

	_, _, valSet, err := splitTrainingData(cfg)
	if err != nil {
		return nil, err
	}
	return valSet.Filter(class)
}

// loadModel restores a model from the checkpoint stored under key, or the
// latest checkpoint when key is empty. The architecture comes from the
// checkpoint, not from the configuration.
func loadModel(ctx context.Context, cfg *config.Config, key string, logger *logrus.Logger) (*vae.Model, *models.Checkpoint, error) {
	store, err := storage.NewStore(ctx, &cfg.Checkpoint, logger)
	if err != nil {
		return nil, nil, err
	}

	cp, err := loadCheckpoint(ctx, store, key)
	if err != nil {
		return nil, nil, err
	}

	arch := vae.ArchitectureConfig{
		ImageSize: cp.Architecture.ImageSize,
		Channels:  cp.Architecture.Channels,
		Depth:     cp.Architecture.Depth,
		Latent:    cp.Architecture.Latent,
	}
	model, err := vae.NewModel(arch, cfg.Seed, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := model.LoadStateDict(cp.Model); err != nil {
		return nil, nil, err
	}

	logger.WithFields(logrus.Fields{
		"checkpoint":      cp.Key(),
		"epoch":           cp.Epoch,
		"validation_loss": cp.ValidationLoss,
		"run_id":          cp.RunID,
	}).Info("Loaded model")

	return model, cp, nil
}

func loadCheckpoint(ctx context.Context, store interfaces.CheckpointStore, key string) (*models.Checkpoint, error) {
	if key == "" {
		return store.Latest(ctx)
	}
	return store.Load(ctx, key)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// renderTable prints a score table with one row per variant
func renderTable(w io.Writer, title string, table *evaluation.Table) {
	fmt.Fprintf(w, "\n%s\n", title)

	tw := tablewriter.NewWriter(w)
	tw.SetHeader(append([]string{"score"}, table.Classes...))
	tw.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, variant := range table.Variants {
		row := []string{variant}
		for _, class := range table.Classes {
			if v, ok := table.Get(variant, class); ok {
				row = append(row, formatFloat(v))
			} else {
				row = append(row, "-")
			}
		}
		tw.Append(row)
	}
	tw.Render()
}
