// Package config loads the run configuration from a YAML file, VAEAD_*
// environment variables and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/inferloop/vaeanomaly/internal/export"
	"github.com/inferloop/vaeanomaly/internal/observability/metrics"
	"github.com/inferloop/vaeanomaly/internal/storage"
	"github.com/inferloop/vaeanomaly/internal/storage/implementations/influxdb"
	"github.com/inferloop/vaeanomaly/internal/training"
	"github.com/inferloop/vaeanomaly/internal/vae"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// Config is the complete run configuration
type Config struct {
	Seed       uint64                   `mapstructure:"seed"`
	Model      vae.ArchitectureConfig   `mapstructure:"model"`
	Training   training.Config          `mapstructure:"training"`
	Data       DataConfig               `mapstructure:"data"`
	Scoring    ScoringConfig            `mapstructure:"scoring"`
	Checkpoint storage.Config           `mapstructure:"checkpoint"`
	History    influxdb.InfluxDBConfig  `mapstructure:"history"`
	Export     export.ExportConfig      `mapstructure:"export"`
	Metrics    metrics.PrometheusConfig `mapstructure:"metrics"`
	Logging    LoggingConfig            `mapstructure:"logging"`
}

// DataConfig locates the image folders and configures batching
type DataConfig struct {
	TrainDir        string   `mapstructure:"train_dir"`
	TestDir         string   `mapstructure:"test_dir"`
	TrainClasses    []string `mapstructure:"train_classes"`
	ValidationSplit float64  `mapstructure:"validation_split"`
	BatchSize       int      `mapstructure:"batch_size"`
	Workers         int      `mapstructure:"workers"`
	Shuffle         bool     `mapstructure:"shuffle"`
}

// ScoringConfig configures evaluation
type ScoringConfig struct {
	Samples         int      `mapstructure:"samples"`
	NormalClass     string   `mapstructure:"normal_class"`
	Classes         []string `mapstructure:"classes"`
	CalibrationFile string   `mapstructure:"calibration_file"`
	BatchSize       int      `mapstructure:"batch_size"`
}

// LoggingConfig selects the logrus level and formatter
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads cfgFile (optional) and the environment over the defaults
// and validates the result.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig,
				fmt.Sprintf("error reading config file %s", cfgFile))
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeInvalidConfig, "error unmarshaling config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	arch := vae.DefaultArchitectureConfig()
	train := training.DefaultConfig()
	pm := metrics.DefaultPrometheusConfig()

	return &Config{
		Seed:     constants.DefaultSeed,
		Model:    arch,
		Training: *train,
		Data: DataConfig{
			ValidationSplit: 0.1,
			BatchSize:       constants.DefaultBatchSize,
			Workers:         constants.DefaultWorkers,
			Shuffle:         true,
		},
		Scoring: ScoringConfig{
			Samples:         constants.DefaultSamples,
			NormalClass:     constants.DefaultNormalClass,
			CalibrationFile: constants.GammaFitFile,
			BatchSize:       constants.DefaultBatchSize,
		},
		Checkpoint: storage.Config{Location: "./checkpoints"},
		Export: export.ExportConfig{
			OutputDirectory: "./output",
			Formats:         []export.ExportFormat{export.FormatCSV},
		},
		Metrics: *pm,
		Logging: LoggingConfig{
			Level:  constants.DefaultLogLevel,
			Format: constants.DefaultLogFormat,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("seed", d.Seed)

	v.SetDefault("model.image_size", d.Model.ImageSize)
	v.SetDefault("model.channels", d.Model.Channels)
	v.SetDefault("model.depth", d.Model.Depth)
	v.SetDefault("model.latent", d.Model.Latent)

	v.SetDefault("training.epochs", d.Training.Epochs)
	v.SetDefault("training.learning_rate", d.Training.LearningRate)
	v.SetDefault("training.decay_epochs", d.Training.DecayEpochs)
	v.SetDefault("training.decay_gamma", d.Training.DecayGamma)
	v.SetDefault("training.kl_weight", d.Training.KLWeight)
	v.SetDefault("training.log_interval", d.Training.LogInterval)

	v.SetDefault("data.train_dir", d.Data.TrainDir)
	v.SetDefault("data.test_dir", d.Data.TestDir)
	v.SetDefault("data.train_classes", d.Data.TrainClasses)
	v.SetDefault("data.validation_split", d.Data.ValidationSplit)
	v.SetDefault("data.batch_size", d.Data.BatchSize)
	v.SetDefault("data.workers", d.Data.Workers)
	v.SetDefault("data.shuffle", d.Data.Shuffle)

	v.SetDefault("scoring.samples", d.Scoring.Samples)
	v.SetDefault("scoring.normal_class", d.Scoring.NormalClass)
	v.SetDefault("scoring.classes", d.Scoring.Classes)
	v.SetDefault("scoring.calibration_file", d.Scoring.CalibrationFile)
	v.SetDefault("scoring.batch_size", d.Scoring.BatchSize)

	v.SetDefault("checkpoint.location", d.Checkpoint.Location)
	v.SetDefault("checkpoint.compression", d.Checkpoint.Compression)
	v.SetDefault("checkpoint.s3.region", "us-east-1")
	v.SetDefault("checkpoint.s3.endpoint", "")
	v.SetDefault("checkpoint.s3.access_key_id", "")
	v.SetDefault("checkpoint.s3.secret_access_key", "")
	v.SetDefault("checkpoint.s3.session_token", "")
	v.SetDefault("checkpoint.s3.force_path_style", false)
	v.SetDefault("checkpoint.s3.disable_ssl", false)
	v.SetDefault("checkpoint.s3.max_retries", 3)
	v.SetDefault("checkpoint.s3.storage_class", "")
	v.SetDefault("checkpoint.redis.addr", "")
	v.SetDefault("checkpoint.redis.password", "")
	v.SetDefault("checkpoint.redis.db", 0)
	v.SetDefault("checkpoint.redis.key_prefix", constants.AppName)
	v.SetDefault("checkpoint.redis.dial_timeout", 5*time.Second)
	v.SetDefault("checkpoint.redis.read_timeout", 3*time.Second)
	v.SetDefault("checkpoint.redis.write_timeout", 3*time.Second)
	v.SetDefault("checkpoint.redis.pool_size", 10)
	v.SetDefault("checkpoint.redis.max_retries", 3)

	v.SetDefault("export.output_directory", d.Export.OutputDirectory)
	v.SetDefault("export.formats", []string{string(export.FormatCSV)})
	v.SetDefault("export.csv_options.delimiter", ",")
	v.SetDefault("export.csv_options.null_value", "")
	v.SetDefault("export.csv_options.precision", -1)
	v.SetDefault("export.json_options.pretty", true)

	v.SetDefault("history.url", "")
	v.SetDefault("history.token", "")
	v.SetDefault("history.organization", "")
	v.SetDefault("history.bucket", "")
	v.SetDefault("history.measurement", "vae_training")
	v.SetDefault("history.timeout", 10*time.Second)
	v.SetDefault("history.use_gzip", false)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	ve := errors.NewValidationErrors()

	if _, err := vae.BuildArchitecture(c.Model); err != nil {
		ve.Add("model", err.Error(), c.Model)
	}
	if c.Model.Channels != 1 && c.Model.Channels != 3 {
		ve.Add("model.channels", "must be 1 or 3", c.Model.Channels)
	}

	if c.Training.Epochs < 1 {
		ve.Add("training.epochs", "must be at least 1", c.Training.Epochs)
	}
	if c.Training.LearningRate <= 0 {
		ve.Add("training.learning_rate", "must be positive", c.Training.LearningRate)
	}
	if c.Training.DecayGamma <= 0 || c.Training.DecayGamma > 1 {
		ve.Add("training.decay_gamma", "must be in (0, 1]", c.Training.DecayGamma)
	}
	for _, e := range c.Training.DecayEpochs {
		if e < 1 {
			ve.Add("training.decay_epochs", "epochs must be at least 1", c.Training.DecayEpochs)
			break
		}
	}
	if c.Training.KLWeight < 0 {
		ve.Add("training.kl_weight", "must not be negative", c.Training.KLWeight)
	}

	if c.Data.ValidationSplit < 0 || c.Data.ValidationSplit >= 1 {
		ve.Add("data.validation_split", "must be in [0, 1)", c.Data.ValidationSplit)
	}
	if c.Data.BatchSize < 1 {
		ve.Add("data.batch_size", "must be at least 1", c.Data.BatchSize)
	}
	if c.Data.Workers < 1 {
		ve.Add("data.workers", "must be at least 1", c.Data.Workers)
	}

	if c.Scoring.Samples < 1 {
		ve.Add("scoring.samples", "must be at least 1", c.Scoring.Samples)
	}
	if c.Scoring.NormalClass == "" {
		ve.Add("scoring.normal_class", "is required", c.Scoring.NormalClass)
	}
	if c.Scoring.BatchSize < 1 {
		ve.Add("scoring.batch_size", "must be at least 1", c.Scoring.BatchSize)
	}

	if c.Checkpoint.Location == "" {
		ve.Add("checkpoint.location", "is required", c.Checkpoint.Location)
	} else {
		switch c.Checkpoint.Type() {
		case constants.StorageTypeS3:
			if _, _, err := storage.ParseS3Location(c.Checkpoint.Location); err != nil {
				ve.Add("checkpoint.location", "must be s3://bucket/prefix", c.Checkpoint.Location)
			}
		case constants.StorageTypeRedis:
			redisConfig := c.Checkpoint.Redis
			if err := storage.ParseRedisLocation(c.Checkpoint.Location, &redisConfig); err != nil {
				ve.Add("checkpoint.location", "must be redis://host:port/db", c.Checkpoint.Location)
			}
		}
	}

	for _, f := range c.Export.Formats {
		if f != export.FormatCSV && f != export.FormatJSON {
			ve.Add("export.formats", "supported formats are csv and json", f)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		ve.Add("metrics.port", "must be a valid TCP port", c.Metrics.Port)
	}
	if c.History.Enabled() && c.History.Bucket == "" {
		ve.Add("history.bucket", "is required when history.url is set", c.History.Bucket)
	}

	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		ve.Add("logging.level", "unknown log level", c.Logging.Level)
	}
	if c.Logging.Format != constants.LogFormatJSON && c.Logging.Format != constants.LogFormatText {
		ve.Add("logging.format", "must be json or text", c.Logging.Format)
	}

	return ve.Err()
}
