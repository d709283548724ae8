// Package influxdb records the per-epoch training history of a run as
// InfluxDB points, one series per run ID.
package influxdb

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/training"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

const defaultMeasurement = "vae_training"

type InfluxDBConfig struct {
	URL          string        `json:"url" mapstructure:"url"`
	Token        string        `json:"token" mapstructure:"token"`
	Organization string        `json:"organization" mapstructure:"organization"`
	Bucket       string        `json:"bucket" mapstructure:"bucket"`
	Measurement  string        `json:"measurement" mapstructure:"measurement"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	UseGZip      bool          `json:"use_gzip" mapstructure:"use_gzip"`
}

// Enabled reports whether a server is configured
func (c *InfluxDBConfig) Enabled() bool {
	return c != nil && c.URL != ""
}

// InfluxDBHistory writes one point per finished epoch. It implements
// training.EpochObserver.
type InfluxDBHistory struct {
	config   *InfluxDBConfig
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *logrus.Logger
}

func NewInfluxDBHistory(config *InfluxDBConfig, logger *logrus.Logger) (*InfluxDBHistory, error) {
	if !config.Enabled() {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "InfluxDB URL is required")
	}
	if config.Bucket == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "InfluxDB bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Measurement == "" {
		config.Measurement = defaultMeasurement
	}

	return &InfluxDBHistory{config: config, logger: logger}, nil
}

// Connect creates the client and checks the server answers /ping
func (h *InfluxDBHistory) Connect(ctx context.Context) error {
	if h.client != nil {
		return nil
	}

	options := influxdb2.DefaultOptions()
	options.SetUseGZip(h.config.UseGZip)
	options.SetHTTPRequestTimeout(uint(h.config.Timeout.Seconds()))
	options.SetPrecision(time.Millisecond)

	client := influxdb2.NewClientWithOptions(h.config.URL, h.config.Token, options)
	ok, err := client.Ping(ctx)
	if err != nil || !ok {
		client.Close()
		if err == nil {
			err = fmt.Errorf("ping returned not ready")
		}
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to connect to InfluxDB at %s", h.config.URL))
	}

	h.client = client
	h.writeAPI = client.WriteAPIBlocking(h.config.Organization, h.config.Bucket)

	h.logger.WithFields(logrus.Fields{
		"url":          h.config.URL,
		"organization": h.config.Organization,
		"bucket":       h.config.Bucket,
		"measurement":  h.config.Measurement,
	}).Info("Connected to InfluxDB")

	return nil
}

// ObserveEpoch writes the epoch losses, learning rate and duration
func (h *InfluxDBHistory) ObserveEpoch(ctx context.Context, runID string, result training.EpochResult) error {
	if h.writeAPI == nil {
		return errors.NewStorageError(errors.CodeWriteFailed, "InfluxDB history is not connected")
	}

	point := influxdb2.NewPoint(h.config.Measurement,
		map[string]string{"run_id": runID},
		map[string]interface{}{
			"epoch":            result.Epoch,
			"train_loss":       result.TrainLoss,
			"reconstruction":   result.Reconstruction,
			"kl":               result.KL,
			"validation_loss":  result.ValidationLoss,
			"learning_rate":    result.LearningRate,
			"duration_seconds": result.Duration.Seconds(),
			"checkpointed":     result.Checkpoint != "",
		},
		time.Now(),
	)

	if err := h.writeAPI.WritePoint(ctx, point); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write epoch to InfluxDB")
	}
	return nil
}

// Close releases the client
func (h *InfluxDBHistory) Close() {
	if h.client != nil {
		h.client.Close()
		h.client = nil
		h.writeAPI = nil
	}
}
