package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/pkg/constants"
)

// PrometheusMetrics collects training and scoring metrics on a private
// registry. All recording methods are safe to call on a nil receiver, so
// components can take an optional *PrometheusMetrics.
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	server   *http.Server
	config   *PrometheusConfig
	handlers map[string]http.Handler

	// Training metrics
	trainLoss        prometheus.Gauge
	validationLoss   prometheus.Gauge
	epoch            prometheus.Gauge
	learningRate     prometheus.Gauge
	batchesTotal     *prometheus.CounterVec
	checkpointsTotal *prometheus.CounterVec
	epochDuration    prometheus.Histogram
	lossComponents   *prometheus.GaugeVec

	// Scoring metrics
	imagesScoredTotal *prometheus.CounterVec
	scoringDuration   prometheus.Histogram
	auc               *prometheus.GaugeVec
	errorsTotal       *prometheus.CounterVec
}

// PrometheusConfig configures Prometheus metrics
type PrometheusConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Port      int    `json:"port" mapstructure:"port"`
	Path      string `json:"path" mapstructure:"path"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(config *PrometheusConfig, logger *logrus.Logger) (*PrometheusMetrics, error) {
	if config == nil {
		config = DefaultPrometheusConfig()
	}

	if logger == nil {
		logger = logrus.New()
	}

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		config:   config,
	}

	pm.initializeMetrics()

	if err := pm.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return pm, nil
}

// Start serves the registry over HTTP when enabled
func (pm *PrometheusMetrics) Start(ctx context.Context) error {
	if pm == nil || !pm.config.Enabled {
		return nil
	}

	pm.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", pm.config.Port),
		Handler:           pm.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pm.logger.WithFields(logrus.Fields{
		"port": pm.config.Port,
		"path": pm.config.Path,
	}).Info("Starting Prometheus metrics server")

	go func() {
		if err := pm.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			pm.logger.WithError(err).Error("Prometheus metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
		defer cancel()
		_ = pm.Stop(shutdownCtx)
	}()

	return nil
}

// Router serves the registry on the configured path and every handler
// added with Handle.
func (pm *PrometheusMetrics) Router() http.Handler {
	router := mux.NewRouter()
	router.Handle(pm.config.Path, promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})).Methods(http.MethodGet)
	for path, h := range pm.handlers {
		router.Handle(path, h).Methods(http.MethodGet)
	}
	return router
}

// Handle mounts an extra GET handler on the metrics server. It must be
// called before Start.
func (pm *PrometheusMetrics) Handle(path string, h http.Handler) {
	if pm == nil {
		return
	}
	if pm.handlers == nil {
		pm.handlers = make(map[string]http.Handler)
	}
	pm.handlers[path] = h
}

// Stop stops the Prometheus metrics server
func (pm *PrometheusMetrics) Stop(ctx context.Context) error {
	if pm == nil || pm.server == nil {
		return nil
	}

	pm.logger.Info("Stopping Prometheus metrics server")
	return pm.server.Shutdown(ctx)
}

// RecordBatch counts a processed batch for phase "train" or "validation"
func (pm *PrometheusMetrics) RecordBatch(phase string) {
	if pm == nil {
		return
	}
	pm.batchesTotal.WithLabelValues(phase).Inc()
}

// RecordEpoch publishes the results of a finished epoch
func (pm *PrometheusMetrics) RecordEpoch(epoch int, trainLoss, valLoss, lr float64, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.epoch.Set(float64(epoch))
	pm.trainLoss.Set(trainLoss)
	pm.validationLoss.Set(valLoss)
	pm.learningRate.Set(lr)
	pm.epochDuration.Observe(duration.Seconds())
}

// SetLossComponents publishes the reconstruction and KL terms of the last
// training batch.
func (pm *PrometheusMetrics) SetLossComponents(reconstruction, kl float64) {
	if pm == nil {
		return
	}
	pm.lossComponents.WithLabelValues("reconstruction").Set(reconstruction)
	pm.lossComponents.WithLabelValues("kl").Set(kl)
}

// RecordCheckpoint counts a checkpoint save with status "ok" or "error"
func (pm *PrometheusMetrics) RecordCheckpoint(status string) {
	if pm == nil {
		return
	}
	pm.checkpointsTotal.WithLabelValues(status).Inc()
}

// RecordImageScored counts a scored image and its latency
func (pm *PrometheusMetrics) RecordImageScored(class string, duration time.Duration) {
	if pm == nil {
		return
	}
	pm.imagesScoredTotal.WithLabelValues(class).Inc()
	pm.scoringDuration.Observe(duration.Seconds())
}

// SetAUC publishes the ROC-AUC of a score variant for an abnormal class
func (pm *PrometheusMetrics) SetAUC(variant, class string, value float64) {
	if pm == nil {
		return
	}
	pm.auc.WithLabelValues(variant, class).Set(value)
}

// RecordError counts a failure by component and error type
func (pm *PrometheusMetrics) RecordError(component, errorType string) {
	if pm == nil {
		return
	}
	pm.errorsTotal.WithLabelValues(component, errorType).Inc()
}

// initializeMetrics initializes all Prometheus metrics
func (pm *PrometheusMetrics) initializeMetrics() {
	namespace := pm.config.Namespace

	// Training metrics
	pm.trainLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "loss",
			Help:      "Mean training loss of the last epoch",
		},
	)

	pm.validationLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "validation_loss",
			Help:      "Mean validation loss of the last epoch",
		},
	)

	pm.epoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "epoch",
			Help:      "Last completed epoch",
		},
	)

	pm.learningRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "learning_rate",
			Help:      "Current optimizer learning rate",
		},
	)

	pm.batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "batches_total",
			Help:      "Total number of processed batches",
		},
		[]string{"phase"},
	)

	pm.checkpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoint saves",
		},
		[]string{"status"},
	)

	pm.epochDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "epoch_duration_seconds",
			Help:      "Epoch duration in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
		},
	)

	pm.lossComponents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "loss_component",
			Help:      "Loss terms of the last training batch",
		},
		[]string{"term"},
	)

	// Scoring metrics
	pm.imagesScoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "images_total",
			Help:      "Total number of scored images",
		},
		[]string{"class"},
	)

	pm.scoringDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "image_duration_seconds",
			Help:      "Time to score one image in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	pm.auc = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "evaluation",
			Name:      "auc",
			Help:      "ROC-AUC of a score variant against the normal class",
		},
		[]string{"variant", "class"},
	)

	pm.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"component", "type"},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() error {
	metrics := []prometheus.Collector{
		pm.trainLoss,
		pm.validationLoss,
		pm.epoch,
		pm.learningRate,
		pm.batchesTotal,
		pm.checkpointsTotal,
		pm.epochDuration,
		pm.lossComponents,
		pm.imagesScoredTotal,
		pm.scoringDuration,
		pm.auc,
		pm.errorsTotal,
	}

	for _, metric := range metrics {
		if err := pm.registry.Register(metric); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// DefaultPrometheusConfig returns a disabled-server configuration on the
// default port and path.
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Enabled:   false,
		Port:      constants.DefaultMetricsPort,
		Path:      constants.DefaultMetricsPath,
		Namespace: constants.AppName,
	}
}
