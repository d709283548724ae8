package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "vaeanomaly"
	AppDescription = "Convolutional VAE anomaly scoring"
	AppVersion     = "0.1.0"
	EnvPrefix      = "VAEAD"

	// Architecture constants. Filter size, stride and padding are fixed;
	// every encoder stage halves the spatial size and the latent projection
	// consumes a FilterSize x FilterSize feature map.
	FilterSize   = 4
	Stride       = 2
	Padding      = 1
	MinImageSize = 8

	// Model defaults
	DefaultImageSize = 64
	DefaultChannels  = 3
	DefaultDepth     = 64
	DefaultLatent    = 100
	DefaultKLWeight  = 1.0

	// Batch normalization
	BatchNormMomentum = 0.1
	BatchNormEpsilon  = 1e-5

	// Training defaults
	DefaultBatchSize    = 32
	DefaultEpochs       = 50
	DefaultLearningRate = 1e-3
	DefaultDecayGamma   = 0.1
	DefaultSeed         = 42
	DefaultWorkers      = 4

	// Scoring defaults
	DefaultSamples     = 16
	DefaultNormalClass = "NV"

	// GammaSentinelScore replaces an infinite negative log-density when a
	// score falls outside the fitted gamma support.
	GammaSentinelScore = 1e6

	// Metrics defaults
	DefaultMetricsPort = 9090
	DefaultMetricsPath = "/metrics"
	DefaultHealthPath  = "/healthz"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"

	DefaultShutdownTimeout = 5 * time.Second

	// Checkpoint format version
	CheckpointFormatVersion = 1
	CheckpointExtension     = ".ckpt"
	GammaFitFile            = "gamma_fit.json"
)

// Score variant names
const (
	ScoreReconst      = "reconst"
	ScoreKL           = "KL"
	ScoreVAE          = "vae"
	ScoreIWAEReconst  = "iwae_reconst"
	ScoreIWAEKL       = "iwae_KL"
	ScoreIWAE         = "iwae"
	ScoreGamma        = "gamma"
	AggregateColumn   = "ALL"
	ReportMeanFile    = "scores_mean"
	ReportAUCFile     = "scores_auc"
	ReportSamplesFile = "scores_samples"
)

// ScoreNames lists the six per-image score variants in report order
var ScoreNames = []string{
	ScoreReconst,
	ScoreKL,
	ScoreVAE,
	ScoreIWAEReconst,
	ScoreIWAEKL,
	ScoreIWAE,
}

// Log levels
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log formats
const (
	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Checkpoint storage backends
const (
	StorageTypeFile  = "file"
	StorageTypeS3    = "s3"
	StorageTypeRedis = "redis"
)
