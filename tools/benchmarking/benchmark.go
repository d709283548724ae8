package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/inferloop/vaeanomaly/internal/scoring"
	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/internal/training"
	"github.com/inferloop/vaeanomaly/internal/vae"
)

type BenchmarkConfig struct {
	Name         string                 `json:"name" yaml:"name"`
	Duration     time.Duration          `json:"duration" yaml:"duration"`
	Warmup       time.Duration          `json:"warmup" yaml:"warmup"`
	Concurrency  int                    `json:"concurrency" yaml:"concurrency"`
	Seed         uint64                 `json:"seed" yaml:"seed"`
	Architecture vae.ArchitectureConfig `json:"architecture" yaml:"architecture"`
	Operations   []OperationConfig      `json:"operations" yaml:"operations"`
	Percentiles  []float64              `json:"percentiles" yaml:"percentiles"`
	ReportConfig ReportConfig           `json:"report_config" yaml:"report_config"`
}

type OperationConfig struct {
	Type      string `json:"type" yaml:"type"` // forward, train_step, score
	Weight    int    `json:"weight" yaml:"weight"`
	BatchSize int    `json:"batch_size" yaml:"batch_size"`
	Samples   int    `json:"samples" yaml:"samples"`
}

type ReportConfig struct {
	Format     string `json:"format" yaml:"format"` // json, yaml, markdown
	OutputFile string `json:"output_file" yaml:"output_file"`
}

// Operation is one timed unit of work against a worker's own model
type Operation interface {
	Name() string
	Execute(ctx context.Context) error
}

type Benchmark struct {
	config  *BenchmarkConfig
	logger  *logrus.Logger
	metrics *MetricsCollector
}

type BenchmarkResult struct {
	Name        string                       `json:"name" yaml:"name"`
	Duration    time.Duration                `json:"duration" yaml:"duration"`
	Concurrency int                          `json:"concurrency" yaml:"concurrency"`
	Parameters  int                          `json:"parameters" yaml:"parameters"`
	GoMaxProcs  int                          `json:"gomaxprocs" yaml:"gomaxprocs"`
	Operations  map[string]*OperationMetrics `json:"operations" yaml:"operations"`
}

type OperationMetrics struct {
	Count      int                `json:"count" yaml:"count"`
	Errors     int                `json:"errors" yaml:"errors"`
	Throughput float64            `json:"throughput_per_sec" yaml:"throughput_per_sec"`
	Mean       time.Duration      `json:"mean" yaml:"mean"`
	StdDev     time.Duration      `json:"std_dev" yaml:"std_dev"`
	Min        time.Duration      `json:"min" yaml:"min"`
	Max        time.Duration      `json:"max" yaml:"max"`
	Quantiles  map[string]float64 `json:"quantiles_ms" yaml:"quantiles_ms"`
}

// MetricsCollector records latencies per operation
type MetricsCollector struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	errors    map[string]int
}

func main() {
	var (
		configFile  = flag.String("config", "", "Benchmark configuration file (YAML or JSON)")
		duration    = flag.Duration("duration", 10*time.Second, "Measured duration")
		concurrency = flag.Int("concurrency", runtime.GOMAXPROCS(0), "Concurrent workers")
		imageSize   = flag.Int("image-size", 32, "Image side length")
		format      = flag.String("format", "markdown", "Report format (json/yaml/markdown)")
		output      = flag.String("output", "", "Report file (default stdout)")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var config *BenchmarkConfig
	if *configFile != "" {
		var err error
		config, err = loadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		config = getDefaultConfig()
		config.Duration = *duration
		config.Concurrency = *concurrency
		config.Architecture.ImageSize = *imageSize
		config.ReportConfig.Format = *format
		config.ReportConfig.OutputFile = *output
	}

	benchmark := NewBenchmark(config, logger)
	result, err := benchmark.Run(context.Background())
	if err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}

	if err := generateReport(result, config.ReportConfig); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
}

func NewBenchmark(config *BenchmarkConfig, logger *logrus.Logger) *Benchmark {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Benchmark{
		config:  config,
		logger:  logger,
		metrics: NewMetricsCollector(),
	}
}

// Run builds one model per worker, runs the warmup, then measures for the
// configured duration.
func (b *Benchmark) Run(ctx context.Context) (*BenchmarkResult, error) {
	workers := make([][]Operation, b.config.Concurrency)
	weights := make([]int, len(b.config.Operations))
	parameters := 0
	for i := range workers {
		model, err := vae.NewModel(b.config.Architecture, b.config.Seed+uint64(i), b.logger)
		if err != nil {
			return nil, err
		}
		parameters = model.NumParameters()
		ops, err := createOperations(model, b.config)
		if err != nil {
			return nil, err
		}
		workers[i] = ops
	}
	for i, op := range b.config.Operations {
		weights[i] = max(op.Weight, 1)
	}

	b.logger.WithFields(logrus.Fields{
		"name":        b.config.Name,
		"concurrency": b.config.Concurrency,
		"duration":    b.config.Duration,
		"parameters":  parameters,
	}).Info("Starting benchmark")

	if b.config.Warmup > 0 {
		warmCtx, cancel := context.WithTimeout(ctx, b.config.Warmup)
		b.runWorkers(warmCtx, workers, weights)
		cancel()
		b.metrics.Reset()
	}

	runCtx, cancel := context.WithTimeout(ctx, b.config.Duration)
	defer cancel()
	start := time.Now()
	b.runWorkers(runCtx, workers, weights)
	elapsed := time.Since(start)

	result := b.metrics.Result(elapsed, b.config.Percentiles)
	result.Name = b.config.Name
	result.Concurrency = b.config.Concurrency
	result.Parameters = parameters
	result.GoMaxProcs = runtime.GOMAXPROCS(0)
	return result, nil
}

func (b *Benchmark) runWorkers(ctx context.Context, workers [][]Operation, weights []int) {
	var wg sync.WaitGroup
	for id, ops := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.worker(ctx, uint64(id), ops, weights)
		}()
	}
	wg.Wait()
}

func (b *Benchmark) worker(ctx context.Context, id uint64, ops []Operation, weights []int) {
	rng := rand.New(rand.NewPCG(b.config.Seed, id))
	for ctx.Err() == nil {
		op := ops[selectOperation(rng, weights)]
		start := time.Now()
		err := op.Execute(ctx)
		if ctx.Err() != nil {
			return
		}
		b.metrics.RecordOperation(op.Name(), time.Since(start), err)
		if err != nil {
			b.logger.WithError(err).WithField("operation", op.Name()).Debug("Operation failed")
		}
	}
}

func selectOperation(rng *rand.Rand, weights []int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	pick := rng.IntN(total)
	for i, w := range weights {
		if pick < w {
			return i
		}
		pick -= w
	}
	return len(weights) - 1
}

func createOperations(model *vae.Model, config *BenchmarkConfig) ([]Operation, error) {
	arch := config.Architecture
	ops := make([]Operation, 0, len(config.Operations))
	for _, oc := range config.Operations {
		batch := max(oc.BatchSize, 1)
		images := randomImages(batch, arch, config.Seed)

		switch oc.Type {
		case "forward":
			ops = append(ops, &ForwardOperation{model: model, images: images})
		case "train_step":
			ops = append(ops, &TrainStepOperation{
				model:     model,
				images:    images,
				loss:      vae.ELBOLoss{KLWeight: 1},
				optimizer: training.NewAdamOptimizer(model.Parameters(), 1e-3),
			})
		case "score":
			ops = append(ops, &ScoreOperation{
				scorer:  scoring.NewScorer(model, 1, logrus.New()),
				image:   randomImages(1, arch, config.Seed),
				samples: max(oc.Samples, 1),
			})
		default:
			return nil, fmt.Errorf("unknown operation type: %s", oc.Type)
		}
	}
	return ops, nil
}

func randomImages(n int, arch vae.ArchitectureConfig, seed uint64) *tensor.Tensor {
	rng := rand.New(rand.NewPCG(seed, uint64(n)))
	x := tensor.Zeros(n, arch.Channels, arch.ImageSize, arch.ImageSize)
	for i := range x.Data() {
		x.Data()[i] = 2*rng.Float64() - 1
	}
	return x
}

type ForwardOperation struct {
	model  *vae.Model
	images *tensor.Tensor
}

func (o *ForwardOperation) Name() string { return "forward" }

func (o *ForwardOperation) Execute(ctx context.Context) error {
	o.model.Eval()
	_, err := o.model.Forward(o.images)
	return err
}

type TrainStepOperation struct {
	model     *vae.Model
	images    *tensor.Tensor
	loss      vae.ELBOLoss
	optimizer *training.AdamOptimizer
}

func (o *TrainStepOperation) Name() string { return "train_step" }

func (o *TrainStepOperation) Execute(ctx context.Context) error {
	o.model.Train()
	o.model.ZeroGrad()
	res, err := o.model.Forward(o.images)
	if err != nil {
		return err
	}
	grads, err := o.loss.Backward(res.Reconstruction, res.Input, res.Mu, res.Logvar)
	if err != nil {
		return err
	}
	if err := o.model.Backward(res, grads); err != nil {
		return err
	}
	o.optimizer.Step()
	return nil
}

type ScoreOperation struct {
	scorer  *scoring.Scorer
	image   *tensor.Tensor
	samples int
}

func (o *ScoreOperation) Name() string { return fmt.Sprintf("score_L%d", o.samples) }

func (o *ScoreOperation) Execute(ctx context.Context) error {
	_, err := o.scorer.ScoreImage(ctx, o.image, o.samples)
	return err
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		latencies: make(map[string][]time.Duration),
		errors:    make(map[string]int),
	}
}

func (m *MetricsCollector) RecordOperation(name string, latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[name] = append(m.latencies[name], latency)
	if err != nil {
		m.errors[name]++
	}
}

func (m *MetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = make(map[string][]time.Duration)
	m.errors = make(map[string]int)
}

// Result summarises the recorded latencies. Quantiles are in milliseconds.
func (m *MetricsCollector) Result(elapsed time.Duration, percentiles []float64) *BenchmarkResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &BenchmarkResult{
		Duration:   elapsed,
		Operations: make(map[string]*OperationMetrics, len(m.latencies)),
	}
	for name, lat := range m.latencies {
		ms := make([]float64, len(lat))
		for i, d := range lat {
			ms[i] = float64(d) / float64(time.Millisecond)
		}
		sort.Float64s(ms)

		mean, std := stat.MeanStdDev(ms, nil)
		om := &OperationMetrics{
			Count:      len(lat),
			Errors:     m.errors[name],
			Throughput: float64(len(lat)) / elapsed.Seconds(),
			Mean:       toDuration(mean),
			Min:        toDuration(ms[0]),
			Max:        toDuration(ms[len(ms)-1]),
			Quantiles:  make(map[string]float64, len(percentiles)),
		}
		if len(ms) > 1 {
			om.StdDev = toDuration(std)
		}
		for _, p := range percentiles {
			om.Quantiles[fmt.Sprintf("p%g", p*100)] = stat.Quantile(p, stat.Empirical, ms, nil)
		}
		result.Operations[name] = om
	}
	return result
}

func toDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func loadConfig(path string) (*BenchmarkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := getDefaultConfig()
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, config)
	} else {
		err = yaml.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return config, nil
}

func generateReport(result *BenchmarkResult, config ReportConfig) error {
	var w io.Writer = os.Stdout
	if config.OutputFile != "" {
		f, err := os.Create(config.OutputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	switch config.Format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		return yaml.NewEncoder(w).Encode(result)
	default:
		writeMarkdownReport(w, result)
		return nil
	}
}

func writeMarkdownReport(w io.Writer, result *BenchmarkResult) {
	fmt.Fprintf(w, "# %s\n\n", result.Name)
	fmt.Fprintf(w, "Duration: %s, workers: %d, GOMAXPROCS: %d, parameters: %d\n\n",
		result.Duration.Round(time.Millisecond), result.Concurrency, result.GoMaxProcs, result.Parameters)

	names := make([]string, 0, len(result.Operations))
	for name := range result.Operations {
		names = append(names, name)
	}
	sort.Strings(names)

	var quantiles []string
	for _, name := range names {
		for q := range result.Operations[name].Quantiles {
			quantiles = append(quantiles, q)
		}
		break
	}
	sort.Strings(quantiles)

	table := tablewriter.NewWriter(w)
	table.SetHeader(append([]string{"operation", "count", "errors", "ops/s", "mean", "max"}, quantiles...))
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	for _, name := range names {
		om := result.Operations[name]
		row := []string{
			name,
			fmt.Sprintf("%d", om.Count),
			fmt.Sprintf("%d", om.Errors),
			fmt.Sprintf("%.2f", om.Throughput),
			om.Mean.Round(time.Microsecond).String(),
			om.Max.Round(time.Microsecond).String(),
		}
		for _, q := range quantiles {
			row = append(row, fmt.Sprintf("%.3fms", om.Quantiles[q]))
		}
		table.Append(row)
	}
	table.Render()
}

func getDefaultConfig() *BenchmarkConfig {
	return &BenchmarkConfig{
		Name:        "vae throughput",
		Duration:    10 * time.Second,
		Warmup:      time.Second,
		Concurrency: 1,
		Seed:        42,
		Architecture: vae.ArchitectureConfig{
			ImageSize: 32,
			Channels:  3,
			Depth:     16,
			Latent:    32,
		},
		Operations: []OperationConfig{
			{Type: "forward", Weight: 1, BatchSize: 16},
			{Type: "train_step", Weight: 1, BatchSize: 16},
			{Type: "score", Weight: 1, Samples: 16},
		},
		Percentiles: []float64{0.5, 0.9, 0.99},
		ReportConfig: ReportConfig{
			Format: "markdown",
		},
	}
}
