// Package export writes evaluation reports and raw scores to disk.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/evaluation"
	"github.com/inferloop/vaeanomaly/internal/scoring"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// ExportFormat represents supported export formats
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

// CSVOptions contains CSV-specific options
type CSVOptions struct {
	Delimiter string `json:"delimiter" mapstructure:"delimiter"`
	NullValue string `json:"null_value" mapstructure:"null_value"`
	// Precision is the number of decimal places. Nil or negative writes
	// the shortest exact representation.
	Precision *int `json:"precision,omitempty" mapstructure:"precision"`
}

// JSONOptions contains JSON-specific options
type JSONOptions struct {
	Pretty bool `json:"pretty" mapstructure:"pretty"`
}

// ExportConfig configures the export engine
type ExportConfig struct {
	OutputDirectory string         `json:"output_directory" mapstructure:"output_directory"`
	Formats         []ExportFormat `json:"formats" mapstructure:"formats"`
	CSVOptions      CSVOptions     `json:"csv_options" mapstructure:"csv_options"`
	JSONOptions     JSONOptions    `json:"json_options" mapstructure:"json_options"`
}

// ExportedFile describes a written file
type ExportedFile struct {
	Path   string       `json:"path"`
	Format ExportFormat `json:"format"`
	Size   int64        `json:"size"`
}

// Exporter serialises report tables and score records in one format
type Exporter interface {
	Name() string
	Format() ExportFormat
	ExportTable(ctx context.Context, w io.Writer, table *evaluation.Table) error
	ExportRecord(ctx context.Context, w io.Writer, record *scoring.Record) error
}

// ExportEngine writes the mean table, the AUC table and the raw scores
// in every configured format.
type ExportEngine struct {
	logger    *logrus.Logger
	config    *ExportConfig
	exporters map[ExportFormat]Exporter
	mu        sync.RWMutex
}

// NewExportEngine creates an engine with the built-in CSV and JSON exporters
func NewExportEngine(config *ExportConfig, logger *logrus.Logger) (*ExportEngine, error) {
	if config == nil {
		config = getDefaultExportConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if len(config.Formats) == 0 {
		config.Formats = []ExportFormat{FormatCSV}
	}

	ee := &ExportEngine{
		logger:    logger,
		config:    config,
		exporters: make(map[ExportFormat]Exporter),
	}

	csvExporter := &CSVExporter{Options: config.CSVOptions}
	if err := csvExporter.ValidateOptions(); err != nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, err.Error())
	}
	ee.RegisterExporter(csvExporter)
	ee.RegisterExporter(&JSONExporter{Options: config.JSONOptions})

	for _, f := range config.Formats {
		if _, ok := ee.exporters[f]; !ok {
			return nil, errors.NewConfigurationError(errors.CodeInvalidConfig,
				fmt.Sprintf("unsupported export format: %s", f))
		}
	}

	return ee, nil
}

// RegisterExporter registers an exporter for its format
func (ee *ExportEngine) RegisterExporter(exporter Exporter) {
	ee.mu.Lock()
	defer ee.mu.Unlock()
	ee.exporters[exporter.Format()] = exporter
}

// GetSupportedFormats returns the registered formats
func (ee *ExportEngine) GetSupportedFormats() []ExportFormat {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	formats := make([]ExportFormat, 0, len(ee.exporters))
	for f := range ee.exporters {
		formats = append(formats, f)
	}
	return formats
}

// ExportReport writes scores_mean, scores_auc and scores_samples files
// for every configured format into the output directory.
func (ee *ExportEngine) ExportReport(ctx context.Context, report *evaluation.Report, record *scoring.Record) ([]ExportedFile, error) {
	if err := os.MkdirAll(ee.config.OutputDirectory, 0o755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create output directory %s", ee.config.OutputDirectory))
	}

	var files []ExportedFile
	for _, format := range ee.config.Formats {
		ee.mu.RLock()
		exporter := ee.exporters[format]
		ee.mu.RUnlock()

		writes := []struct {
			name  string
			write func(io.Writer) error
		}{
			{constants.ReportMeanFile, func(w io.Writer) error { return exporter.ExportTable(ctx, w, report.Means) }},
			{constants.ReportAUCFile, func(w io.Writer) error { return exporter.ExportTable(ctx, w, report.AUC) }},
			{constants.ReportSamplesFile, func(w io.Writer) error { return exporter.ExportRecord(ctx, w, record) }},
		}

		for _, wr := range writes {
			path := filepath.Join(ee.config.OutputDirectory, wr.name+"."+string(format))
			size, err := writeFile(path, wr.write)
			if err != nil {
				return files, err
			}
			files = append(files, ExportedFile{Path: path, Format: format, Size: size})

			ee.logger.WithFields(logrus.Fields{
				"path":   path,
				"format": format,
				"size":   size,
			}).Info("Exported report file")
		}
	}

	return files, nil
}

func writeFile(path string, write func(io.Writer) error) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create %s", path))
	}
	if err := write(f); err != nil {
		f.Close()
		return 0, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to write %s", path))
	}
	if err := f.Close(); err != nil {
		return 0, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to close %s", path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, nil
	}
	return info.Size(), nil
}

func getDefaultExportConfig() *ExportConfig {
	return &ExportConfig{
		OutputDirectory: "./output",
		Formats:         []ExportFormat{FormatCSV},
	}
}
