package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/inferloop/vaeanomaly/internal/evaluation"
	"github.com/inferloop/vaeanomaly/internal/scoring"
)

// CSVExporter writes report tables and raw scores as CSV
type CSVExporter struct {
	Options CSVOptions
}

// Name returns the exporter name
func (ce *CSVExporter) Name() string {
	return "csv"
}

// Format returns the exported format
func (ce *CSVExporter) Format() ExportFormat {
	return FormatCSV
}

func (ce *CSVExporter) newWriter(w io.Writer) (*csv.Writer, CSVOptions) {
	opts := ce.Options
	if opts.Delimiter == "" {
		opts.Delimiter = ","
	}
	cw := csv.NewWriter(w)
	cw.Comma = rune(opts.Delimiter[0])
	return cw, opts
}

// ExportTable writes one row per score variant and one column per class.
// Missing cells are written as the null value.
func (ce *CSVExporter) ExportTable(ctx context.Context, w io.Writer, table *evaluation.Table) error {
	cw, opts := ce.newWriter(w)
	defer cw.Flush()

	headers := append([]string{"score"}, table.Classes...)
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, variant := range table.Variants {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		row := make([]string, 0, len(headers))
		row = append(row, variant)
		for _, class := range table.Classes {
			v, ok := table.Get(variant, class)
			if !ok {
				row = append(row, opts.NullValue)
				continue
			}
			row = append(row, formatFloat(v, opts))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ExportRecord writes one row per scored image: class, index within the
// class, then every score variant.
func (ce *CSVExporter) ExportRecord(ctx context.Context, w io.Writer, record *scoring.Record) error {
	cw, opts := ce.newWriter(w)
	defer cw.Flush()

	variants := record.AllVariants()
	headers := append([]string{"class", "index"}, variants...)
	if err := cw.Write(headers); err != nil {
		return fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, class := range record.Classes() {
		columns := make([][]float64, len(variants))
		for i, v := range variants {
			columns[i] = record.Values(class, v)
		}

		for idx := 0; idx < record.Count(class); idx++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			row := []string{class, strconv.Itoa(idx)}
			for _, col := range columns {
				if idx < len(col) {
					row = append(row, formatFloat(col[idx], opts))
				} else {
					row = append(row, opts.NullValue)
				}
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// ValidateOptions validates CSV export options
func (ce *CSVExporter) ValidateOptions() error {
	if ce.Options.Delimiter != "" && len(ce.Options.Delimiter) != 1 {
		return fmt.Errorf("CSV delimiter must be a single character")
	}
	return nil
}

func formatFloat(v float64, opts CSVOptions) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	if opts.Precision == nil || *opts.Precision < 0 {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', *opts.Precision, 64)
}
