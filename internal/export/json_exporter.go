package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/inferloop/vaeanomaly/internal/evaluation"
	"github.com/inferloop/vaeanomaly/internal/scoring"
)

// JSONExporter writes report tables and raw scores as JSON
type JSONExporter struct {
	Options JSONOptions
}

type jsonTable struct {
	Variants []string                       `json:"variants"`
	Classes  []string                       `json:"classes"`
	Values   map[string]map[string]*float64 `json:"values"`
}

type jsonRecord struct {
	Classes []string                         `json:"classes"`
	Scores  map[string]map[string][]*float64 `json:"scores"`
}

// Name returns the exporter name
func (je *JSONExporter) Name() string {
	return "json"
}

// Format returns the exported format
func (je *JSONExporter) Format() ExportFormat {
	return FormatJSON
}

// ExportTable writes the table as {variants, classes, values}. Missing and
// NaN cells are null.
func (je *JSONExporter) ExportTable(ctx context.Context, w io.Writer, table *evaluation.Table) error {
	out := jsonTable{
		Variants: table.Variants,
		Classes:  table.Classes,
		Values:   make(map[string]map[string]*float64, len(table.Variants)),
	}
	for _, variant := range table.Variants {
		row := make(map[string]*float64, len(table.Classes))
		for _, class := range table.Classes {
			v, ok := table.Get(variant, class)
			if !ok {
				row[class] = nil
				continue
			}
			row[class] = finite(v)
		}
		out.Values[variant] = row
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return je.encode(w, out)
}

// ExportRecord writes every score grouped by class and variant
func (je *JSONExporter) ExportRecord(ctx context.Context, w io.Writer, record *scoring.Record) error {
	out := jsonRecord{
		Classes: record.Classes(),
		Scores:  make(map[string]map[string][]*float64),
	}
	for _, class := range out.Classes {
		if err := ctx.Err(); err != nil {
			return err
		}
		byVariant := make(map[string][]*float64)
		for _, variant := range record.Variants(class) {
			values := record.Values(class, variant)
			col := make([]*float64, len(values))
			for i, v := range values {
				col[i] = finite(v)
			}
			byVariant[variant] = col
		}
		out.Scores[class] = byVariant
	}
	return je.encode(w, out)
}

func (je *JSONExporter) encode(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	if je.Options.Pretty {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
