package evaluation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/vaeanomaly/internal/observability/metrics"
	"github.com/inferloop/vaeanomaly/internal/scoring"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// Table is a score variant x class matrix. Cells may be missing when a
// metric could not be computed for a class.
type Table struct {
	Variants []string
	Classes  []string
	cells    map[string]map[string]float64
}

// NewTable creates an empty table with fixed row and column order
func NewTable(variants, classes []string) *Table {
	return &Table{
		Variants: variants,
		Classes:  classes,
		cells:    make(map[string]map[string]float64),
	}
}

// Set stores a cell
func (t *Table) Set(variant, class string, value float64) {
	row, ok := t.cells[variant]
	if !ok {
		row = make(map[string]float64)
		t.cells[variant] = row
	}
	row[class] = value
}

// Get returns a cell
func (t *Table) Get(variant, class string) (float64, bool) {
	v, ok := t.cells[variant][class]
	return v, ok
}

// Report is the evaluation summary of a scored record
type Report struct {
	NormalClass string
	Counts      map[string]int
	Means       *Table
	AUC         *Table

	// Errors holds the classes whose metrics were omitted
	Errors *errors.ClassErrors
}

// Summarize computes the mean of every score variant per class and over
// all classes, and the AUC of every abnormal class and of all abnormal
// classes together against normalClass. A class whose AUC cannot be
// computed is recorded in Report.Errors; the other classes still
// produce results.
func Summarize(record *scoring.Record, normalClass string) (*Report, error) {
	classes := record.Classes()
	if len(classes) == 0 {
		return nil, errors.NewDataError(errors.CodeEmptyDataset, "no scored images to summarise")
	}

	variants := record.AllVariants()
	var abnormal []string
	for _, c := range classes {
		if c != normalClass {
			abnormal = append(abnormal, c)
		}
	}

	report := &Report{
		NormalClass: normalClass,
		Counts:      make(map[string]int, len(classes)),
		Means:       NewTable(variants, append(append([]string{}, classes...), constants.AggregateColumn)),
		AUC:         NewTable(variants, append(append([]string{}, abnormal...), constants.AggregateColumn)),
		Errors:      errors.NewClassErrors(),
	}

	for _, c := range classes {
		report.Counts[c] = record.Count(c)
	}

	for _, v := range variants {
		var all []float64
		for _, c := range classes {
			values := record.Values(c, v)
			if len(values) == 0 {
				continue
			}
			report.Means.Set(v, c, stat.Mean(values, nil))
			all = append(all, values...)
		}
		if len(all) > 0 {
			report.Means.Set(v, constants.AggregateColumn, stat.Mean(all, nil))
		}
	}

	if report.Counts[normalClass] == 0 {
		report.Errors.Add(normalClass, errors.NewInsufficientDataError(normalClass,
			fmt.Sprintf("normal class %s has no scored images; AUC omitted", normalClass)))
		return report, nil
	}
	if len(abnormal) == 0 {
		report.Errors.Add(constants.AggregateColumn, errors.NewInsufficientDataError(constants.AggregateColumn,
			"no abnormal classes were scored; AUC omitted"))
		return report, nil
	}

	for _, v := range variants {
		normal := record.Values(normalClass, v)
		var union []float64
		for _, c := range abnormal {
			values := record.Values(c, v)
			union = append(union, values...)
			auc, err := ClassAUC(normalClass, normal, c, values)
			if err != nil {
				report.Errors.Add(c, err)
				continue
			}
			report.AUC.Set(v, c, auc)
		}
		auc, err := ClassAUC(normalClass, normal, constants.AggregateColumn, union)
		if err != nil {
			report.Errors.Add(constants.AggregateColumn, err)
			continue
		}
		report.AUC.Set(v, constants.AggregateColumn, auc)
	}

	return report, nil
}

// Publish exports the AUC table to the metrics registry
func (r *Report) Publish(pm *metrics.PrometheusMetrics) {
	for _, v := range r.AUC.Variants {
		for _, c := range r.AUC.Classes {
			if auc, ok := r.AUC.Get(v, c); ok && !math.IsNaN(auc) {
				pm.SetAUC(v, c, auc)
			}
		}
	}
}
