package evaluation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/internal/scoring"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

func TestClassAUC(t *testing.T) {
	tests := []struct {
		name     string
		normal   []float64
		abnormal []float64
		want     float64
	}{
		{"perfect separation", []float64{1, 2, 3}, []float64{4, 5, 6}, 1.0},
		{"inverted", []float64{4, 5, 6}, []float64{1, 2, 3}, 0.0},
		{"identical distributions", []float64{1, 2, 3}, []float64{1, 2, 3}, 0.5},
		{"all tied", []float64{7, 7}, []float64{7, 7, 7}, 0.5},
		{"partial overlap", []float64{1, 2, 3, 4}, []float64{3, 4, 5, 6}, 0.875},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auc, err := ClassAUC("NV", tt.normal, "MEL", tt.abnormal)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, auc, 1e-12)
		})
	}
}

func TestClassAUCErrors(t *testing.T) {
	_, err := ClassAUC("NV", nil, "MEL", []float64{1})
	require.ErrorIs(t, err, errors.ErrInsufficientData)
	class, _ := errors.ClassOf(err)
	assert.Equal(t, "NV", class)

	_, err = ClassAUC("NV", []float64{1}, "MEL", nil)
	require.ErrorIs(t, err, errors.ErrInsufficientData)
	class, _ = errors.ClassOf(err)
	assert.Equal(t, "MEL", class)

	_, err = ClassAUC("NV", []float64{1, math.NaN()}, "MEL", []float64{2})
	assert.ErrorIs(t, err, errors.ErrNumericInstability)
}

func addImages(record *scoring.Record, class string, reconst ...float64) {
	for _, r := range reconst {
		s := scoring.NewScores()
		s.Set(constants.ScoreReconst, r)
		s.Set(constants.ScoreKL, r/10)
		record.Add(class, s)
	}
}

func TestSummarize(t *testing.T) {
	record := scoring.NewRecord()
	addImages(record, "NV", 1, 2, 3)
	addImages(record, "MEL", 4, 5)
	addImages(record, "BCC", 2, 2.5)

	report, err := Summarize(record, "NV")
	require.NoError(t, err)

	assert.Equal(t, 0, report.Errors.Len())
	assert.Equal(t, map[string]int{"NV": 3, "MEL": 2, "BCC": 2}, report.Counts)
	assert.Equal(t, []string{constants.ScoreReconst, constants.ScoreKL}, report.Means.Variants)
	assert.Equal(t, []string{"NV", "MEL", "BCC", constants.AggregateColumn}, report.Means.Classes)
	assert.Equal(t, []string{"MEL", "BCC", constants.AggregateColumn}, report.AUC.Classes)

	mean, ok := report.Means.Get(constants.ScoreReconst, "NV")
	require.True(t, ok)
	assert.InDelta(t, 2.0, mean, 1e-12)
	mean, ok = report.Means.Get(constants.ScoreReconst, constants.AggregateColumn)
	require.True(t, ok)
	assert.InDelta(t, 19.5/7, mean, 1e-12)

	auc, ok := report.AUC.Get(constants.ScoreReconst, "MEL")
	require.True(t, ok)
	assert.InDelta(t, 1.0, auc, 1e-12)

	auc, ok = report.AUC.Get(constants.ScoreKL, constants.AggregateColumn)
	require.True(t, ok)
	assert.Greater(t, auc, 0.5)
	assert.Less(t, auc, 1.0)
}

func TestSummarizeMissingNormalClass(t *testing.T) {
	record := scoring.NewRecord()
	addImages(record, "MEL", 4, 5)

	report, err := Summarize(record, "NV")
	require.NoError(t, err)

	_, ok := report.Means.Get(constants.ScoreReconst, "MEL")
	assert.True(t, ok)
	_, ok = report.AUC.Get(constants.ScoreReconst, "MEL")
	assert.False(t, ok)

	failure, ok := report.Errors.Get("NV")
	require.True(t, ok)
	assert.ErrorIs(t, failure, errors.ErrInsufficientData)
}

func TestSummarizeIsolatesFailingClass(t *testing.T) {
	record := scoring.NewRecord()
	addImages(record, "NV", 1, 2, 3)
	addImages(record, "MEL", 4, 5)
	addImages(record, "SCC", math.NaN())

	report, err := Summarize(record, "NV")
	require.NoError(t, err)

	_, ok := report.AUC.Get(constants.ScoreReconst, "MEL")
	assert.True(t, ok)
	_, ok = report.AUC.Get(constants.ScoreReconst, "SCC")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"SCC", constants.AggregateColumn}, report.Errors.Classes())
	failure, _ := report.Errors.Get("SCC")
	assert.ErrorIs(t, failure, errors.ErrNumericInstability)
}

func TestSummarizeEmptyRecord(t *testing.T) {
	_, err := Summarize(scoring.NewRecord(), "NV")
	assert.ErrorIs(t, err, errors.ErrEmptyDataset)
}
