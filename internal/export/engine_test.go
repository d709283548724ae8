package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/internal/evaluation"
	"github.com/inferloop/vaeanomaly/internal/scoring"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

func addScores(record *scoring.Record, class string, reconst, kl float64) {
	s := scoring.NewScores()
	s.Set(constants.ScoreReconst, reconst)
	s.Set(constants.ScoreKL, kl)
	record.Add(class, s)
}

func testRecord() *scoring.Record {
	record := scoring.NewRecord()
	addScores(record, "NV", 1, 0.25)
	addScores(record, "NV", 2, 0.5)
	addScores(record, "MEL", 5, 0.5)
	return record
}

func TestNewExportEngine(t *testing.T) {
	logger := logrus.New()
	config := &ExportConfig{
		OutputDirectory: t.TempDir(),
		Formats:         []ExportFormat{FormatCSV, FormatJSON},
	}

	engine, err := NewExportEngine(config, logger)
	require.NoError(t, err)
	assert.Equal(t, config, engine.config)
	assert.ElementsMatch(t, []ExportFormat{FormatCSV, FormatJSON}, engine.GetSupportedFormats())

	_, err = NewExportEngine(&ExportConfig{Formats: []ExportFormat{"parquet"}}, logger)
	assert.ErrorIs(t, err, errors.ErrConfiguration)

	_, err = NewExportEngine(&ExportConfig{CSVOptions: CSVOptions{Delimiter: ";;"}}, logger)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestCSVExportTable(t *testing.T) {
	table := evaluation.NewTable(
		[]string{constants.ScoreReconst, constants.ScoreKL},
		[]string{"MEL", constants.AggregateColumn},
	)
	table.Set(constants.ScoreReconst, "MEL", 0.75)
	table.Set(constants.ScoreReconst, constants.AggregateColumn, 0.5)
	table.Set(constants.ScoreKL, "MEL", math.NaN())

	var buf bytes.Buffer
	exporter := &CSVExporter{}
	require.NoError(t, exporter.ExportTable(context.Background(), &buf, table))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"score", "MEL", "ALL"},
		{"reconst", "0.75", "0.5"},
		{"KL", "NaN", ""},
	}, rows)
}

func TestCSVExportRecord(t *testing.T) {
	var buf bytes.Buffer
	exporter := &CSVExporter{Options: CSVOptions{Delimiter: ";"}}
	require.NoError(t, exporter.ExportRecord(context.Background(), &buf, testRecord()))

	reader := csv.NewReader(&buf)
	reader.Comma = ';'
	rows, err := reader.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"class", "index", "reconst", "KL"},
		{"NV", "0", "1", "0.25"},
		{"NV", "1", "2", "0.5"},
		{"MEL", "0", "5", "0.5"},
	}, rows)
}

func TestCSVExportCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := (&CSVExporter{}).ExportRecord(ctx, &buf, testRecord())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJSONExportTable(t *testing.T) {
	table := evaluation.NewTable([]string{constants.ScoreVAE}, []string{"MEL", "BCC"})
	table.Set(constants.ScoreVAE, "MEL", 0.9)

	var buf bytes.Buffer
	require.NoError(t, (&JSONExporter{}).ExportTable(context.Background(), &buf, table))

	var out struct {
		Variants []string                       `json:"variants"`
		Classes  []string                       `json:"classes"`
		Values   map[string]map[string]*float64 `json:"values"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, []string{"MEL", "BCC"}, out.Classes)
	require.NotNil(t, out.Values[constants.ScoreVAE]["MEL"])
	assert.Equal(t, 0.9, *out.Values[constants.ScoreVAE]["MEL"])
	assert.Nil(t, out.Values[constants.ScoreVAE]["BCC"])
}

func TestExportReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "report")
	engine, err := NewExportEngine(&ExportConfig{
		OutputDirectory: dir,
		Formats:         []ExportFormat{FormatCSV, FormatJSON},
	}, logrus.New())
	require.NoError(t, err)

	record := testRecord()
	report, err := evaluation.Summarize(record, "NV")
	require.NoError(t, err)

	files, err := engine.ExportReport(context.Background(), report, record)
	require.NoError(t, err)
	require.Len(t, files, 6)

	for _, name := range []string{"scores_mean.csv", "scores_auc.csv", "scores_samples.csv", "scores_mean.json"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Greater(t, info.Size(), int64(0))
	}

	f, err := os.Open(filepath.Join(dir, "scores_auc.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"score", "MEL", "ALL"}, rows[0])
	assert.Equal(t, []string{"reconst", "1", "1"}, rows[1])
}

func TestCSVPrecision(t *testing.T) {
	table := evaluation.NewTable([]string{constants.ScoreReconst}, []string{"MEL"})
	table.Set(constants.ScoreReconst, "MEL", 2.71828)

	cell := func(precision *int) string {
		var buf bytes.Buffer
		exporter := &CSVExporter{Options: CSVOptions{Precision: precision}}
		require.NoError(t, exporter.ExportTable(context.Background(), &buf, table))
		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		return rows[1][1]
	}

	zero, two, shortest := 0, 2, -1
	assert.Equal(t, "2.71828", cell(nil))
	assert.Equal(t, "2.71828", cell(&shortest))
	assert.Equal(t, "3", cell(&zero))
	assert.Equal(t, "2.72", cell(&two))
}
